package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/relay/internal/capture"
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/server"
	"github.com/rakunlabs/relay/internal/service"
	"github.com/rakunlabs/relay/internal/service/llm/antropic"
	"github.com/rakunlabs/relay/internal/service/llm/gemini"
	"github.com/rakunlabs/relay/internal/service/llm/ollama"
	"github.com/rakunlabs/relay/internal/service/llm/openai"
	"github.com/rakunlabs/relay/internal/vault"
)

var (
	name    = "relay"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	stats := service.NewStats()

	devices := service.NewDeviceRegistry(config.Duration(cfg.DeviceTTL, 72*time.Hour))
	sessions := service.NewSessionStore(devices, config.Duration(cfg.SessionTTL, 24*time.Hour), stats)

	cache := service.NewResponseCache(
		time.Duration(cfg.OptimizerCacheExpirationHours)*time.Hour,
		cfg.OptimizerMaxCacheMB<<20,
		stats,
	)

	limiter := service.NewRateLimiter(service.RateLimitConfig{
		MaxRequests: cfg.RateLimitRequests,
		Window:      config.Duration(cfg.RateLimitWindow, time.Minute),
		TokenQuota:  cfg.TokenQuota,
		QuotaWindow: config.Duration(cfg.TokenQuotaWindow, time.Hour),
	}, stats)

	// The vault notifies the registry when a provider credential changes;
	// the registry does not exist yet, so the hook resolves late.
	var registry *service.Registry

	vlt, err := vault.New(cfg.SecretsDir, func(provider string) {
		if registry == nil {
			return
		}
		if err := registry.Reload(provider); err != nil {
			slog.Error("provider reload after vault change failed", "provider", provider, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	factory := providerFactory(cfg, vlt)

	providers := make(map[string]service.ProviderInfo)
	for _, id := range service.KnownProviders {
		info, err := factory(id)
		if err != nil {
			slog.Warn("provider not configured", "provider", id, "reason", err)
			continue
		}
		providers[id] = info
		slog.Info("provider configured", "provider", id, "model", info.DefaultModel)
	}

	if len(providers) == 0 {
		return fmt.Errorf("no providers available; set at least one provider credential or an Ollama URL")
	}

	registry = service.NewRegistry(providers, factory)

	orchestrator := service.NewOrchestrator(sessions, registry, cache, limiter, stats, service.OrchestratorConfig{
		MaxToolIterations:  cfg.MaxToolIterations,
		MaxContextMessages: cfg.OptimizerMaxContextMessages,
		RequestTimeout:     cfg.RequestTimeout(),
	})

	bus, err := capture.NewBus(cfg.CaptureDir)
	if err != nil {
		return fmt.Errorf("failed to init capture bus: %w", err)
	}
	bus.Start(ctx)

	capture.NewTranscriptWriter(bus, cfg.CaptureDir)

	audit, err := server.NewAuditLog("audit.log", cfg.SessionSecret)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer audit.Close()

	if err := service.StartMaintenance(ctx, sessions, devices, cache, limiter); err != nil {
		return err
	}

	srv, err := server.New(server.Runtime{
		Config:       cfg,
		Registry:     registry,
		Sessions:     sessions,
		Devices:      devices,
		Cache:        cache,
		Limiter:      limiter,
		Stats:        stats,
		Orchestrator: orchestrator,
		Vault:        vlt,
		Capture:      bus,
		Audit:        audit,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	slog.Info("starting bridge", "host", cfg.Host, "port", cfg.Port, "providers", len(providers))

	return srv.Start(ctx)
}

// providerFactory builds one adapter per provider id from config plus the
// vault (the vault copy of a key wins over the environment copy).
func providerFactory(cfg *config.Config, vlt *vault.Vault) service.ProviderFactory {
	key := func(name, fallback string) string {
		if v, ok := vlt.Get(name); ok {
			return v
		}
		return fallback
	}

	return func(id string) (service.ProviderInfo, error) {
		switch id {
		case service.ProviderClaude:
			apiKey := key("anthropic_api_key", cfg.AnthropicAPIKey)
			if apiKey == "" {
				return service.ProviderInfo{}, fmt.Errorf("no Anthropic API key")
			}
			p, err := antropic.New(apiKey, cfg.ClaudeModel, "")
			if err != nil {
				return service.ProviderInfo{}, err
			}
			return service.ProviderInfo{Provider: p, DefaultModel: cfg.ClaudeModel}, nil

		case service.ProviderOpenAI:
			apiKey := key("openai_api_key", cfg.OpenAIAPIKey)
			if apiKey == "" {
				return service.ProviderInfo{}, fmt.Errorf("no OpenAI API key")
			}
			p, err := openai.New(apiKey, cfg.OpenAIModel, "")
			if err != nil {
				return service.ProviderInfo{}, err
			}
			return service.ProviderInfo{Provider: p, DefaultModel: cfg.OpenAIModel}, nil

		case service.ProviderGemini:
			apiKey := key("google_api_key", cfg.GoogleAPIKey)
			if apiKey == "" {
				return service.ProviderInfo{}, fmt.Errorf("no Google API key")
			}
			p, err := gemini.New(apiKey, cfg.GeminiModel, "")
			if err != nil {
				return service.ProviderInfo{}, err
			}
			return service.ProviderInfo{Provider: p, DefaultModel: cfg.GeminiModel}, nil

		case service.ProviderOllamaLocal:
			if cfg.OllamaLocalURL == "" {
				return service.ProviderInfo{}, fmt.Errorf("no Ollama local URL")
			}
			p, err := ollama.New(id, "", cfg.OllamaLocalModel, cfg.OllamaLocalURL)
			if err != nil {
				return service.ProviderInfo{}, err
			}
			return service.ProviderInfo{Provider: p, DefaultModel: cfg.OllamaLocalModel}, nil

		case service.ProviderOllamaCloud:
			if cfg.OllamaCloudURL == "" {
				return service.ProviderInfo{}, fmt.Errorf("no Ollama cloud URL")
			}
			apiKey := key("ollama_cloud_api_key", cfg.OllamaCloudAPIKey)
			p, err := ollama.New(id, apiKey, cfg.OllamaCloudModel, cfg.OllamaCloudURL)
			if err != nil {
				return service.ProviderInfo{}, err
			}
			return service.ProviderInfo{Provider: p, DefaultModel: cfg.OllamaCloudModel}, nil

		default:
			return service.ProviderInfo{}, fmt.Errorf("unknown provider id %q", id)
		}
	}
}
