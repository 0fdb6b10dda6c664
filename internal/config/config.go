package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the full environment surface of the bridge. Values load from
// the environment without a prefix so the documented names (PORT,
// ANTHROPIC_API_KEY, ...) resolve directly.
type Config struct {
	LogLevel string `cfg:"log_level" default:"info"`

	// Env is "development" or "production"; production masks internal
	// error messages and stack traces in responses.
	Env string `cfg:"env" default:"development"`

	Host string `cfg:"host" default:"0.0.0.0"`
	Port string `cfg:"port" default:"3000"`

	// AllowedOrigins is a comma-separated CORS origin list; empty means
	// localhost-only.
	AllowedOrigins string `cfg:"allowed_origins"`

	// SessionSecret signs audit records when audit signing is enabled.
	SessionSecret string `cfg:"session_secret" log:"-"`

	// APITimeout is the per-request deadline in milliseconds.
	APITimeout int `cfg:"api_timeout" default:"60000"`

	// StrictBody rejects unknown fields in request bodies. Defaults to
	// strict in development, lenient in production; the explicit value
	// wins when set.
	StrictBody *bool `cfg:"strict_body"`

	// Per-provider credentials and model defaults.
	AnthropicAPIKey   string `cfg:"anthropic_api_key" log:"-"`
	OpenAIAPIKey      string `cfg:"openai_api_key" log:"-"`
	GoogleAPIKey      string `cfg:"google_api_key" log:"-"`
	OllamaLocalURL    string `cfg:"ollama_local_url" default:"http://localhost:11434"`
	OllamaCloudURL    string `cfg:"ollama_cloud_url"`
	OllamaCloudAPIKey string `cfg:"ollama_cloud_api_key" log:"-"`

	ClaudeModel      string `cfg:"claude_model" default:"claude-sonnet-4-5"`
	OpenAIModel      string `cfg:"openai_model" default:"gpt-4o"`
	GeminiModel      string `cfg:"gemini_model" default:"gemini-2.5-flash"`
	OllamaLocalModel string `cfg:"ollama_local_model" default:"llama3.2"`
	OllamaCloudModel string `cfg:"ollama_cloud_model"`

	// Response cache knobs.
	ChatOptimizerEnabled          bool `cfg:"chat_optimizer_enabled" default:"true"`
	OptimizerMaxCacheMB           int  `cfg:"optimizer_max_cache_mb" default:"100"`
	OptimizerCacheExpirationHours int  `cfg:"optimizer_cache_expiration_hours" default:"1"`
	OptimizerMaxContextMessages   int  `cfg:"optimizer_max_context_messages" default:"10"`

	// Rate limiting and quotas.
	RateLimitRequests int    `cfg:"rate_limit_requests" default:"100"`
	RateLimitWindow   string `cfg:"rate_limit_window" default:"60s"`
	TokenQuota        int64  `cfg:"token_quota"`
	TokenQuotaWindow  string `cfg:"token_quota_window" default:"1h"`

	MaxToolIterations int `cfg:"max_tool_iterations" default:"8"`

	// TTL strings accept extended durations like "2d".
	SessionTTL string `cfg:"session_ttl" default:"24h"`
	DeviceTTL  string `cfg:"device_ttl" default:"3d"`

	// Storage roots.
	SecretsDir string `cfg:"secrets_dir" default:".secrets"`
	CaptureDir string `cfg:"capture_dir" default:"capture-sessions"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New())); err != nil {
		return nil, err
	}

	// NODE_ENV is honored as a fallback alias for ENV.
	if nodeEnv := os.Getenv("NODE_ENV"); nodeEnv != "" && cfg.Env == "development" {
		cfg.Env = nodeEnv
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// Production reports whether the bridge runs with masked error output.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Strict reports whether unknown body fields are rejected.
func (c *Config) Strict() bool {
	if c.StrictBody != nil {
		return *c.StrictBody
	}

	return !c.Production()
}

// Origins returns the parsed CORS origin list.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// RequestTimeout converts APITimeout to a duration.
func (c *Config) RequestTimeout() time.Duration {
	if c.APITimeout <= 0 {
		return 60 * time.Second
	}

	return time.Duration(c.APITimeout) * time.Millisecond
}

// Duration parses an extended duration string (supports day units),
// falling back to def on empty or malformed values.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}

	d, err := str2duration.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration, using default", "value", value, "default", def)
		return def
	}

	return d
}
