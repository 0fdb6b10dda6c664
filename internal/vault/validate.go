package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/relay/internal/service"
)

// ValidationResult is the outcome of probing a provider with a candidate
// credential. Probes read only; they never persist anything.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate checks a credential against the provider's cheapest
// authenticated route: a minimal messages call for Anthropic, the model
// list for OpenAI and Google, /user for GitHub.
func Validate(ctx context.Context, provider, value string) ValidationResult {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var err error

	switch provider {
	case service.ProviderClaude, "anthropic":
		err = probeAnthropic(ctx, value)
	case service.ProviderOpenAI:
		err = probe(ctx, "https://api.openai.com", "/v1/models", http.Header{
			"Authorization": []string{"Bearer " + value},
		})
	case service.ProviderGemini, "google":
		err = probe(ctx, "https://generativelanguage.googleapis.com", "/v1beta/models?pageSize=1", http.Header{
			"x-goog-api-key": []string{value},
		})
	case "github":
		err = probe(ctx, "https://api.github.com", "/user", http.Header{
			"Authorization": []string{"Bearer " + value},
			"Accept":        []string{"application/vnd.github+json"},
		})
	case service.ProviderOllamaLocal, service.ProviderOllamaCloud:
		// Local providers take any (or no) key.
		return ValidationResult{Valid: true}
	default:
		return ValidationResult{Error: fmt.Sprintf("validation not supported for provider %q", provider)}
	}

	if err != nil {
		slog.Warn("credential validation failed", "provider", provider, "error", service.Redact(err.Error()))
		return ValidationResult{Error: service.Redact(err.Error())}
	}

	return ValidationResult{Valid: true}
}

// probe issues one authenticated GET and accepts any 2xx.
func probe(ctx context.Context, baseURL, path string, headers http.Header) error {
	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
		klient.WithHeaderSet(headers),
	)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	return nil
}

// probeAnthropic sends a minimal messages call; any response that is not
// an auth rejection counts as valid.
func probeAnthropic(ctx context.Context, value string) error {
	client, err := klient.New(
		klient.WithBaseURL("https://api.anthropic.com"),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{value},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
	)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]any{
		"model":      "claude-haiku-4-5",
		"max_tokens": 1,
		"messages":   []map[string]any{{"role": "user", "content": "ping"}},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	resp, err := client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("anthropic rejected the key (status %d)", resp.StatusCode)
	}

	return nil
}
