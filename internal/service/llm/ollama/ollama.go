// Package ollama implements the adapter for Ollama's OpenAI-compatible
// chat endpoint. Local and cloud deployments are two constructions of the
// same provider differing only by base URL and an optional bearer token.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/relay/internal/service"
	"github.com/rakunlabs/relay/internal/service/llm"
)

const DefaultBaseURL = "http://localhost:11434"

type Provider struct {
	Model string

	name   string
	client *klient.Client
}

// New creates an Ollama provider. name is the provider id the instance is
// registered under ("ollama-local" or "ollama-cloud"); apiKey may be empty
// for local deployments.
func New(name, apiKey, model, baseURL string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	headers := http.Header{
		"Content-Type": []string{"application/json"},
	}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Model:  model,
		name:   name,
		client: client,
	}, nil
}

// Health probes GET /api/tags, the cheapest route an Ollama server exposes.
func (p *Provider) Health(ctx context.Context) service.Health {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return service.Health{Error: err.Error()}
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return service.Health{LatencyMs: time.Since(start).Milliseconds(), Error: service.Redact(err.Error())}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	h := service.Health{LatencyMs: time.Since(start).Milliseconds()}
	if resp.StatusCode != http.StatusOK {
		h.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return h
	}

	h.Healthy = true

	return h
}

// Models lists locally available model tags.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, p.mapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.MapStatus(p.name, resp.StatusCode, body, resp.Header)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tags response: %w", err)
	}

	models := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, m.Name)
	}

	return models, nil
}

// Cost is always zero: Ollama runs models the operator already pays for.
func (p *Provider) Cost(string, service.Usage) float64 { return 0 }

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
	Usage   *apiUsage `json:"usage,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Message struct {
		Content   string     `json:"content"`
		ToolCalls []toolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type toolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (p *Provider) Chat(ctx context.Context, chatReq service.ChatRequest) (*service.ChatResponse, error) {
	reqBody := p.buildRequestBody(chatReq)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, p.mapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.MapStatus(p.name, resp.StatusCode, body, resp.Header)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Error != nil {
		return nil, service.Ef(service.KindProviderError, "%s: %s", p.name, service.Redact(result.Error.Message)).
			WithDetails(map[string]any{"providerCode": result.Error.Type})
	}

	if len(result.Choices) == 0 {
		return nil, service.Ef(service.KindProviderError, "%s: no response choices", p.name)
	}

	model := reqBody["model"].(string)
	ch := result.Choices[0]

	out := &service.ChatResponse{
		Content:      ch.Message.Content,
		FinishReason: mapFinishReason(ch.FinishReason),
		Model:        model,
		LatencyMs:    time.Since(start).Milliseconds(),
	}

	if result.Usage != nil {
		out.Usage = service.Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
			TotalTokens:  result.Usage.TotalTokens,
		}
	}

	for i, tc := range ch.Message.ToolCalls {
		var args map[string]any
		json.Unmarshal([]byte(tc.Function.Arguments), &args)

		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}

		out.ToolCalls = append(out.ToolCalls, service.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	if len(out.ToolCalls) > 0 {
		out.FinishReason = service.FinishToolCalls
	}

	return out, nil
}

// ChatStream streams the completion over the OpenAI-compatible SSE format.
func (p *Provider) ChatStream(ctx context.Context, chatReq service.ChatRequest) (<-chan service.StreamChunk, error) {
	reqBody := p.buildRequestBody(chatReq)
	reqBody["stream"] = true
	reqBody["stream_options"] = map[string]any{"include_usage": true}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, p.mapTransportErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, llm.MapStatus(p.name, resp.StatusCode, body, resp.Header)
	}

	ch := make(chan service.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		finishReason := service.FinishStop
		var usage *service.Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk struct {
				Error   *apiError `json:"error,omitempty"`
				Choices []struct {
					Delta struct {
						Content string `json:"content,omitempty"`
					} `json:"delta"`
					FinishReason *string `json:"finish_reason"`
				} `json:"choices"`
				Usage *apiUsage `json:"usage,omitempty"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("failed to parse SSE event: %w", err)}
				return
			}

			if chunk.Error != nil {
				ch <- service.StreamChunk{Error: service.Ef(service.KindProviderError, "%s: %s", p.name, service.Redact(chunk.Error.Message))}
				return
			}

			if chunk.Usage != nil {
				usage = &service.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- service.StreamChunk{Delta: c.Delta.Content}
			}
			if c.FinishReason != nil && *c.FinishReason != "" {
				finishReason = mapFinishReason(*c.FinishReason)
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: p.mapTransportErr(err)}
			return
		}

		ch <- service.StreamChunk{
			Done:         true,
			FinishReason: finishReason,
			Usage:        usage,
		}
	}()

	return ch, nil
}

func (p *Provider) buildRequestBody(chatReq service.ChatRequest) map[string]any {
	model := chatReq.Model
	if model == "" {
		model = p.Model
	}

	openaiTools := make([]map[string]any, len(chatReq.Tools))
	for i, tool := range chatReq.Tools {
		openaiTools[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.InputSchema,
			},
		}
	}

	messages := make([]map[string]any, 0, len(chatReq.Messages))
	for _, msg := range chatReq.Messages {
		m := map[string]any{"role": msg.Role, "content": msg.Content}

		if msg.Role == "tool" {
			m["tool_call_id"] = msg.ToolCallID
			if s, ok := msg.Content.(string); ok {
				m["content"] = s
			} else {
				raw, _ := json.Marshal(msg.Content)
				m["content"] = string(raw)
			}
		}

		if len(msg.ToolCalls) > 0 {
			var tcs []map[string]any
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				tcs = append(tcs, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				})
			}
			m["tool_calls"] = tcs
		}

		messages = append(messages, m)
	}

	reqBody := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": chatReq.Temperature,
	}
	if chatReq.MaxTokens > 0 {
		reqBody["max_tokens"] = chatReq.MaxTokens
	}
	if len(openaiTools) > 0 {
		reqBody["tools"] = openaiTools
	}

	return reqBody
}

func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return service.FinishToolCalls
	case "length":
		return service.FinishLength
	default:
		return service.FinishStop
	}
}

func (p *Provider) mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return service.Wrap(service.KindTimeout, p.name+" request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return service.Wrap(service.KindProviderUnavailable, p.name+" unreachable", err)
}
