package antropic

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

const DefaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	Model string

	client *klient.Client
	prices llm.PriceTable
}

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Error      anthropicError `json:"error"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey, model, baseURL string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Model:  model,
		client: client,
		prices: llm.Prices(service.ProviderClaude),
	}, nil
}

// Health probes the models route with a cheap request.
func (p *Provider) Health(ctx context.Context) service.Health {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/models?limit=1", nil)
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

// Models lists model ids from the upstream.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/models?limit=100", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.MapStatus(service.ProviderClaude, resp.StatusCode, body, resp.Header)
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, m.ID)
	}

	return models, nil
}

// Cost prices usage against the static table.
func (p *Provider) Cost(model string, usage service.Usage) float64 {
	return p.prices.Cost(model, usage)
}

func (p *Provider) Chat(ctx context.Context, chatReq service.ChatRequest) (*service.ChatResponse, error) {
	reqBody := p.buildRequestBody(chatReq)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.MapStatus(service.ProviderClaude, resp.StatusCode, body, resp.Header)
	}

	var result anthropicResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Type == "error" {
		return nil, service.Ef(service.KindProviderError, "anthropic: %s", service.Redact(result.Error.Message)).
			WithDetails(map[string]any{"providerCode": result.Error.Type})
	}

	model := reqBody["model"].(string)

	out := &service.ChatResponse{
		FinishReason: mapStopReason(result.StopReason),
		Model:        model,
		LatencyMs:    time.Since(start).Milliseconds(),
	}

	out.Usage = service.Usage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.InputTokens + result.Usage.OutputTokens,
	}
	out.Usage.Cost = p.prices.Cost(model, out.Usage)

	for _, block := range result.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, service.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	return out, nil
}

// ─── Streaming ───

// Anthropic SSE event types for streaming.
type streamEvent struct {
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta,omitempty"`

	// For content_block_start
	ContentBlock *contentBlock `json:"content_block,omitempty"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolInputDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type messageDelta struct {
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage,omitempty"` // output_tokens on message_delta
}

// messageStartBody is the top-level structure of a message_start event.
type messageStartBody struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *anthropicUsage `json:"usage,omitempty"` // input_tokens on message_start
	} `json:"message,omitempty"`
}

// ChatStream streams the completion as a delta sequence. The last chunk
// has Done=true and carries the accumulated usage and finish reason.
func (p *Provider) ChatStream(ctx context.Context, chatReq service.ChatRequest) (<-chan service.StreamChunk, error) {
	reqBody := p.buildRequestBody(chatReq)
	reqBody["stream"] = true

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, llm.MapStatus(service.ProviderClaude, resp.StatusCode, body, resp.Header)
	}

	model := reqBody["model"].(string)
	ch := make(chan service.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Anthropic streams tool input as partial JSON fragments that are
		// accumulated and parsed when the content block stops.
		var currentToolID string
		var currentToolName string
		var toolInputBuf strings.Builder

		finishReason := service.FinishStop
		var usageInputTokens, usageOutputTokens int

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("failed to parse SSE event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				var msb messageStartBody
				if err := json.Unmarshal([]byte(data), &msb); err == nil && msb.Message != nil && msb.Message.Usage != nil {
					usageInputTokens = msb.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					currentToolID = event.ContentBlock.ID
					currentToolName = event.ContentBlock.Name
					toolInputBuf.Reset()
				}

			case "content_block_delta":
				if len(event.Delta) == 0 {
					continue
				}

				var td textDelta
				if err := json.Unmarshal(event.Delta, &td); err == nil && td.Type == "text_delta" {
					ch <- service.StreamChunk{Delta: td.Text}
					continue
				}

				var tid toolInputDelta
				if err := json.Unmarshal(event.Delta, &tid); err == nil && tid.Type == "input_json_delta" {
					toolInputBuf.WriteString(tid.PartialJSON)
				}

			case "content_block_stop":
				if currentToolID != "" {
					var args map[string]any
					if toolInputBuf.Len() > 0 {
						json.Unmarshal([]byte(toolInputBuf.String()), &args)
					}
					ch <- service.StreamChunk{
						ToolCalls: []service.ToolCall{{
							ID:        currentToolID,
							Name:      currentToolName,
							Arguments: args,
						}},
					}
					currentToolID = ""
					currentToolName = ""
					toolInputBuf.Reset()
				}

			case "message_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var md messageDelta
				if err := json.Unmarshal(event.Delta, &md); err == nil {
					if md.Usage != nil {
						usageOutputTokens = md.Usage.OutputTokens
					}
					if md.StopReason != "" {
						finishReason = mapStopReason(md.StopReason)
					}
				}

			case "message_stop":
				usage := service.Usage{
					InputTokens:  usageInputTokens,
					OutputTokens: usageOutputTokens,
					TotalTokens:  usageInputTokens + usageOutputTokens,
				}
				usage.Cost = p.prices.Cost(model, usage)

				ch <- service.StreamChunk{
					Done:         true,
					FinishReason: finishReason,
					Usage:        &usage,
				}
				return

			case "error":
				var errMsg struct {
					Error anthropicError `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &errMsg); err == nil {
					ch <- service.StreamChunk{Error: service.Ef(service.KindProviderError, "anthropic: %s", service.Redact(errMsg.Error.Message))}
				} else {
					ch <- service.StreamChunk{Error: service.E(service.KindProviderError, "anthropic stream error")}
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: mapTransportErr(err)}
		}
	}()

	return ch, nil
}

// buildRequestBody creates the common request body for Chat and ChatStream.
func (p *Provider) buildRequestBody(chatReq service.ChatRequest) map[string]any {
	model := chatReq.Model
	if model == "" {
		model = p.Model
	}

	maxTokens := chatReq.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	anthropicTools := make([]map[string]any, len(chatReq.Tools))
	for i, tool := range chatReq.Tools {
		anthropicTools[i] = map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.InputSchema,
		}
	}

	// Anthropic takes the system prompt as a top-level parameter rather
	// than a message; tool results travel as user-role tool_result blocks.
	var systemPrompt string
	var messages []map[string]any

	for _, msg := range chatReq.Messages {
		switch msg.Role {
		case "system":
			if s, ok := msg.Content.(string); ok {
				if systemPrompt != "" {
					systemPrompt += "\n"
				}
				systemPrompt += s
			}

		case "assistant":
			var blocks []map[string]any
			if s, ok := msg.Content.(string); ok && s != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": s})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     contentAsString(msg.Content),
				}},
			})

		default:
			messages = append(messages, map[string]any{"role": msg.Role, "content": msg.Content})
		}
	}

	reqBody := map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"temperature": chatReq.Temperature,
		"messages":    messages,
	}
	if systemPrompt != "" {
		reqBody["system"] = systemPrompt
	}
	if len(anthropicTools) > 0 {
		reqBody["tools"] = anthropicTools
	}

	return reqBody
}

func mapStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return service.FinishToolCalls
	case "max_tokens":
		return service.FinishLength
	case "refusal":
		return service.FinishContentFilter
	default:
		return service.FinishStop
	}
}

func mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return service.Wrap(service.KindTimeout, "anthropic request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return service.Wrap(service.KindProviderUnavailable, "anthropic unreachable", err)
}

func contentAsString(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
