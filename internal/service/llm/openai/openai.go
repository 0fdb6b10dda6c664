package openai

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

const DefaultBaseURL = "https://api.openai.com"

type Provider struct {
	Model string

	name   string
	client *klient.Client
	prices llm.PriceTable
}

func New(apiKey, model, baseURL string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

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
		name:   service.ProviderOpenAI,
		client: client,
		prices: llm.Prices(service.ProviderOpenAI),
	}, nil
}

type openAIResponse struct {
	Error   *openAIError `json:"error,omitempty"`
	Model   string       `json:"model"`
	Choices []choice     `json:"choices"`
	Usage   *openAIUsage `json:"usage,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Health probes GET /v1/models.
func (p *Provider) Health(ctx context.Context) service.Health {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/models", nil)
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

// Models lists model ids via GET /v1/models.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/models", nil)
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

	var result openAIResponse
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
		out.Usage.Cost = p.prices.Cost(model, out.Usage)
	}

	for _, tc := range ch.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool call arguments: %w", err)
		}

		out.ToolCalls = append(out.ToolCalls, service.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	if len(out.ToolCalls) > 0 {
		out.FinishReason = service.FinishToolCalls
	}

	return out, nil
}

// ─── Streaming ───

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
}

// streamToolCall is a tool-call delta; arguments arrive as fragments
// attributed by index.
type streamToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Function functionCall `json:"function"`
}

type streamResponse struct {
	Error   *openAIError   `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

// ChatStream streams the completion as a delta sequence. The last chunk
// has Done=true and carries usage and finish reason.
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

	model := reqBody["model"].(string)
	ch := make(chan service.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		finishReason := service.FinishStop
		var usage *service.Usage

		// Tool calls stream as argument fragments keyed by index; they are
		// accumulated and parsed when the stream finishes.
		type partialTool struct {
			id, name string
			args     strings.Builder
		}
		var partials []*partialTool

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
			if data == "[DONE]" {
				break
			}

			var chunk streamResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("failed to parse SSE event: %w", err)}
				return
			}

			if chunk.Error != nil {
				ch <- service.StreamChunk{Error: service.Ef(service.KindProviderError, "%s: %s", p.name, service.Redact(chunk.Error.Message))}
				return
			}

			if chunk.Usage != nil {
				u := service.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
				u.Cost = p.prices.Cost(model, u)
				usage = &u
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- service.StreamChunk{Delta: c.Delta.Content}
			}

			for _, tc := range c.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				for len(partials) <= idx {
					partials = append(partials, &partialTool{})
				}

				pt := partials[idx]
				if tc.ID != "" {
					pt.id = tc.ID
				}
				if tc.Function.Name != "" {
					pt.name = tc.Function.Name
				}
				pt.args.WriteString(tc.Function.Arguments)
			}

			if c.FinishReason != nil && *c.FinishReason != "" {
				finishReason = mapFinishReason(*c.FinishReason)
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: p.mapTransportErr(err)}
			return
		}

		var toolCalls []service.ToolCall
		for _, pt := range partials {
			var args map[string]any
			if pt.args.Len() > 0 {
				json.Unmarshal([]byte(pt.args.String()), &args)
			}
			toolCalls = append(toolCalls, service.ToolCall{ID: pt.id, Name: pt.name, Arguments: args})
		}
		if len(toolCalls) > 0 {
			ch <- service.StreamChunk{ToolCalls: toolCalls}
			finishReason = service.FinishToolCalls
		}

		ch <- service.StreamChunk{
			Done:         true,
			FinishReason: finishReason,
			Usage:        usage,
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
			m["content"] = contentAsString(msg.Content)
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
	case "tool_calls", "function_call":
		return service.FinishToolCalls
	case "length":
		return service.FinishLength
	case "content_filter":
		return service.FinishContentFilter
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
