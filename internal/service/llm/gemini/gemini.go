// Package gemini implements the adapter for Google AI (Gemini) via the
// generativelanguage.googleapis.com REST API with API key authentication.
//
// Non-streaming:  POST /v1beta/models/{model}:generateContent
// Streaming:      POST /v1beta/models/{model}:streamGenerateContent?alt=sse
package gemini

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

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"

	"github.com/rakunlabs/relay/internal/service"
	"github.com/rakunlabs/relay/internal/service/llm"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type Provider struct {
	Model string

	client *klient.Client
	prices llm.PriceTable
}

func New(apiKey, model, baseURL string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
		klient.WithHeaderSet(http.Header{
			"x-goog-api-key": []string{apiKey},
			"Content-Type":   []string{"application/json"},
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Model:  model,
		client: client,
		prices: llm.Prices(service.ProviderGemini),
	}, nil
}

// generateContentRequest is the native Google Generative Language API request.
type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	Tools             []googleTool      `json:"tools,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

// generateContentResponse is the native Google Generative Language API response.
type generateContentResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	Error         *googleError   `json:"error,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Health probes the model listing route.
func (p *Provider) Health(ctx context.Context) service.Health {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1beta/models?pageSize=1", nil)
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

// Models lists model names, stripping the "models/" resource prefix.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1beta/models?pageSize=100", nil)
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
		return nil, llm.MapStatus(service.ProviderGemini, resp.StatusCode, body, resp.Header)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	models := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}

	return models, nil
}

// Cost prices usage against the static table.
func (p *Provider) Cost(model string, usage service.Usage) float64 {
	return p.prices.Cost(model, usage)
}

func (p *Provider) Chat(ctx context.Context, chatReq service.ChatRequest) (*service.ChatResponse, error) {
	model := chatReq.Model
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequest(chatReq)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
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
		return nil, llm.MapStatus(service.ProviderGemini, resp.StatusCode, body, resp.Header)
	}

	var result generateContentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out, err := p.parseResponse(&result, model)
	if err != nil {
		return nil, err
	}

	out.LatencyMs = time.Since(start).Milliseconds()

	return out, nil
}

// ChatStream streams candidates via the streamGenerateContent endpoint
// with alt=sse for server-sent events.
func (p *Provider) ChatStream(ctx context.Context, chatReq service.ChatRequest) (<-chan service.StreamChunk, error) {
	model := chatReq.Model
	if model == "" {
		model = p.Model
	}

	reqBody := p.buildRequest(chatReq)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
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
		return nil, llm.MapStatus(service.ProviderGemini, resp.StatusCode, body, resp.Header)
	}

	ch := make(chan service.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		finishReason := service.FinishStop
		var usage *service.Usage
		var toolCalls []service.ToolCall

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			var sr generateContentResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &sr); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("failed to parse SSE event: %w", err)}
				return
			}

			if sr.Error != nil {
				ch <- service.StreamChunk{Error: service.Ef(service.KindProviderError, "gemini: %s", service.Redact(sr.Error.Message)).
					WithDetails(map[string]any{"providerCode": sr.Error.Status})}
				return
			}

			if sr.UsageMetadata != nil {
				u := service.Usage{
					InputTokens:  sr.UsageMetadata.PromptTokenCount,
					OutputTokens: sr.UsageMetadata.CandidatesTokenCount,
					TotalTokens:  sr.UsageMetadata.TotalTokenCount,
				}
				u.Cost = p.prices.Cost(model, u)
				usage = &u
			}

			for _, cand := range sr.Candidates {
				if cand.Content != nil {
					for _, pt := range cand.Content.Parts {
						if pt.Text != "" {
							ch <- service.StreamChunk{Delta: pt.Text}
						}
						if pt.FunctionCall != nil {
							toolCalls = append(toolCalls, service.ToolCall{
								ID:        "call_" + ulid.Make().String(),
								Name:      pt.FunctionCall.Name,
								Arguments: pt.FunctionCall.Args,
							})
						}
					}
				}
				if cand.FinishReason != "" {
					finishReason = mapFinishReason(cand.FinishReason)
				}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: mapTransportErr(err)}
			return
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

// buildRequest converts canonical messages to Gemini contents. The system
// prompt travels as systemInstruction; tool results as functionResponse
// parts. Gemini attributes function responses by name, so call ids are
// resolved through the preceding assistant tool calls.
func (p *Provider) buildRequest(chatReq service.ChatRequest) *generateContentRequest {
	req := &generateContentRequest{
		GenerationConfig: &generationConfig{
			MaxOutputTokens: chatReq.MaxTokens,
			Temperature:     chatReq.Temperature,
		},
	}

	if len(chatReq.Tools) > 0 {
		var decls []functionDeclaration
		for _, tool := range chatReq.Tools {
			decls = append(decls, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		req.Tools = []googleTool{{FunctionDeclarations: decls}}
	}

	toolCallNames := make(map[string]string)

	for _, msg := range chatReq.Messages {
		switch msg.Role {
		case "system":
			if s, ok := msg.Content.(string); ok && s != "" {
				req.SystemInstruction = &content{Parts: []part{{Text: s}}}
			}

		case "assistant":
			var parts []part
			if s, ok := msg.Content.(string); ok && s != "" {
				parts = append(parts, part{Text: s})
			}
			for _, tc := range msg.ToolCalls {
				toolCallNames[tc.ID] = tc.Name
				parts = append(parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			if len(parts) == 0 {
				continue
			}
			req.Contents = append(req.Contents, content{Role: "model", Parts: parts})

		case "tool":
			name := toolCallNames[msg.ToolCallID]
			req.Contents = append(req.Contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResponse{
					Name:     name,
					Response: map[string]any{"result": msg.Content},
				}}},
			})

		default:
			if s, ok := msg.Content.(string); ok {
				req.Contents = append(req.Contents, content{Role: "user", Parts: []part{{Text: s}}})
			}
		}
	}

	return req
}

func (p *Provider) parseResponse(resp *generateContentResponse, model string) (*service.ChatResponse, error) {
	if resp.Error != nil {
		return nil, service.Ef(service.KindProviderError, "gemini: %s", service.Redact(resp.Error.Message)).
			WithDetails(map[string]any{"providerCode": resp.Error.Status})
	}

	if len(resp.Candidates) == 0 {
		return nil, service.E(service.KindProviderError, "gemini: no response candidates")
	}

	cand := resp.Candidates[0]
	out := &service.ChatResponse{
		FinishReason: mapFinishReason(cand.FinishReason),
		Model:        model,
	}

	if resp.UsageMetadata != nil {
		out.Usage = service.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
		out.Usage.Cost = p.prices.Cost(model, out.Usage)
	}

	if cand.Content != nil {
		for _, pt := range cand.Content.Parts {
			if pt.Text != "" {
				out.Content += pt.Text
			}
			if pt.FunctionCall != nil {
				// Google's API doesn't provide tool call ids, so one is
				// generated to key the tool-result round trip.
				out.ToolCalls = append(out.ToolCalls, service.ToolCall{
					ID:        "call_" + ulid.Make().String(),
					Name:      pt.FunctionCall.Name,
					Arguments: pt.FunctionCall.Args,
				})
			}
		}
	}

	if len(out.ToolCalls) > 0 {
		out.FinishReason = service.FinishToolCalls
	}

	return out, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return service.FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return service.FinishContentFilter
	default:
		return service.FinishStop
	}
}

func mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return service.Wrap(service.KindTimeout, "gemini request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return service.Wrap(service.KindProviderUnavailable, "gemini unreachable", err)
}
