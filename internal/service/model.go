package service

import (
	"context"
	"time"
)

// Known provider ids. Ollama local and cloud are two instances of the same
// adapter differing only by base URL and bearer token.
const (
	ProviderClaude      = "claude"
	ProviderOpenAI      = "openai"
	ProviderGemini      = "gemini"
	ProviderOllamaLocal = "ollama-local"
	ProviderOllamaCloud = "ollama-cloud"
)

// KnownProviders lists every provider id the bridge can route to.
var KnownProviders = []string{
	ProviderClaude,
	ProviderOpenAI,
	ProviderGemini,
	ProviderOllamaLocal,
	ProviderOllamaCloud,
}

// Canonical finish reasons across all providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
	FinishCancelled     = "cancelled"
)

// Message is one ordered element of a session's log.
// Content can be a string or an array of content blocks; vendor-specific
// shapes are flattened to this form at the adapter boundary.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Tokens     int        `json:"tokens,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Tool is a declarative tool descriptor the provider will advertise.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCall is an assistant request to invoke an external function.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"args"`
}

// ToolResult is the caller-supplied outcome for one tool call.
type ToolResult struct {
	ID     string `json:"id"`
	Result any    `json:"result"`
}

// Usage contains token usage and cost for one completion.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Cost         float64 `json:"cost"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
	u.Cost += u2.Cost
}

// SessionConfig is immutable after session creation.
type SessionConfig struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Tools        []Tool  `json:"tools,omitempty"`
}

// ChatRequest is the provider-facing request: the full ordered message
// history plus the session's generation parameters.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// ChatResponse is a completed one-shot completion in canonical form.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	FinishReason string     `json:"finishReason"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model"`
	LatencyMs    int64      `json:"latency"`
}

// StreamChunk is a single element of a streaming response.
// The final chunk has Done=true and carries Usage and FinishReason.
type StreamChunk struct {
	Delta        string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
	Done         bool
	Error        error
}

// Health is the result of a provider health probe.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// LLMProvider is the single provider capability set. One implementation
// per upstream API; all variants flatten their wire format to the
// canonical shapes above.
type LLMProvider interface {
	// Health runs a cheap probe against the upstream.
	Health(ctx context.Context) Health

	// Chat sends the full message history and returns one completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream produces a finite lazy sequence of deltas. The channel is
	// closed after the final Done chunk. Cancelling ctx aborts the upstream
	// connection and releases resources.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// Models lists model ids available on the upstream.
	Models(ctx context.Context) ([]string, error)

	// Cost computes the USD cost for the given usage on the given model.
	// Zero for local providers and unknown models.
	Cost(model string, usage Usage) float64
}

// Device is the identity for a client.
type Device struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Capabilities DeviceCapabilities `json:"capabilities"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastSeenAt   time.Time          `json:"lastSeenAt"`
}

// DeviceCapabilities advertises what the client can consume.
type DeviceCapabilities struct {
	Streaming bool `json:"streaming"`
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
}

// DeviceTypes enumerates accepted device type values.
var DeviceTypes = []string{"web", "mobile", "desktop", "server", "mcp-server"}

// Session is an ordered append-only message log plus its fixed config.
type Session struct {
	ID             string        `json:"id"`
	DeviceID       string        `json:"deviceId"`
	Config         SessionConfig `json:"config"`
	Messages       []Message     `json:"messages"`
	Usage          Usage         `json:"usage"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Status         string        `json:"status"`
}

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)
