package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/relay/internal/render"
)

// OrchestratorConfig tunes the chat state machine.
type OrchestratorConfig struct {
	MaxToolIterations  int           // per user turn, default 8
	MaxContextMessages int           // verbatim tail kept on summarization, default 10
	RequestTimeout     time.Duration // per provider call, default 60s
}

// Orchestrator runs the request state machine: authorize → cache lookup →
// session append → provider call → tool loop → session append →
// accounting → cache store.
type Orchestrator struct {
	sessions *SessionStore
	registry *Registry
	cache    *ResponseCache
	limiter  *RateLimiter
	stats    *Stats

	cfg OrchestratorConfig
}

// NewOrchestrator wires the singletons together.
func NewOrchestrator(sessions *SessionStore, registry *Registry, cache *ResponseCache, limiter *RateLimiter, stats *Stats, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 8
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	return &Orchestrator{
		sessions: sessions,
		registry: registry,
		cache:    cache,
		limiter:  limiter,
		stats:    stats,
		cfg:      cfg,
	}
}

// ChatResult pairs a completed response with its cache disposition.
type ChatResult struct {
	Response *ChatResponse
	Cached   bool
}

// Chat runs one non-streaming turn. identity is the rate-limit identity
// resolved by the HTTP layer, used here only for token accounting.
func (o *Orchestrator) Chat(ctx context.Context, identity, sessionID, userMessage string) (*ChatResult, error) {
	snap := o.sessions.Get(sessionID)
	if snap == nil {
		return nil, Ef(KindSessionUnknown, "session %q not found", sessionID)
	}
	if snap.Status == SessionEnded {
		return nil, Ef(KindSessionEnded, "session %q has ended", sessionID)
	}

	info, ok := o.registry.Get(snap.Config.Provider)
	if !ok {
		return nil, Ef(KindProviderUnavailable, "provider %q not configured", snap.Config.Provider)
	}

	// Cache applies only to plain completions: no tools, not streaming.
	var cacheKey string
	if len(snap.Config.Tools) == 0 {
		probe := append(snap.Messages[:len(snap.Messages):len(snap.Messages)], Message{Role: "user", Content: userMessage})
		cacheKey = Fingerprint(snap.Config.Provider, snap.Config, probe)

		if cached := o.cache.Lookup(cacheKey); cached != nil {
			return &ChatResult{Response: cached, Cached: true}, nil
		}
	}

	var resp *ChatResponse

	err := o.sessions.Mutate(sessionID, func(sess *Session) error {
		if sess.Status == SessionEnded {
			return Ef(KindSessionEnded, "session %q has ended", sessionID)
		}

		mark := len(sess.Messages)

		if err := appendLocked(sess, Message{Role: "user", Content: userMessage}); err != nil {
			return err
		}

		var err error
		resp, err = o.callProvider(ctx, identity, sess, info)
		if err != nil {
			// Rejected turns leave the log exactly as they found it.
			sess.Messages = sess.Messages[:mark]
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		o.cache.Store(cacheKey, *resp)
	}

	return &ChatResult{Response: resp}, nil
}

// SubmitToolResults appends one tool-role message per result and re-enters
// the provider call. The turn is resumable from the session log alone:
// pending tool calls are read from the last assistant message.
func (o *Orchestrator) SubmitToolResults(ctx context.Context, identity, sessionID string, results []ToolResult) (*ChatResult, error) {
	snap := o.sessions.Get(sessionID)
	if snap == nil {
		return nil, Ef(KindSessionUnknown, "session %q not found", sessionID)
	}
	if snap.Status == SessionEnded {
		return nil, Ef(KindSessionEnded, "session %q has ended", sessionID)
	}

	info, ok := o.registry.Get(snap.Config.Provider)
	if !ok {
		return nil, Ef(KindProviderUnavailable, "provider %q not configured", snap.Config.Provider)
	}

	var resp *ChatResponse

	err := o.sessions.Mutate(sessionID, func(sess *Session) error {
		if sess.Status == SessionEnded {
			return Ef(KindSessionEnded, "session %q has ended", sessionID)
		}

		pending := pendingToolCalls(sess.Messages)
		if len(pending) == 0 {
			return E(KindInvalidArgument, "session has no pending tool calls")
		}

		if iterationCount(sess.Messages) >= o.cfg.MaxToolIterations {
			return Ef(KindToolLoopExceeded, "tool loop exceeded %d iterations", o.cfg.MaxToolIterations)
		}

		mark := len(sess.Messages)

		for _, result := range results {
			if _, ok := pending[result.ID]; !ok {
				sess.Messages = sess.Messages[:mark]
				return Ef(KindInvalidArgument, "unknown tool call id %q", result.ID).WithDetails(map[string]any{"field": "toolResults.id"})
			}

			if err := appendLocked(sess, Message{
				Role:       "tool",
				Content:    result.Result,
				ToolCallID: result.ID,
			}); err != nil {
				sess.Messages = sess.Messages[:mark]
				return err
			}

			delete(pending, result.ID)
		}

		if len(pending) > 0 {
			sess.Messages = sess.Messages[:mark]
			return Ef(KindInvalidArgument, "missing results for %d tool calls", len(pending))
		}

		var err error
		resp, err = o.callProvider(ctx, identity, sess, info)
		if err != nil {
			sess.Messages = sess.Messages[:mark]
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ChatResult{Response: resp}, nil
}

// callProvider runs summarization if due, calls the adapter, appends the
// assistant message, and performs accounting. The caller holds the session
// lock for the whole cycle.
func (o *Orchestrator) callProvider(ctx context.Context, identity string, sess *Session, info ProviderInfo) (*ChatResponse, error) {
	if err := o.maybeSummarize(ctx, sess, info); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	resp, err := info.Provider.Chat(callCtx, ChatRequest{
		Model:       sess.Config.Model,
		Messages:    sess.Messages,
		Tools:       sess.Config.Tools,
		Temperature: sess.Config.Temperature,
		MaxTokens:   sess.Config.MaxTokens,
	})
	if err != nil {
		return nil, o.classifyProviderErr(sess.Config.Provider, err)
	}

	assistant := Message{
		Role:     "assistant",
		Content:  resp.Content,
		Provider: sess.Config.Provider,
		Tokens:   resp.Usage.OutputTokens,
	}

	if resp.FinishReason == FinishToolCalls && len(sess.Config.Tools) > 0 {
		assistant.ToolCalls = resp.ToolCalls
	}

	if err := appendLocked(sess, assistant); err != nil {
		return nil, err
	}

	// appendLocked already counted the assistant's output tokens; the
	// prompt side is added here.
	sess.Usage.InputTokens += resp.Usage.InputTokens
	sess.Usage.TotalTokens = sess.Usage.InputTokens + sess.Usage.OutputTokens
	sess.Usage.Cost += resp.Usage.Cost

	o.account(identity, resp.Usage)

	return resp, nil
}

func (o *Orchestrator) account(identity string, usage Usage) {
	if identity != "" {
		o.limiter.ChargeTokens(identity, int64(usage.TotalTokens))
	}

	if o.stats != nil {
		o.stats.UsageRecorded(usage)
	}
}

// classifyProviderErr finalizes adapter errors: auth failures also mark
// the provider unhealthy.
func (o *Orchestrator) classifyProviderErr(provider string, err error) error {
	kind := KindOf(err)

	if kind == KindAuthInvalid {
		o.registry.MarkUnhealthy(provider, "credentials rejected")
	}

	if kind == KindInternal {
		return Wrap(KindProviderError, "provider call failed", err)
	}

	return err
}

// ─── Context summarization ───

// condensationTemplate renders the prefix of an oversized conversation
// into a prompt asking the model to compress it.
const condensationTemplate = `Condense the conversation below into a short summary that can replace it as context. Keep facts, decisions, tool outcomes, and open questions. Answer with the summary only.

{{ range .Turns }}{{ .Role }}: {{ .Text }}
{{ end }}`

type condensationTurn struct {
	Role string
	Text string
}

// maybeSummarize applies the context policy: when the log exceeds the
// verbatim budget, the prefix is condensed into one synthetic system
// message via the same adapter, spliced into the canonical log.
func (o *Orchestrator) maybeSummarize(ctx context.Context, sess *Session, info ProviderInfo) error {
	if len(sess.Messages) <= o.cfg.MaxContextMessages {
		return nil
	}

	cut := len(sess.Messages) - o.cfg.MaxContextMessages
	prefix := sess.Messages[:cut]

	data := struct{ Turns []condensationTurn }{}
	for _, msg := range prefix {
		data.Turns = append(data.Turns, condensationTurn{Role: msg.Role, Text: messageText(msg)})
	}

	prompt, err := render.ExecuteWithData(condensationTemplate, data)
	if err != nil {
		return Wrap(KindInternal, "render condensation prompt", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	resp, err := info.Provider.Chat(callCtx, ChatRequest{
		Model:       sess.Config.Model,
		Messages:    []Message{{Role: "user", Content: string(prompt)}},
		Temperature: 0,
		MaxTokens:   sess.Config.MaxTokens,
	})
	if err != nil {
		return o.classifyProviderErr(sess.Config.Provider, err)
	}

	summary := Message{
		Role:      "system",
		Content:   "Summary of earlier conversation: " + resp.Content,
		Provider:  sess.Config.Provider,
		CreatedAt: time.Now().UTC(),
	}

	tail := make([]Message, len(sess.Messages)-cut)
	copy(tail, sess.Messages[cut:])
	sess.Messages = append([]Message{summary}, tail...)

	if o.stats != nil {
		o.stats.UsageRecorded(resp.Usage)
	}
	sess.Usage.Cost += resp.Usage.Cost

	slog.Info("session context summarized",
		"session", sess.ID,
		"condensed", cut,
		"kept", len(tail),
	)

	return nil
}

func messageText(msg Message) string {
	var b strings.Builder

	switch v := msg.Content.(type) {
	case string:
		b.WriteString(v)
	case nil:
	default:
		fmt.Fprintf(&b, "%v", v)
	}

	for _, tc := range msg.ToolCalls {
		fmt.Fprintf(&b, " [tool call %s(%v)]", tc.Name, tc.Arguments)
	}

	return b.String()
}

// ─── Tool loop bookkeeping ───

// pendingToolCalls returns the unanswered calls of the most recent
// assistant tool-call message.
func pendingToolCalls(messages []Message) map[string]ToolCall {
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			break
		}
		if messages[i].Role == "assistant" && len(messages[i].ToolCalls) > 0 {
			idx = i
			break
		}
	}

	if idx < 0 {
		return nil
	}

	pending := make(map[string]ToolCall, len(messages[idx].ToolCalls))
	for _, tc := range messages[idx].ToolCalls {
		pending[tc.ID] = tc
	}

	for _, msg := range messages[idx+1:] {
		if msg.Role == "tool" {
			delete(pending, msg.ToolCallID)
		}
	}

	return pending
}

// iterationCount counts assistant tool-call rounds since the last user
// message, bounding the tool loop per user turn.
func iterationCount(messages []Message) int {
	count := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			break
		}
		if messages[i].Role == "assistant" && len(messages[i].ToolCalls) > 0 {
			count++
		}
	}

	return count
}
