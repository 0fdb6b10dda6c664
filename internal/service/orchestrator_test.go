package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestChatHappyPath(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	sess := rig.newSession(SessionConfig{SystemPrompt: "SYS", Temperature: 0})

	result, err := rig.orchestrator.Chat(context.Background(), "ip:test", sess.ID, "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result.Cached {
		t.Fatal("first call must not be cached")
	}
	if result.Response.Content != "hello" {
		t.Fatalf("content = %q, want %q", result.Response.Content, "hello")
	}
	if result.Response.FinishReason != FinishStop {
		t.Fatalf("finishReason = %q, want stop", result.Response.FinishReason)
	}
	if result.Response.Usage.TotalTokens != 5 {
		t.Fatalf("usage.total = %d, want 5", result.Response.Usage.TotalTokens)
	}

	after := rig.sessions.Get(sess.ID)

	wantRoles := []string{"system", "user", "assistant"}
	if len(after.Messages) != len(wantRoles) {
		t.Fatalf("message count = %d, want %d", len(after.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if after.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, after.Messages[i].Role, role)
		}
	}

	if s, _ := after.Messages[0].Content.(string); s != "SYS" {
		t.Errorf("system message = %q, want SYS", s)
	}
	if after.Usage.TotalTokens != 5 {
		t.Errorf("session usage.total = %d, want 5", after.Usage.TotalTokens)
	}
	if after.Usage.TotalTokens != after.Usage.InputTokens+after.Usage.OutputTokens {
		t.Errorf("usage.total != input+output")
	}
}

func TestChatCacheHit(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})

	cfg := SessionConfig{SystemPrompt: "SYS", Temperature: 0}
	s1 := rig.newSession(cfg)

	if _, err := rig.orchestrator.Chat(context.Background(), "", s1.ID, "hi"); err != nil {
		t.Fatalf("first Chat: %v", err)
	}

	// A fresh session with the identical config and message prefix must
	// hit the cache without touching the adapter.
	s2 := rig.newSession(cfg)

	result, err := rig.orchestrator.Chat(context.Background(), "", s2.ID, "hi")
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	if !result.Cached {
		t.Fatal("expected a cache hit")
	}
	if result.Response.Content != "hello" {
		t.Fatalf("cached content = %q, want hello", result.Response.Content)
	}
	if got := rig.provider.callCount(); got != 1 {
		t.Fatalf("adapter calls = %d, want 1", got)
	}
}

func TestChatSessionUnknown(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})

	_, err := rig.orchestrator.Chat(context.Background(), "", "ses_missing", "hi")
	if KindOf(err) != KindSessionUnknown {
		t.Fatalf("kind = %v, want SessionUnknown", KindOf(err))
	}
}

func TestChatEndedSession(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	sess := rig.newSession(SessionConfig{})

	if err := rig.sessions.End(sess.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	_, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "hi")
	if KindOf(err) != KindSessionEnded {
		t.Fatalf("kind = %v, want SessionEnded", KindOf(err))
	}
}

func TestChatProviderErrorRollsBackUserMessage(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	sess := rig.newSession(SessionConfig{SystemPrompt: "SYS"})

	rig.provider.err = E(KindProviderRateLimited, "upstream limit")

	_, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "hi")
	if KindOf(err) != KindProviderRateLimited {
		t.Fatalf("kind = %v, want ProviderRateLimited", KindOf(err))
	}

	after := rig.sessions.Get(sess.ID)
	if len(after.Messages) != 1 {
		t.Fatalf("message count after rejection = %d, want 1 (system only)", len(after.Messages))
	}
}

func TestChatAuthInvalidMarksProviderUnhealthy(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	sess := rig.newSession(SessionConfig{})

	rig.provider.err = E(KindAuthInvalid, "bad key")

	if _, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "hi"); KindOf(err) != KindAuthInvalid {
		t.Fatalf("kind = %v, want AuthInvalid", KindOf(err))
	}

	health := rig.registry.HealthAll(context.Background())
	if h := health[ProviderOllamaLocal]; h.Healthy {
		t.Fatal("expected provider to report unhealthy after AuthInvalid")
	}
}

func TestToolLoop(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})

	rig.provider.responses = []*ChatResponse{
		{
			FinishReason: FinishToolCalls,
			ToolCalls:    []ToolCall{{ID: "t1", Name: "search", Arguments: map[string]any{"q": "x"}}},
			Usage:        Usage{InputTokens: 3, OutputTokens: 1, TotalTokens: 4},
		},
		{
			Content:      "done",
			FinishReason: FinishStop,
			Usage:        Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7},
		},
	}

	sess := rig.newSession(SessionConfig{
		SystemPrompt: "SYS",
		Tools:        []Tool{{Name: "search", Description: "search things", InputSchema: map[string]any{"type": "object"}}},
	})

	result, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "find x")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result.Response.FinishReason != FinishToolCalls {
		t.Fatalf("finishReason = %q, want tool_calls", result.Response.FinishReason)
	}
	if len(result.Response.ToolCalls) != 1 || result.Response.ToolCalls[0].ID != "t1" {
		t.Fatalf("unexpected tool calls: %+v", result.Response.ToolCalls)
	}

	final, err := rig.orchestrator.SubmitToolResults(context.Background(), "", sess.ID, []ToolResult{
		{ID: "t1", Result: map[string]any{"hits": []any{"a"}}},
	})
	if err != nil {
		t.Fatalf("SubmitToolResults: %v", err)
	}

	if final.Response.Content != "done" {
		t.Fatalf("final content = %q, want done", final.Response.Content)
	}

	after := rig.sessions.Get(sess.ID)

	wantRoles := []string{"system", "user", "assistant", "tool", "assistant"}
	if len(after.Messages) != len(wantRoles) {
		t.Fatalf("message count = %d, want %d", len(after.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if after.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, after.Messages[i].Role, role)
		}
	}

	if after.Messages[2].ToolCalls[0].ID != "t1" {
		t.Errorf("assistant tool call id = %q, want t1", after.Messages[2].ToolCalls[0].ID)
	}
	if after.Messages[3].ToolCallID != "t1" {
		t.Errorf("tool message toolCallId = %q, want t1", after.Messages[3].ToolCallID)
	}
}

func TestToolResultsUnknownID(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})

	rig.provider.responses = []*ChatResponse{{
		FinishReason: FinishToolCalls,
		ToolCalls:    []ToolCall{{ID: "t1", Name: "search"}},
	}}

	sess := rig.newSession(SessionConfig{Tools: []Tool{{Name: "search"}}})

	if _, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "go"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	_, err := rig.orchestrator.SubmitToolResults(context.Background(), "", sess.ID, []ToolResult{{ID: "nope"}})
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("kind = %v, want InvalidArgument", KindOf(err))
	}
}

func TestToolLoopExceeded(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{MaxToolIterations: 2}, RateLimitConfig{})

	// The adapter always asks for another tool round.
	rig.provider.responses = []*ChatResponse{{
		FinishReason: FinishToolCalls,
		ToolCalls:    []ToolCall{{ID: "t1", Name: "search"}},
	}}

	sess := rig.newSession(SessionConfig{Tools: []Tool{{Name: "search"}}})

	if _, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "go"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var lastErr error
	for i := 0; i < 5; i++ {
		snap := rig.sessions.Get(sess.ID)
		pending := pendingToolCalls(snap.Messages)
		if len(pending) == 0 {
			break
		}

		var results []ToolResult
		for id := range pending {
			results = append(results, ToolResult{ID: id, Result: "ok"})
		}

		if _, lastErr = rig.orchestrator.SubmitToolResults(context.Background(), "", sess.ID, results); lastErr != nil {
			break
		}
	}

	if KindOf(lastErr) != KindToolLoopExceeded {
		t.Fatalf("kind = %v, want ToolLoopExceeded (err=%v)", KindOf(lastErr), lastErr)
	}
}

func TestSummarizationTriggersOnce(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{MaxContextMessages: 4}, RateLimitConfig{})

	rig.provider.responses = []*ChatResponse{{
		Content:      "reply",
		FinishReason: FinishStop,
		Usage:        Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}}

	sess := rig.newSession(SessionConfig{})

	// Seed the log right at the budget: the next turn pushes it over and
	// must trigger exactly one condensation call.
	for i := 0; i < 4; i++ {
		if err := rig.sessions.Append(sess.ID, Message{Role: "user", Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "next"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// One condensation call plus one turn call.
	if got := rig.provider.callCount(); got != 2 {
		t.Fatalf("adapter calls = %d, want 2 (summarize + turn)", got)
	}

	after := rig.sessions.Get(sess.ID)
	if after.Messages[0].Role != "system" {
		t.Fatalf("messages[0].Role = %q, want synthetic system summary", after.Messages[0].Role)
	}

	// summary + 4-message verbatim tail + new assistant reply
	if len(after.Messages) != 6 {
		t.Fatalf("message count = %d, want 6", len(after.Messages))
	}
}

func TestSummarizationNotTriggeredAtBudget(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{MaxContextMessages: 4}, RateLimitConfig{})
	sess := rig.newSession(SessionConfig{})

	for i := 0; i < 3; i++ {
		if err := rig.sessions.Append(sess.ID, Message{Role: "user", Content: "m"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "next"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got := rig.provider.callCount(); got != 1 {
		t.Fatalf("adapter calls = %d, want 1 (no summarization)", got)
	}
}

func TestChatStreamAppendsOnCompletion(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	rig.provider.streamDeltas = []string{"he", "llo"}

	sess := rig.newSession(SessionConfig{})

	chunks, err := rig.orchestrator.ChatStream(context.Background(), "", sess.ID, "hi")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var sawDone bool
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		content += chunk.Delta
		if chunk.Done {
			sawDone = true
		}
	}

	if !sawDone {
		t.Fatal("expected a done chunk")
	}
	if content != "hello" {
		t.Fatalf("streamed content = %q, want hello", content)
	}

	after := rig.sessions.Get(sess.ID)
	last := after.Messages[len(after.Messages)-1]
	if last.Role != "assistant" {
		t.Fatalf("last message role = %q, want assistant", last.Role)
	}
	if s, _ := last.Content.(string); s != "hello" {
		t.Fatalf("assistant content = %q, want hello", s)
	}
}

func TestChatStreamCancellationDiscardsPartialOutput(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	rig.provider.streamDeltas = []string{"he", "llo"}
	rig.provider.streamDelay = 100 * time.Millisecond

	sess := rig.newSession(SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())

	chunks, err := rig.orchestrator.ChatStream(ctx, "", sess.ID, "hi")
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	// Take the first delta, then hang up.
	first := <-chunks
	if first.Delta != "he" {
		t.Fatalf("first delta = %q, want he", first.Delta)
	}
	cancel()

	for range chunks {
		// drain
	}

	// Give the adapter goroutine a moment to observe the cancellation.
	deadline := time.Now().Add(time.Second)
	for !rig.provider.wasCancelled() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !rig.provider.wasCancelled() {
		t.Fatal("expected the upstream adapter to be cancelled")
	}

	after := rig.sessions.Get(sess.ID)
	for _, msg := range after.Messages {
		if msg.Role == "assistant" {
			t.Fatalf("assistant message must not be appended after cancellation, got %+v", msg)
		}
	}
}

func TestSessionPrefixProperty(t *testing.T) {
	rig := newTestRig(OrchestratorConfig{}, RateLimitConfig{})
	sess := rig.newSession(SessionConfig{SystemPrompt: "SYS"})

	first := rig.sessions.Get(sess.ID)

	if _, err := rig.orchestrator.Chat(context.Background(), "", sess.ID, "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	second := rig.sessions.Get(sess.ID)

	if len(first.Messages) > len(second.Messages) {
		t.Fatal("earlier observation has more messages than later one")
	}
	for i := range first.Messages {
		if first.Messages[i].Role != second.Messages[i].Role {
			t.Fatalf("observation is not a prefix at %d", i)
		}
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("foreign errors must map to Internal")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Fatal("deadline errors must map to Timeout")
	}
}
