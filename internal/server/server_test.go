package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"testing"

	"github.com/gorilla/websocket"

	"github.com/rakunlabs/relay/internal/capture"
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/service"
)

// mockProvider is a scriptable adapter; responses are consumed in order,
// the last one repeats.
type mockProvider struct {
	mu        sync.Mutex
	calls     int
	responses []*service.ChatResponse

	streamDeltas []string
	streamDelay  time.Duration
	cancelled    bool
}

func (m *mockProvider) Health(context.Context) service.Health {
	return service.Health{Healthy: true, LatencyMs: 1}
}

func (m *mockProvider) Models(context.Context) ([]string, error) {
	return []string{"mock-model"}, nil
}

func (m *mockProvider) Cost(string, service.Usage) float64 { return 0 }

func (m *mockProvider) Chat(ctx context.Context, req service.ChatRequest) (*service.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}

	resp := *m.responses[idx]

	return &resp, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, req service.ChatRequest) (<-chan service.StreamChunk, error) {
	m.mu.Lock()
	m.calls++
	deltas := m.streamDeltas
	delay := m.streamDelay
	m.mu.Unlock()

	ch := make(chan service.StreamChunk)

	go func() {
		defer close(ch)

		var usage service.Usage
		for _, d := range deltas {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.cancelled = true
				m.mu.Unlock()
				return
			case <-time.After(delay):
			}

			select {
			case ch <- service.StreamChunk{Delta: d}:
				usage.OutputTokens++
			case <-ctx.Done():
				m.mu.Lock()
				m.cancelled = true
				m.mu.Unlock()
				return
			}
		}

		usage.InputTokens = 3
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens

		ch <- service.StreamChunk{Done: true, FinishReason: service.FinishStop, Usage: &usage}
	}()

	return ch, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

func (m *mockProvider) wasCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cancelled
}

// testServer wires a Server around one mock provider without the ada mux,
// so handlers are exercised directly.
type testServer struct {
	srv      *Server
	provider *mockProvider
}

func newTestServer(t *testing.T, limits service.RateLimitConfig) *testServer {
	t.Helper()

	provider := &mockProvider{
		responses: []*service.ChatResponse{{
			Content:      "hello",
			FinishReason: service.FinishStop,
			Usage:        service.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
			Model:        "mock-model",
		}},
	}

	stats := service.NewStats()
	devices := service.NewDeviceRegistry(time.Hour)
	sessions := service.NewSessionStore(devices, time.Hour, stats)
	cache := service.NewResponseCache(time.Hour, 1<<20, stats)
	limiter := service.NewRateLimiter(limits, stats)

	registry := service.NewRegistry(map[string]service.ProviderInfo{
		service.ProviderOllamaLocal: {Provider: provider, DefaultModel: "mock-model"},
	}, nil)

	orchestrator := service.NewOrchestrator(sessions, registry, cache, limiter, stats, service.OrchestratorConfig{})

	bus, err := capture.NewBus(t.TempDir())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	cfg := &config.Config{Env: "development", Host: "127.0.0.1", Port: "0"}

	srv := &Server{
		config:       cfg,
		registry:     registry,
		sessions:     sessions,
		devices:      devices,
		cache:        cache,
		limiter:      limiter,
		stats:        stats,
		orchestrator: orchestrator,
		capture:      bus,
		strict:       true,
		origins:      cfg.Origins(),
	}

	srv.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return &testServer{srv: srv, provider: provider}
}

// do runs one handler with a JSON body and returns the recorder.
func do(handler http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:4567"

	w := httptest.NewRecorder()
	handler(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}

	return v
}

// register + create session helper for the chat scenarios.
func (ts *testServer) newSession(t *testing.T, cfg service.SessionConfig) string {
	t.Helper()

	w := do(ts.srv.RegisterDeviceAPI, http.MethodPost, "/devices/register", map[string]any{
		"name": "T", "type": "server",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register device: %d %s", w.Code, w.Body.String())
	}

	devResp := decode[struct {
		Device service.Device `json:"device"`
	}](t, w)

	if cfg.Provider == "" {
		cfg.Provider = service.ProviderOllamaLocal
	}
	if cfg.Model == "" {
		cfg.Model = "mock-model"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}

	w = do(ts.srv.CreateSessionAPI, http.MethodPost, "/sessions", map[string]any{
		"deviceId": devResp.Device.ID,
		"config":   cfg,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}

	sessResp := decode[struct {
		Session service.Session `json:"session"`
	}](t, w)

	return sessResp.Session.ID
}

// ─── Scenario 1: happy path non-streaming ───

func TestHappyPathNonStreaming(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	sessID := ts.newSession(t, service.SessionConfig{SystemPrompt: "SYS", Temperature: 0})

	w := do(ts.srv.ChatAPI, http.MethodPost, "/chat", map[string]any{
		"sessionId": sessID, "message": "hi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}

	chat := decode[chatResponseBody](t, w)
	if chat.Response != "hello" || chat.FinishReason != "stop" || chat.Usage.TotalTokens != 5 {
		t.Fatalf("chat response = %+v", chat)
	}

	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+sessID, nil)
	rec := httptest.NewRecorder()
	ts.srv.GetSessionAPI(rec, req)

	sess := decode[struct {
		Session service.Session `json:"session"`
	}](t, rec).Session

	wantRoles := []string{"system", "user", "assistant"}
	if len(sess.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(sess.Messages))
	}
	for i, role := range wantRoles {
		if sess.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, sess.Messages[i].Role, role)
		}
	}
	if sess.Usage.TotalTokens != 5 {
		t.Errorf("session usage = %d, want 5", sess.Usage.TotalTokens)
	}
}

// ─── Scenario 2: cache hit across fresh sessions ───

func TestCacheHitSecondSession(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	cfg := service.SessionConfig{SystemPrompt: "SYS", Temperature: 0}

	s1 := ts.newSession(t, cfg)
	if w := do(ts.srv.ChatAPI, http.MethodPost, "/chat", map[string]any{"sessionId": s1, "message": "hi"}); w.Code != http.StatusOK {
		t.Fatalf("first chat: %d", w.Code)
	}

	s2 := ts.newSession(t, cfg)
	w := do(ts.srv.ChatAPI, http.MethodPost, "/chat", map[string]any{"sessionId": s2, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("second chat: %d", w.Code)
	}

	if got := w.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}

	chat := decode[chatResponseBody](t, w)
	if chat.Response != "hello" {
		t.Fatalf("cached response = %q", chat.Response)
	}

	if calls := ts.provider.callCount(); calls != 1 {
		t.Fatalf("adapter calls = %d, want 1", calls)
	}
}

// ─── Scenario 3: tool loop over HTTP ───

func TestToolLoopOverHTTP(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	ts.provider.responses = []*service.ChatResponse{
		{
			FinishReason: service.FinishToolCalls,
			ToolCalls:    []service.ToolCall{{ID: "t1", Name: "search", Arguments: map[string]any{"q": "x"}}},
			Usage:        service.Usage{InputTokens: 3, OutputTokens: 1, TotalTokens: 4},
		},
		{
			Content:      "done",
			FinishReason: service.FinishStop,
			Usage:        service.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7},
		},
	}

	sessID := ts.newSession(t, service.SessionConfig{
		SystemPrompt: "SYS",
		Tools:        []service.Tool{{Name: "search", InputSchema: map[string]any{"type": "object"}}},
	})

	w := do(ts.srv.ChatAPI, http.MethodPost, "/chat", map[string]any{"sessionId": sessID, "message": "find x"})
	chat := decode[chatResponseBody](t, w)
	if chat.FinishReason != "tool_calls" || len(chat.ToolCalls) != 1 {
		t.Fatalf("chat = %+v", chat)
	}

	w = do(ts.srv.ToolResultsAPI, http.MethodPost, "/tools", map[string]any{
		"sessionId":   sessID,
		"toolResults": []map[string]any{{"id": "t1", "result": map[string]any{"hits": []string{"a"}}}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("tools: %d %s", w.Code, w.Body.String())
	}

	final := decode[chatResponseBody](t, w)
	if final.Response != "done" {
		t.Fatalf("final = %+v", final)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+sessID, nil)
	rec := httptest.NewRecorder()
	ts.srv.GetSessionAPI(rec, req)

	sess := decode[struct {
		Session service.Session `json:"session"`
	}](t, rec).Session

	wantRoles := []string{"system", "user", "assistant", "tool", "assistant"}
	if len(sess.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(sess.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if sess.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, sess.Messages[i].Role, role)
		}
	}
}

// ─── Scenario 5: rate limit ───

func TestRateLimitRejectsThirdRequest(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{MaxRequests: 2, Window: time.Minute})

	sessID := ts.newSession(t, service.SessionConfig{})
	baseline := ts.provider.callCount()

	handler := ts.srv.rateLimitMiddleware()(http.HandlerFunc(ts.srv.ChatAPI))

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(map[string]any{"sessionId": sessID, "message": "hi"})

		req := httptest.NewRequest(http.MethodPost, "/chat", &buf)
		req.RemoteAddr = "10.9.9.9:1234"

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		return w
	}

	for i := 0; i < 2; i++ {
		if w := send(); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d %s", i+1, w.Code, w.Body.String())
		}
	}

	third := send()
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", third.Code)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if third.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", third.Header().Get("X-RateLimit-Remaining"))
	}

	errBody := decode[errorResponse](t, third)
	if errBody.Error != "RateLimited" {
		t.Fatalf("error kind = %q, want RateLimited", errBody.Error)
	}

	// The rejected request never reached the adapter.
	if calls := ts.provider.callCount(); calls != baseline+2 {
		t.Fatalf("adapter calls = %d, want %d", calls, baseline+2)
	}
}

// ─── Scenario 4: streaming and cancellation ───

func TestStreamingHappyPath(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})
	ts.provider.streamDeltas = []string{"he", "llo"}

	sessID := ts.newSession(t, service.SessionConfig{})

	server := httptest.NewServer(http.HandlerFunc(ts.srv.ChatStreamAPI))
	defer server.Close()

	body, _ := json.Marshal(map[string]any{"sessionId": sessID, "message": "hi"})

	resp, err := http.Post(server.URL+"/chat/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	frames := readSSEFrames(t, resp)

	if len(frames) < 3 {
		t.Fatalf("frames = %d, want >= 3 (%+v)", len(frames), frames)
	}

	last := frames[len(frames)-1]
	if !last.Done || last.FinishReason != "stop" || last.Usage == nil {
		t.Fatalf("final frame = %+v", last)
	}

	var content string
	for _, f := range frames {
		content += f.Delta
	}
	if content != "hello" {
		t.Fatalf("streamed content = %q", content)
	}
}

func TestStreamingClientCancel(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})
	ts.provider.streamDeltas = []string{"he", "llo"}
	ts.provider.streamDelay = 100 * time.Millisecond

	sessID := ts.newSession(t, service.SessionConfig{})

	server := httptest.NewServer(http.HandlerFunc(ts.srv.ChatStreamAPI))
	defer server.Close()

	body, _ := json.Marshal(map[string]any{"sessionId": sessID, "message": "hi"})

	ctx, cancel := context.WithCancel(context.Background())

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/chat/stream", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	// Read the first frame, then hang up.
	buf := make([]byte, 256)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for !ts.provider.wasCancelled() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !ts.provider.wasCancelled() {
		t.Fatal("upstream adapter was not cancelled")
	}

	// No assistant message for the aborted turn.
	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+sessID, nil)
	rec := httptest.NewRecorder()
	ts.srv.GetSessionAPI(rec, getReq)

	sess := decode[struct {
		Session service.Session `json:"session"`
	}](t, rec).Session

	for _, msg := range sess.Messages {
		if msg.Role == "assistant" {
			t.Fatalf("assistant message appended after cancel: %+v", msg)
		}
	}
}

// readSSEFrames parses "data: {...}" lines until the final done frame.
func readSSEFrames(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()

	var frames []sseFrame

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, err := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)

		done := false
		for {
			idx := bytes.Index(buf, []byte("\n\n"))
			if idx < 0 {
				break
			}

			line := bytes.TrimSpace(buf[:idx])
			buf = buf[idx+2:]

			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}

			var frame sseFrame
			if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &frame); err != nil {
				t.Fatalf("parse frame %q: %v", line, err)
			}

			frames = append(frames, frame)
			if frame.Done {
				done = true
			}
		}

		if done || err != nil {
			return frames
		}
	}
}

// ─── Scenario 6: capture REST round trip ───

func TestCaptureRESTRoundTrip(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	w := do(ts.srv.CreateCaptureSessionAPI, http.MethodPost, "/external/data/sessions/create", map[string]any{
		"sessionId": "C", "title": "T", "platform": "ext",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w = do(ts.srv.UploadCaptureEventsAPI, http.MethodPost, "/external/data/upload", map[string]any{
		"sessionId": "C",
		"events":    []map[string]any{{"a": 1}, {"a": 2}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}

	w = do(ts.srv.EndCaptureSessionAPI, http.MethodPost, "/external/data/sessions/C/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/external/data/sessions/C", nil)
	rec := httptest.NewRecorder()
	ts.srv.GetCaptureSessionAPI(rec, req)

	sess := decode[struct {
		Session capture.Session `json:"session"`
	}](t, rec).Session

	if sess.Status != "ended" || sess.EventCount != 2 {
		t.Fatalf("capture session = %+v", sess)
	}

	events, err := ts.srv.capture.Events("C")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Platform != "ext" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Data["a"] != float64(1) || events[1].Data["a"] != float64(2) {
		t.Fatalf("event payloads out of order: %+v", events)
	}
}

// ─── Capture over WebSocket ───

func TestCaptureWebSocket(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	server := httptest.NewServer(http.HandlerFunc(ts.srv.RealtimeCaptureWS))
	defer server.Close()

	url := "ws" + server.URL[len("http"):]

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(frame map[string]any) {
		t.Helper()
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	readAck := func(wantType string) {
		t.Helper()
		var ack captureAck
		if err := conn.ReadJSON(&ack); err != nil {
			t.Fatalf("read ack: %v", err)
		}
		if ack.Type != wantType {
			t.Fatalf("ack = %+v, want type %q", ack, wantType)
		}
	}

	send(map[string]any{"type": "REGISTER", "clientType": "extension", "version": "1.0"})
	readAck("REGISTERED")

	send(map[string]any{"type": "CREATE_SESSION", "sessionId": "WS", "title": "T", "platform": "ext"})
	readAck("SESSION_CREATED")

	send(map[string]any{"type": "EVENT_DATA", "sessionId": "WS", "events": []map[string]any{{"a": 1}, {"a": 2}}})

	send(map[string]any{"type": "END_SESSION", "sessionId": "WS"})
	readAck("SESSION_ENDED")

	sess := ts.srv.capture.Get("WS")
	if sess == nil || sess.Status != "ended" || sess.EventCount != 2 {
		t.Fatalf("capture session = %+v", sess)
	}
}

// ─── Middleware ───

func TestPayloadTooLarge(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	handler := ts.srv.sanitizeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for oversized bodies")
	}))

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(make([]byte, 11<<20)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", w.Code)
	}
}

func TestSanitizeStripsControlBytes(t *testing.T) {
	got := sanitizeBody([]byte("{\"x\":\"a\x00b\x01c\"}"))
	if string(got) != `{"x":"abc"}` {
		t.Fatalf("sanitized = %q", got)
	}
}

func TestSanitizeCollapsesDotDotInPathFields(t *testing.T) {
	got := sanitizeBody([]byte(`{"path":"../../etc/passwd","other":".."}`))

	var body map[string]string
	if err := json.Unmarshal(got, &body); err != nil {
		t.Fatalf("sanitized body is invalid JSON: %q", got)
	}

	if body["path"] == "../../etc/passwd" {
		t.Fatalf("path field not collapsed: %q", body["path"])
	}
	if body["other"] != ".." {
		t.Fatalf("non-path field rewritten: %q", body["other"])
	}
}

func TestIdentityResolution(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "10.0.0.1:999"

	if got := identity(req); got != "ip:10.0.0.1" {
		t.Fatalf("identity = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	if got := identity(req); got != "ip:1.2.3.4" {
		t.Fatalf("forwarded identity = %q", got)
	}

	req.Header.Set("Authorization", "Bearer tok-123")
	got := identity(req)
	if got == "ip:1.2.3.4" || got[:4] != "key:" {
		t.Fatalf("api-key identity = %q", got)
	}
}

func TestErrorTaxonomyStatusMapping(t *testing.T) {
	tests := []struct {
		kind service.Kind
		want int
	}{
		{service.KindInvalidArgument, 400},
		{service.KindDeviceUnknown, 404},
		{service.KindSessionUnknown, 404},
		{service.KindSessionEnded, 409},
		{service.KindAuthInvalid, 401},
		{service.KindRateLimited, 429},
		{service.KindProviderRateLimited, 429},
		{service.KindProviderUnavailable, 503},
		{service.KindProviderError, 502},
		{service.KindTimeout, 504},
		{service.KindToolLoopExceeded, 409},
		{service.KindPayloadTooLarge, 413},
		{service.KindInternal, 500},
	}

	for _, tt := range tests {
		if got := kindStatus(tt.kind); got != tt.want {
			t.Errorf("kindStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	sessID := ts.newSession(t, service.SessionConfig{})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/sessions/"+sessID, nil)
		w := httptest.NewRecorder()
		ts.srv.EndSessionAPI(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("delete %d: code = %d", i+1, w.Code)
		}

		sess := decode[struct {
			Session service.Session `json:"session"`
		}](t, w).Session

		if sess.Status != service.SessionEnded {
			t.Fatalf("delete %d: status = %q, want ended", i+1, sess.Status)
		}
	}
}

func TestStrictBodyRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	w := do(ts.srv.ChatAPI, http.MethodPost, "/chat", map[string]any{
		"sessionId": "x", "message": "hi", "bogus": true,
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", w.Code)
	}

	errBody := decode[errorResponse](t, w)
	if errBody.Error != "InvalidArgument" {
		t.Fatalf("kind = %q, want InvalidArgument", errBody.Error)
	}
}

func TestSessionConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	cfg := service.SessionConfig{
		Provider:     service.ProviderOllamaLocal,
		Model:        "mock-model",
		Temperature:  0.7,
		MaxTokens:    4096,
		SystemPrompt: "be curt",
		Tools:        []service.Tool{{Name: "search", Description: "d", InputSchema: map[string]any{"type": "object"}}},
	}

	sessID := ts.newSession(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+sessID, nil)
	w := httptest.NewRecorder()
	ts.srv.GetSessionAPI(w, req)

	got := decode[struct {
		Session service.Session `json:"session"`
	}](t, w).Session.Config

	want, _ := json.Marshal(cfg)
	have, _ := json.Marshal(got)
	if string(want) != string(have) {
		t.Fatalf("config round trip mismatch:\nwant %s\nhave %s", want, have)
	}
}

func TestProviderModelsEndpoint(t *testing.T) {
	ts := newTestServer(t, service.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/providers/%s/models", service.ProviderOllamaLocal), nil)
	w := httptest.NewRecorder()
	ts.srv.ProviderModelsAPI(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d %s", w.Code, w.Body.String())
	}

	body := decode[struct {
		Models []string `json:"models"`
	}](t, w)

	if len(body.Models) != 1 || body.Models[0] != "mock-model" {
		t.Fatalf("models = %v", body.Models)
	}
}
