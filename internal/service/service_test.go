package service

import (
	"context"
	"sync"
	"time"
)

// mockProvider is a scriptable adapter for tests. Responses are consumed
// in order; the last one repeats.
type mockProvider struct {
	mu        sync.Mutex
	calls     int
	responses []*ChatResponse
	err       error

	streamDeltas []string
	streamDelay  time.Duration
	cancelled    bool

	lastRequest ChatRequest
}

func (m *mockProvider) Health(context.Context) Health {
	return Health{Healthy: true, LatencyMs: 1}
}

func (m *mockProvider) Models(context.Context) ([]string, error) {
	return []string{"mock-model"}, nil
}

func (m *mockProvider) Cost(string, Usage) float64 { return 0 }

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.lastRequest = req

	if m.err != nil {
		return nil, m.err
	}

	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}

	resp := *m.responses[idx]

	return &resp, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	m.mu.Lock()
	m.calls++
	m.lastRequest = req
	deltas := m.streamDeltas
	delay := m.streamDelay
	m.mu.Unlock()

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)

		var out Usage
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
			case ch <- StreamChunk{Delta: d}:
				out.OutputTokens++
			case <-ctx.Done():
				m.mu.Lock()
				m.cancelled = true
				m.mu.Unlock()
				return
			}
		}

		out.InputTokens = 3
		out.TotalTokens = out.InputTokens + out.OutputTokens

		ch <- StreamChunk{Done: true, FinishReason: FinishStop, Usage: &out}
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

// testRig builds the singleton set around one mock provider registered as
// ollama-local (a provider id with zero-cost pricing).
type testRig struct {
	provider     *mockProvider
	devices      *DeviceRegistry
	sessions     *SessionStore
	cache        *ResponseCache
	limiter      *RateLimiter
	stats        *Stats
	registry     *Registry
	orchestrator *Orchestrator
}

func newTestRig(cfg OrchestratorConfig, limits RateLimitConfig) *testRig {
	provider := &mockProvider{
		responses: []*ChatResponse{{
			Content:      "hello",
			FinishReason: FinishStop,
			Usage:        Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
			Model:        "mock-model",
		}},
	}

	stats := NewStats()
	devices := NewDeviceRegistry(time.Hour)
	sessions := NewSessionStore(devices, time.Hour, stats)
	cache := NewResponseCache(time.Hour, 1<<20, stats)
	limiter := NewRateLimiter(limits, stats)

	registry := NewRegistry(map[string]ProviderInfo{
		ProviderOllamaLocal: {Provider: provider, DefaultModel: "mock-model"},
	}, nil)

	return &testRig{
		provider:     provider,
		devices:      devices,
		sessions:     sessions,
		cache:        cache,
		limiter:      limiter,
		stats:        stats,
		registry:     registry,
		orchestrator: NewOrchestrator(sessions, registry, cache, limiter, stats, cfg),
	}
}

func (r *testRig) newSession(cfg SessionConfig) *Session {
	dev, err := r.devices.Register("T", "server", DeviceCapabilities{Streaming: true, Tools: true})
	if err != nil {
		panic(err)
	}

	if cfg.Provider == "" {
		cfg.Provider = ProviderOllamaLocal
	}
	if cfg.Model == "" {
		cfg.Model = "mock-model"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}

	sess, err := r.sessions.Create(dev.ID, cfg)
	if err != nil {
		panic(err)
	}

	return sess
}
