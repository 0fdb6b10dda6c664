// Package capture ingests externally produced event streams bound to
// capture sessions and persists them to disk.
//
// Each session owns an in-memory buffer flushed to
// <dir>/<sessionId>.json when the buffer reaches 100 events, on a 10 s
// tick, and on session end. Registered handlers observe the lifecycle
// without being able to stall ingestion.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Handler topics.
const (
	TopicSessionCreated = "session:created"
	TopicEventReceived  = "event:received"
	TopicSessionEnded   = "session:ended"
	TopicSessionFlushed = "session:flushed"
)

const (
	flushThreshold = 100
	flushInterval  = 10 * time.Second
	handlerTimeout = 2 * time.Second
)

// Session is a bucket for externally produced events.
type Session struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Platform   string         `json:"platform"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	Status     string         `json:"status"`
	EventCount int            `json:"eventCount"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Session status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Event is one captured element, ordered by server receive time with the
// supplied timestamp as tiebreak.
type Event struct {
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Platform  string         `json:"platform"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	seq int64 // server receive order
}

// Payload is what handlers receive: the session always, the event for
// event:received.
type Payload struct {
	Session Session
	Event   *Event
}

// Handler observes capture lifecycle topics. A handler that does not
// return within the handler deadline is logged and skipped; its failure
// never affects capture.
type Handler func(ctx context.Context, p Payload) error

// sessionState pairs a session with its buffer. One writer owns the
// buffer; flushes serialize on the state mutex.
type sessionState struct {
	mu        sync.Mutex
	meta      Session
	buffer    []Event
	persisted []Event
}

// Bus is the capture subsystem: session registry, buffers, flush loop,
// and handler dispatch.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	dir string
	seq atomic.Int64
}

// NewBus creates a capture bus persisting under dir.
func NewBus(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}

	return &Bus{
		sessions: make(map[string]*sessionState),
		handlers: make(map[string][]Handler),
		dir:      dir,
	}, nil
}

// Start runs the periodic flush loop until ctx is cancelled, then flushes
// everything once more on the way out.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				b.FlushAll(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				b.FlushAll(ctx)
			}
		}
	}()
}

// Register adds a handler for a topic. Handlers run sequentially within a
// topic, in registration order.
func (b *Bus) Register(topic string, fn Handler) {
	b.handlerMu.Lock()
	b.handlers[topic] = append(b.handlers[topic], fn)
	b.handlerMu.Unlock()
}

// CreateSession registers a capture session. Creating an id twice is an
// error; capture ids are caller-supplied.
func (b *Bus) CreateSession(ctx context.Context, id, title, platform string, metadata map[string]any) (*Session, error) {
	if id == "" {
		return nil, errors.New("sessionId is required")
	}

	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("capture session %q already exists", id)
	}

	state := &sessionState{
		meta: Session{
			ID:        id,
			Title:     title,
			Platform:  platform,
			StartedAt: time.Now().UTC(),
			Status:    StatusActive,
			Metadata:  metadata,
		},
	}
	b.sessions[id] = state
	b.mu.Unlock()

	slog.Info("capture session created", "session", id, "platform", platform)

	b.dispatch(ctx, TopicSessionCreated, Payload{Session: state.meta})

	meta := state.meta

	return &meta, nil
}

// AppendEvents buffers events for a session, attaching the server receive
// time when the event carries no timestamp. A full buffer triggers an
// immediate flush.
func (b *Bus) AppendEvents(ctx context.Context, sessionID string, events []Event) error {
	state := b.state(sessionID)
	if state == nil {
		return fmt.Errorf("capture session %q not found", sessionID)
	}

	now := time.Now().UTC()

	state.mu.Lock()

	if state.meta.Status == StatusEnded {
		state.mu.Unlock()
		return fmt.Errorf("capture session %q has ended", sessionID)
	}

	for i := range events {
		events[i].SessionID = sessionID
		if events[i].Platform == "" {
			events[i].Platform = state.meta.Platform
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
		events[i].seq = b.seq.Add(1)

		state.buffer = append(state.buffer, events[i])
	}

	state.meta.EventCount = len(state.persisted) + len(state.buffer)
	full := len(state.buffer) >= flushThreshold

	state.mu.Unlock()

	if full {
		b.flushSession(ctx, state)
	}

	return nil
}

// EndSession transitions to ended, forces a flush, and dispatches
// session:ended.
func (b *Bus) EndSession(ctx context.Context, sessionID string) (*Session, error) {
	state := b.state(sessionID)
	if state == nil {
		return nil, fmt.Errorf("capture session %q not found", sessionID)
	}

	state.mu.Lock()
	if state.meta.Status != StatusEnded {
		now := time.Now().UTC()
		state.meta.Status = StatusEnded
		state.meta.EndedAt = &now
	}
	meta := state.meta
	state.mu.Unlock()

	b.flushSession(ctx, state)

	b.dispatch(ctx, TopicSessionEnded, Payload{Session: meta})

	return &meta, nil
}

// Get returns the session view, or nil when unknown.
func (b *Bus) Get(sessionID string) *Session {
	state := b.state(sessionID)
	if state == nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	meta := state.meta

	return &meta
}

// List returns all capture sessions.
func (b *Bus) List() []Session {
	b.mu.RLock()
	states := make([]*sessionState, 0, len(b.sessions))
	for _, state := range b.sessions {
		states = append(states, state)
	}
	b.mu.RUnlock()

	out := make([]Session, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		out = append(out, state.meta)
		state.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	return out
}

// Events returns the persisted events of a session as stored on disk.
func (b *Bus) Events(sessionID string) ([]Event, error) {
	data, err := os.ReadFile(b.filePath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse capture file: %w", err)
	}

	return events, nil
}

// FlushAll flushes every session with buffered events.
func (b *Bus) FlushAll(ctx context.Context) {
	b.mu.RLock()
	states := make([]*sessionState, 0, len(b.sessions))
	for _, state := range b.sessions {
		states = append(states, state)
	}
	b.mu.RUnlock()

	for _, state := range states {
		b.flushSession(ctx, state)
	}
}

// flushSession moves the buffer into the persisted set and rewrites the
// session file atomically. Flushes serialize on the session mutex.
func (b *Bus) flushSession(ctx context.Context, state *sessionState) {
	state.mu.Lock()

	if len(state.buffer) == 0 {
		state.mu.Unlock()
		return
	}

	flushed := state.buffer
	state.persisted = append(state.persisted, flushed...)

	// Receive order first, supplied timestamp as tiebreak.
	sort.SliceStable(state.persisted, func(i, j int) bool {
		if state.persisted[i].seq != state.persisted[j].seq {
			return state.persisted[i].seq < state.persisted[j].seq
		}
		return state.persisted[i].Timestamp.Before(state.persisted[j].Timestamp)
	})

	state.buffer = nil
	meta := state.meta

	err := b.writeFile(meta.ID, state.persisted)

	state.mu.Unlock()

	if err != nil {
		slog.Error("capture flush failed", "session", meta.ID, "error", err)
		return
	}

	for i := range flushed {
		event := flushed[i]
		b.dispatch(ctx, TopicEventReceived, Payload{Session: meta, Event: &event})
	}

	b.dispatch(ctx, TopicSessionFlushed, Payload{Session: meta})
}

// writeFile persists the event array via write-to-temp + fsync + rename.
func (b *Bus) writeFile(sessionID string, events []Event) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, sessionID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), b.filePath(sessionID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename capture file: %w", err)
	}

	return nil
}

func (b *Bus) filePath(sessionID string) string {
	return filepath.Join(b.dir, filepath.Base(sessionID)+".json")
}

func (b *Bus) state(sessionID string) *sessionState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.sessions[sessionID]
}

// dispatch runs each topic handler sequentially with a deadline. A slow
// or failing handler is logged and skipped; capture never waits for it.
func (b *Bus) dispatch(ctx context.Context, topic string, p Payload) {
	b.handlerMu.RLock()
	handlers := b.handlers[topic]
	b.handlerMu.RUnlock()

	for i, fn := range handlers {
		done := make(chan error, 1)

		hctx, cancel := context.WithTimeout(ctx, handlerTimeout)

		go func() {
			done <- fn(hctx, p)
		}()

		select {
		case err := <-done:
			if err != nil {
				slog.Warn("capture handler failed", "topic", topic, "handler", i, "error", err)
			}
		case <-hctx.Done():
			slog.Warn("capture handler timed out, skipping", "topic", topic, "handler", i)
		}

		cancel()
	}
}
