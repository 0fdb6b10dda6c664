package service

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// sessionEntry pairs a session with its own mutex so requests on the same
// session serialize while different sessions proceed in parallel.
type sessionEntry struct {
	mu      sync.Mutex
	session Session
}

// SessionStore owns every session. Sessions are mutated only through this
// API, under the per-session lock.
type SessionStore struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry

	devices *DeviceRegistry
	ttl     time.Duration
	stats   *Stats
}

// NewSessionStore creates a session store. Sessions idle longer than ttl
// are removed by Sweep.
func NewSessionStore(devices *DeviceRegistry, ttl time.Duration, stats *Stats) *SessionStore {
	return &SessionStore{
		entries: make(map[string]*sessionEntry),
		devices: devices,
		ttl:     ttl,
		stats:   stats,
	}
}

// Create validates the config, generates an id, and appends the system
// message when a system prompt is configured.
func (s *SessionStore) Create(deviceID string, cfg SessionConfig) (*Session, error) {
	if s.devices.Get(deviceID) == nil {
		return nil, Ef(KindDeviceUnknown, "device %q is not registered", deviceID)
	}

	if !slices.Contains(KnownProviders, cfg.Provider) {
		return nil, Ef(KindInvalidArgument, "unknown provider %q", cfg.Provider).WithDetails(map[string]any{"field": "config.provider"})
	}

	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, Ef(KindInvalidArgument, "temperature %v out of range [0,2]", cfg.Temperature).WithDetails(map[string]any{"field": "config.temperature"})
	}

	if cfg.MaxTokens <= 0 {
		return nil, E(KindInvalidArgument, "maxTokens must be positive").WithDetails(map[string]any{"field": "config.maxTokens"})
	}

	now := time.Now().UTC()
	sess := Session{
		ID:             "ses_" + ulid.Make().String(),
		DeviceID:       deviceID,
		Config:         cfg,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         SessionActive,
	}

	if cfg.SystemPrompt != "" {
		sess.Messages = append(sess.Messages, Message{
			Role:      "system",
			Content:   cfg.SystemPrompt,
			CreatedAt: now,
		})
	}

	s.mu.Lock()
	s.entries[sess.ID] = &sessionEntry{session: sess}
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.SessionCreated()
	}

	return snapshot(&sess), nil
}

// Get returns a read-only snapshot of the session, or nil when absent.
func (s *SessionStore) Get(id string) *Session {
	e := s.entry(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return snapshot(&e.session)
}

// Append adds one message under the session lock. Updates lastActivityAt
// and, when the message carries token counts, the running usage totals.
func (s *SessionStore) Append(id string, msg Message) error {
	e := s.entry(id)
	if e == nil {
		return Ef(KindSessionUnknown, "session %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return appendLocked(&e.session, msg)
}

// Mutate runs fn with exclusive access to the live session. The
// orchestrator uses it to hold the session lock across one full
// append-call-append turn so message ordering is preserved.
func (s *SessionStore) Mutate(id string, fn func(*Session) error) error {
	e := s.entry(id)
	if e == nil {
		return Ef(KindSessionUnknown, "session %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return fn(&e.session)
}

// End transitions the session to ended. Idempotent.
func (s *SessionStore) End(id string) error {
	e := s.entry(id)
	if e == nil {
		return Ef(KindSessionUnknown, "session %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != SessionEnded {
		e.session.Status = SessionEnded
		e.session.LastActivityAt = time.Now().UTC()
	}

	return nil
}

// Delete removes the session from the store.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Count returns the number of sessions currently held.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Sweep evicts sessions idle longer than the session TTL and reports the
// eviction count to stats.
func (s *SessionStore) Sweep() {
	cutoff := time.Now().UTC().Add(-s.ttl)

	s.mu.Lock()
	var evicted int
	for id, e := range s.entries {
		e.mu.Lock()
		idle := e.session.LastActivityAt.Before(cutoff)
		e.mu.Unlock()

		if idle {
			delete(s.entries, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		slog.Info("session sweep", "evicted", evicted)
		if s.stats != nil {
			s.stats.SessionsEvicted(evicted)
		}
	}
}

func (s *SessionStore) entry(id string) *sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.entries[id]
}

func appendLocked(sess *Session, msg Message) error {
	if sess.Status == SessionEnded {
		return Ef(KindSessionEnded, "session %q has ended", sess.ID)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	sess.Messages = append(sess.Messages, msg)
	sess.LastActivityAt = time.Now().UTC()

	if msg.Tokens > 0 {
		switch msg.Role {
		case "assistant":
			sess.Usage.OutputTokens += msg.Tokens
		default:
			sess.Usage.InputTokens += msg.Tokens
		}
		sess.Usage.TotalTokens = sess.Usage.InputTokens + sess.Usage.OutputTokens
	}

	return nil
}

// snapshot copies the session with a copy-on-read messages slice header so
// later appends never alias into a returned value.
func snapshot(sess *Session) *Session {
	out := *sess
	out.Messages = sess.Messages[:len(sess.Messages):len(sess.Messages)]
	out.Config.Tools = sess.Config.Tools[:len(sess.Config.Tools):len(sess.Config.Tools)]

	return &out
}
