package service

import (
	"sync"
	"time"
)

// Stats is the global counters snapshot served by GET /stats.
type Stats struct {
	mu sync.Mutex

	startedAt time.Time

	requests        int64
	errors          int64
	sessionsCreated int64
	sessionsEvicted int64
	tokensIn        int64
	tokensOut       int64
	costUSD         float64
	cacheHits       int64
	cacheMisses     int64
	rateLimited     int64
}

// NewStats creates a stats holder anchored at the process start time.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now().UTC()}
}

func (s *Stats) RequestServed() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

func (s *Stats) RequestFailed() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *Stats) SessionCreated() {
	s.mu.Lock()
	s.sessionsCreated++
	s.mu.Unlock()
}

func (s *Stats) SessionsEvicted(n int) {
	s.mu.Lock()
	s.sessionsEvicted += int64(n)
	s.mu.Unlock()
}

func (s *Stats) UsageRecorded(u Usage) {
	s.mu.Lock()
	s.tokensIn += int64(u.InputTokens)
	s.tokensOut += int64(u.OutputTokens)
	s.costUSD += u.Cost
	s.mu.Unlock()
}

func (s *Stats) CacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
}

func (s *Stats) CacheMiss() {
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()
}

func (s *Stats) RateLimited() {
	s.mu.Lock()
	s.rateLimited++
	s.mu.Unlock()
}

// StatsSnapshot is the JSON shape of GET /stats.
type StatsSnapshot struct {
	UptimeSeconds   int64   `json:"uptimeSeconds"`
	Requests        int64   `json:"requests"`
	Errors          int64   `json:"errors"`
	SessionsCreated int64   `json:"sessionsCreated"`
	SessionsEvicted int64   `json:"sessionsEvicted"`
	TokensIn        int64   `json:"tokensIn"`
	TokensOut       int64   `json:"tokensOut"`
	CostUSD         float64 `json:"costUsd"`
	CacheHits       int64   `json:"cacheHits"`
	CacheMisses     int64   `json:"cacheMisses"`
	RateLimited     int64   `json:"rateLimited"`
}

// Snapshot returns a consistent copy of all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StatsSnapshot{
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		Requests:        s.requests,
		Errors:          s.errors,
		SessionsCreated: s.sessionsCreated,
		SessionsEvicted: s.sessionsEvicted,
		TokensIn:        s.tokensIn,
		TokensOut:       s.tokensOut,
		CostUSD:         s.costUSD,
		CacheHits:       s.cacheHits,
		CacheMisses:     s.cacheMisses,
		RateLimited:     s.rateLimited,
	}
}
