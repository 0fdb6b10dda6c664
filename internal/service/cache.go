package service

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a memoized completed chat response.
type CacheEntry struct {
	Key      string
	Response ChatResponse
	StoredAt time.Time
	Hits     int

	size int
}

// ResponseCache memoizes completed non-streaming chat responses, keyed by
// a content fingerprint. Entries expire after the TTL and are evicted
// least-recently-accessed first when the byte budget is exceeded.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently accessed

	ttl       time.Duration
	maxBytes  int
	usedBytes int
	savedUSD  float64

	stats *Stats
}

// NewResponseCache creates a cache with the given TTL and byte budget.
func NewResponseCache(ttl time.Duration, maxBytes int, stats *Stats) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}

	return &ResponseCache{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		ttl:      ttl,
		maxBytes: maxBytes,
		stats:    stats,
	}
}

// Fingerprint computes the cache key for a request: provider, model,
// normalized system prompt, normalized message sequence, canonical tool
// JSON, temperature and maxTokens. Message timestamps are excluded.
func Fingerprint(provider string, cfg SessionConfig, messages []Message) string {
	h := sha256.New()

	fmt.Fprintf(h, "%s\x00%s\x00", provider, cfg.Model)
	fmt.Fprintf(h, "%s\x00", normalizeText(cfg.SystemPrompt))

	for _, msg := range messages {
		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1e", msg.Role, normalizeContent(msg.Content), msg.ToolCallID)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1e", tc.ID, tc.Name, canonicalJSON(tc.Arguments))
		}
	}

	for _, tool := range cfg.Tools {
		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1e", tool.Name, tool.Description, canonicalJSON(tool.InputSchema))
	}

	fmt.Fprintf(h, "%g\x00%d", cfg.Temperature, cfg.MaxTokens)

	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached response when present and unexpired,
// incrementing its hit counter and recording saved cost.
func (c *ResponseCache) Lookup(key string) *ChatResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		if c.stats != nil {
			c.stats.CacheMiss()
		}
		return nil
	}

	entry := el.Value.(*CacheEntry)
	if time.Since(entry.StoredAt) > c.ttl {
		c.removeLocked(el)
		if c.stats != nil {
			c.stats.CacheMiss()
		}
		return nil
	}

	entry.Hits++
	c.savedUSD += entry.Response.Usage.Cost
	c.lru.MoveToFront(el)

	if c.stats != nil {
		c.stats.CacheHit()
	}

	resp := entry.Response

	return &resp
}

// Store memoizes a response. Only non-streaming, non-tool-calling
// responses that finished with stop or length are eligible; anything else
// is silently skipped.
func (c *ResponseCache) Store(key string, resp ChatResponse) {
	if len(resp.ToolCalls) > 0 {
		return
	}
	if resp.FinishReason != FinishStop && resp.FinishReason != FinishLength {
		return
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	entry := &CacheEntry{
		Key:      key,
		Response: resp,
		StoredAt: time.Now().UTC(),
		size:     len(raw),
	}

	c.entries[key] = c.lru.PushFront(entry)
	c.usedBytes += entry.size

	for c.usedBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

// SweepExpired drops entries past the TTL. Called from the maintenance cron.
func (c *ResponseCache) SweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if entry := el.Value.(*CacheEntry); now.Sub(entry.StoredAt) > c.ttl {
			c.removeLocked(el)
		}
		el = prev
	}
}

// SavedUSD reports the aggregate cost avoided by cache hits.
func (c *ResponseCache) SavedUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.savedUSD
}

// Len returns the entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *ResponseCache) removeLocked(el *list.Element) {
	entry := el.Value.(*CacheEntry)
	c.lru.Remove(el)
	delete(c.entries, entry.Key)
	c.usedBytes -= entry.size
}

// ─── Normalization ───

// normalizeText strips trailing whitespace per line and normalizes line
// endings so semantically identical prompts fingerprint identically.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	return strings.TrimRight(strings.Join(lines, "\n"), " \t\n")
}

func normalizeContent(content any) string {
	switch v := content.(type) {
	case string:
		return normalizeText(v)
	case nil:
		return ""
	default:
		return canonicalJSON(v)
	}
}

// canonicalJSON renders a value as JSON with object keys sorted at every
// level, so map iteration order never leaks into the fingerprint.
func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)

	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(b, "%q", fmt.Sprint(val))
			return
		}
		b.Write(raw)
	}
}
