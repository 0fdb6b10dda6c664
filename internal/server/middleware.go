package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/relay/internal/service"
)

const maxBodyBytes = 10 << 20 // 10 MiB

type ctxKey int

const (
	ctxIdentity ctxKey = iota
	ctxAudit
)

// identity resolves the rate-limit identity: API-key hash when a bearer
// token is present, else the first forwarded hop, else the remote host.
// This is the only place identity is resolved.
func identity(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token := strings.TrimPrefix(auth, "Bearer "); token != auth && token != "" {
			sum := sha256.Sum256([]byte(token))
			return "key:" + hex.EncodeToString(sum[:8])
		}
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return "ip:" + strings.TrimSpace(first)
		}
		return "ip:" + strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}

	return "ip:" + host
}

// Identity returns the identity resolved by the rate-limit middleware.
func Identity(r *http.Request) string {
	if v, ok := r.Context().Value(ctxIdentity).(string); ok {
		return v
	}

	return ""
}

// rateLimitMiddleware enforces the request window before any other work
// and emits the X-RateLimit-* headers on every response.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity(r)

			decision := s.limiter.AllowRequest(id, time.Now())

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

			if !decision.OK {
				s.writeError(w, r, service.E(service.KindRateLimited, "rate limit exceeded").
					WithRetryAfter(decision.RetryAfter))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdentity, id)))
		})
	}
}

// sanitizeMiddleware caps body size, strips control bytes, and collapses
// parent-path segments in fields named "path".
func (s *Server) sanitizeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBodyBytes {
				s.writeError(w, r, service.E(service.KindPayloadTooLarge, "request body exceeds 10 MiB"))
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
				r.Body.Close()
				if err != nil {
					s.writeError(w, r, service.Wrap(service.KindInvalidArgument, "read request body", err))
					return
				}

				if len(body) > maxBodyBytes {
					s.writeError(w, r, service.E(service.KindPayloadTooLarge, "request body exceeds 10 MiB"))
					return
				}

				r.Body = io.NopCloser(bytes.NewReader(sanitizeBody(body)))
				r.ContentLength = int64(len(body))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// sanitizeBody removes control bytes (except \t, \n, \r) and collapses
// ".." segments inside values of fields named "path".
func sanitizeBody(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for _, c := range body {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			continue
		}
		out = append(out, c)
	}

	// Field-scoped: only values following a "path" key are rewritten.
	marker := []byte(`"path"`)
	idx := 0
	for {
		at := bytes.Index(out[idx:], marker)
		if at < 0 {
			break
		}
		at += idx + len(marker)

		end := valueEnd(out, at)
		cleaned := bytes.ReplaceAll(out[at:end], []byte(".."), []byte("."))
		out = append(out[:at], append(cleaned, out[end:]...)...)
		idx = at
	}

	return out
}

// valueEnd finds the end of the JSON string value that follows a key at
// position start (the byte after the closing quote of the key).
func valueEnd(b []byte, start int) int {
	i := start
	for i < len(b) && (b[i] == ':' || b[i] == ' ' || b[i] == '\t') {
		i++
	}
	if i >= len(b) || b[i] != '"' {
		return start
	}

	i++
	for i < len(b) {
		if b[i] == '\\' {
			i += 2
			continue
		}
		if b[i] == '"' {
			return i + 1
		}
		i++
	}

	return len(b)
}

// AuditMeta is the per-request audit state handlers enrich.
type AuditMeta struct {
	DeviceID  string
	SessionID string
	Provider  string
	Tokens    int
	Cost      float64
}

// Audit returns the mutable audit state for the request.
func Audit(r *http.Request) *AuditMeta {
	if v, ok := r.Context().Value(ctxAudit).(*AuditMeta); ok {
		return v
	}

	return &AuditMeta{}
}

// auditMiddleware emits one JSONL record per request after the handler
// finishes, including token and cost metadata when the orchestrator ran.
func (s *Server) auditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.audit == nil {
				next.ServeHTTP(w, r)
				return
			}

			meta := &AuditMeta{}
			start := time.Now()

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAudit, meta)))

			metadata := map[string]any{
				"durationMs": time.Since(start).Milliseconds(),
			}
			if meta.Tokens > 0 {
				metadata["tokens"] = meta.Tokens
			}
			if meta.Cost > 0 {
				metadata["cost"] = meta.Cost
			}

			s.audit.Write(AuditRecord{
				Timestamp: start.UTC(),
				RequestID: requestID(w, r),
				Action:    r.Method + " " + r.URL.Path,
				DeviceID:  meta.DeviceID,
				SessionID: meta.SessionID,
				Provider:  meta.Provider,
				IP:        remoteIP(r),
				Metadata:  metadata,
			})

			if s.stats != nil {
				s.stats.RequestServed()
			}
		})
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
