package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rakunlabs/relay/internal/service"
)

// AuditRecord is one JSONL line per request. Token and cost metadata are
// filled by the handler after the orchestrator finishes.
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId"`
	Event     string         `json:"event"`
	Action    string         `json:"action"`
	DeviceID  string         `json:"deviceId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	IP        string         `json:"ip"`
	Metadata  map[string]any `json:"metadata"`
	Signature string         `json:"signature,omitempty"`
}

// AuditLog appends JSONL records to a file. Records are optionally signed
// with an HMAC over the serialized record when a signing secret is set.
type AuditLog struct {
	mu     sync.Mutex
	file   *os.File
	secret []byte
}

// NewAuditLog opens (or creates) the audit file in append mode. secret
// enables record signing when non-empty.
func NewAuditLog(path, secret string) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	a := &AuditLog{file: file}
	if secret != "" {
		a.secret = []byte(secret)
	}

	return a, nil
}

// Write appends one record. Failures are logged, never surfaced to the
// request path.
func (a *AuditLog) Write(rec AuditRecord) {
	rec.Event = "request"
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if a.secret != nil {
		raw, _ := json.Marshal(rec)
		mac := hmac.New(sha256.New, a.secret)
		mac.Write(raw)
		rec.Signature = hex.EncodeToString(mac.Sum(nil))
	}

	line, err := json.Marshal(rec)
	if err != nil {
		slog.Error("marshal audit record", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(line, '\n')); err != nil {
		slog.Error("write audit record", "error", service.Redact(err.Error()))
	}
}

// Close flushes and closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.file.Close()
}
