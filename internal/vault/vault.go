// Package vault stores provider credentials encrypted at rest.
//
// Layout under the vault directory (owner-only permissions):
//
//	key        32 random bytes, 0600
//	store.json encrypted name -> record map, 0600
//
// Writes go through write-to-temp + rename so a crash never leaves a
// half-written store.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/relay/internal/crypto"
	"github.com/rakunlabs/relay/internal/service"
)

// Secret types.
const (
	TypeAPIKey      = "api_key"
	TypeToken       = "token"
	TypePassword    = "password"
	TypeCertificate = "certificate"
)

// Meta is the public, plaintext-free view of a stored secret.
type Meta struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Provider  string                 `json:"provider,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	ExpiresAt types.Null[types.Time] `json:"expiresAt,omitempty"`
}

// record is the on-disk entry: metadata plus the sealed value.
type record struct {
	crypto.Envelope

	Type      string                 `json:"type"`
	Provider  string                 `json:"provider,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	ExpiresAt types.Null[types.Time] `json:"expiresAt,omitempty"`
}

// ChangeHook is notified after a secret for a provider is stored, so the
// provider registry can rebuild its adapter with the fresh credential.
type ChangeHook func(provider string)

// Vault is the authenticated-encryption envelope store for credentials.
// Plaintext never leaves it except through Get.
type Vault struct {
	mu      sync.RWMutex
	records map[string]record

	dir      string
	key      []byte
	onChange ChangeHook
}

// New opens (or initializes) the vault at dir and imports credentials
// found in the environment but not yet in the store.
func New(dir string, onChange ChangeHook) (*Vault, error) {
	key, err := crypto.LoadOrCreateKey(filepath.Join(dir, "key"))
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}

	v := &Vault{
		records:  make(map[string]record),
		dir:      dir,
		key:      key,
		onChange: onChange,
	}

	if err := v.load(); err != nil {
		return nil, err
	}

	if err := v.importEnv(); err != nil {
		return nil, err
	}

	if err := ensureIgnored(dir); err != nil {
		slog.Warn("could not update ignore file", "error", err)
	}

	return v, nil
}

// envImports maps startup environment variables to vault entries.
var envImports = []struct {
	env      string
	name     string
	provider string
}{
	{"ANTHROPIC_API_KEY", "anthropic_api_key", service.ProviderClaude},
	{"OPENAI_API_KEY", "openai_api_key", service.ProviderOpenAI},
	{"GOOGLE_API_KEY", "google_api_key", service.ProviderGemini},
	{"OLLAMA_CLOUD_API_KEY", "ollama_cloud_api_key", service.ProviderOllamaCloud},
	{"GITHUB_TOKEN", "github_token", "github"},
}

// importEnv seeds the store from the environment. Once imported, the
// stored copy takes precedence over later environment values.
func (v *Vault) importEnv() error {
	for _, imp := range envImports {
		value := os.Getenv(imp.env)
		if value == "" {
			continue
		}

		v.mu.RLock()
		_, exists := v.records[imp.name]
		v.mu.RUnlock()
		if exists {
			continue
		}

		if err := v.Set(imp.name, value, Meta{Type: TypeAPIKey, Provider: imp.provider}); err != nil {
			return fmt.Errorf("import %s: %w", imp.env, err)
		}

		slog.Info("imported secret from environment", "name", imp.name)
	}

	return nil
}

// Set encrypts and persists a secret, then notifies the change hook.
func (v *Vault) Set(name, value string, meta Meta) error {
	if name == "" {
		return service.E(service.KindInvalidArgument, "secret name is required")
	}
	if value == "" {
		return service.E(service.KindInvalidArgument, "secret value is required")
	}

	env, err := crypto.Seal(value, v.key)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	now := time.Now().UTC()

	secretType := meta.Type
	if secretType == "" {
		secretType = TypeAPIKey
	}

	v.mu.Lock()

	rec := record{
		Envelope:  env,
		Type:      secretType,
		Provider:  meta.Provider,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: meta.ExpiresAt,
	}
	if old, ok := v.records[name]; ok {
		rec.CreatedAt = old.CreatedAt
	}

	v.records[name] = rec
	err = v.persistLocked()

	v.mu.Unlock()

	if err != nil {
		return err
	}

	if v.onChange != nil && meta.Provider != "" {
		v.onChange(meta.Provider)
	}

	return nil
}

// Get decrypts a secret. Returns false when the name is absent or the
// secret has expired.
func (v *Vault) Get(name string) (string, bool) {
	v.mu.RLock()
	rec, ok := v.records[name]
	v.mu.RUnlock()

	if !ok {
		return "", false
	}

	if rec.ExpiresAt.Valid && rec.ExpiresAt.V.Time.Before(time.Now().UTC()) {
		slog.Warn("secret expired", "name", name)
		return "", false
	}

	value, err := crypto.Open(rec.Envelope, v.key)
	if err != nil {
		slog.Error("decrypt secret failed", "name", name, "error", err)
		return "", false
	}

	return value, true
}

// Delete removes a secret. Reports whether it existed.
func (v *Vault) Delete(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.records[name]; !ok {
		return false
	}

	delete(v.records, name)

	if err := v.persistLocked(); err != nil {
		slog.Error("persist vault after delete", "name", name, "error", err)
	}

	return true
}

// List returns metadata for every stored secret, never plaintext.
func (v *Vault) List() []Meta {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Meta, 0, len(v.records))
	for name, rec := range v.records {
		out = append(out, Meta{
			Name:      name,
			Type:      rec.Type,
			Provider:  rec.Provider,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}

	return out
}

// SetAndValidate probes the provider with the candidate value and persists
// it only when the probe succeeds.
func (v *Vault) SetAndValidate(ctx context.Context, name, value, provider string) error {
	result := Validate(ctx, provider, value)
	if !result.Valid {
		return service.Ef(service.KindAuthInvalid, "validation failed for %s: %s", provider, result.Error)
	}

	return v.Set(name, value, Meta{Type: TypeAPIKey, Provider: provider})
}

// ─── Persistence ───

func (v *Vault) storePath() string { return filepath.Join(v.dir, "store.json") }

func (v *Vault) load() error {
	data, err := os.ReadFile(v.storePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read vault store: %w", err)
	}

	if err := json.Unmarshal(data, &v.records); err != nil {
		return fmt.Errorf("parse vault store: %w", err)
	}

	return nil
}

// persistLocked writes the store atomically: temp file, fsync, rename.
func (v *Vault) persistLocked() error {
	data, err := json.MarshalIndent(v.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault store: %w", err)
	}

	tmp, err := os.CreateTemp(v.dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp store: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync temp store: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp store: %w", err)
	}

	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod temp store: %w", err)
	}

	if err := os.Rename(tmp.Name(), v.storePath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename store: %w", err)
	}

	return nil
}

// ensureIgnored adds the vault directory to .gitignore when the entry is
// missing, creating .gitignore if it does not exist.
func ensureIgnored(dir string) error {
	base := filepath.Base(dir)
	entry := base + "/"

	data, err := os.ReadFile(".gitignore")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.WriteFile(".gitignore", []byte(entry+"\n"), 0o644)
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == entry || line == base || line == "./"+entry {
			return nil
		}
	}

	f, err := os.OpenFile(".gitignore", os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "\n%s\n", entry)

	return err
}
