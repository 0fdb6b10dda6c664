package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProviderInfo holds an adapter instance along with its metadata.
type ProviderInfo struct {
	Provider     LLMProvider
	DefaultModel string
	Models       []string // advertised models; live discovery may extend this
}

// ProviderFactory creates an adapter for a provider id, typically after
// the vault stores a fresh credential for it.
type ProviderFactory func(id string) (ProviderInfo, error)

// ProviderListing is one row of GET /providers.
type ProviderListing struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
	Model     string `json:"model"`
}

// Registry holds one adapter per known provider id. Initialized once at
// startup; the only later mutation is a reload triggered by a vault change
// for that provider's key, or an unhealthy mark set on AuthInvalid.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderInfo
	unhealthy map[string]string // provider id -> reason

	factory ProviderFactory
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(providers map[string]ProviderInfo, factory ProviderFactory) *Registry {
	if providers == nil {
		providers = make(map[string]ProviderInfo)
	}

	return &Registry{
		providers: providers,
		unhealthy: make(map[string]string),
		factory:   factory,
	}
}

// Get returns the adapter for the id; ok is false when the id is unknown.
func (r *Registry) Get(id string) (ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.providers[id]

	return info, ok
}

// List returns a row per configured provider, sorted by the canonical
// provider order.
func (r *Registry) List() []ProviderListing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderListing, 0, len(r.providers))
	for _, id := range KnownProviders {
		info, ok := r.providers[id]
		if !ok {
			continue
		}

		_, marked := r.unhealthy[id]
		out = append(out, ProviderListing{
			ID:        id,
			Available: !marked,
			Model:     info.DefaultModel,
		})
	}

	return out
}

// MarkUnhealthy flags a provider after an auth failure. The flag is
// cleared by the next successful health probe.
func (r *Registry) MarkUnhealthy(id, reason string) {
	r.mu.Lock()
	r.unhealthy[id] = reason
	r.mu.Unlock()

	slog.Warn("provider marked unhealthy", "provider", id, "reason", Redact(reason))
}

// HealthAll probes every provider concurrently with a short deadline.
// A provider flagged unhealthy stays unhealthy until its probe succeeds.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.RLock()
	ids := make([]string, 0, len(r.providers))
	adapters := make([]LLMProvider, 0, len(r.providers))
	for id, info := range r.providers {
		ids = append(ids, id)
		adapters = append(adapters, info.Provider)
	}
	r.mu.RUnlock()

	results := make([]Health, len(ids))

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = adapter.Health(ctx)
		}()
	}
	wg.Wait()

	out := make(map[string]Health, len(ids))

	r.mu.Lock()
	for i, id := range ids {
		h := results[i]
		if !h.Healthy && h.Error == "" {
			h.Error = "probe failed"
		}

		if reason, marked := r.unhealthy[id]; marked {
			// Surface the failure at least once; a successful probe
			// clears the mark for the next cycle.
			if h.Healthy {
				delete(r.unhealthy, id)
			}
			h.Healthy = false
			if h.Error == "" {
				h.Error = reason
			}
		}

		out[id] = h
	}
	r.mu.Unlock()

	return out
}

// Reload rebuilds the adapter for one provider id via the factory.
// Called when the vault stores a new key for that provider.
func (r *Registry) Reload(id string) error {
	if r.factory == nil {
		return nil
	}

	info, err := r.factory(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.providers[id] = info
	delete(r.unhealthy, id)
	r.mu.Unlock()

	slog.Info("provider reloaded", "provider", id)

	return nil
}
