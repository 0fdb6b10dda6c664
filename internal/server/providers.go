package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/relay/internal/service"
)

// HealthAPI handles GET /health: concurrent provider probes plus uptime.
func (s *Server) HealthAPI(w http.ResponseWriter, r *http.Request) {
	providers := s.registry.HealthAll(r.Context())

	healthy := true
	for _, h := range providers {
		if !h.Healthy {
			healthy = false
			break
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}

	httpResponseJSON(w, map[string]any{
		"status":        status,
		"uptimeSeconds": s.stats.Snapshot().UptimeSeconds,
		"providers":     providers,
	}, http.StatusOK)
}

// StatsAPI handles GET /stats.
func (s *Server) StatsAPI(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()

	httpResponseJSON(w, map[string]any{
		"stats":          snap,
		"activeSessions": s.sessions.Count(),
		"devices":        s.devices.Count(),
		"cacheEntries":   s.cache.Len(),
		"cacheSavedUsd":  s.cache.SavedUSD(),
	}, http.StatusOK)
}

// ListProvidersAPI handles GET /providers.
func (s *Server) ListProvidersAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"providers": s.registry.List()}, http.StatusOK)
}

// ProviderModelsAPI handles GET /providers/:id/models. Models come from
// live upstream discovery, falling back to the configured list when the
// upstream cannot be reached.
func (s *Server) ProviderModelsAPI(w http.ResponseWriter, r *http.Request) {
	tail := pathSuffix(r, "/providers/")

	id, rest, _ := strings.Cut(tail, "/")
	if id == "" || rest != "models" {
		http.NotFound(w, r)
		return
	}

	info, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, r, service.Ef(service.KindProviderUnavailable, "provider %q not configured", id))
		return
	}

	Audit(r).Provider = id

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	models, err := info.Provider.Models(ctx)
	if err != nil {
		if len(info.Models) > 0 {
			httpResponseJSON(w, map[string]any{"provider": id, "models": info.Models, "source": "config"}, http.StatusOK)
			return
		}

		s.writeError(w, r, err)
		return
	}

	httpResponseJSON(w, map[string]any{"provider": id, "models": models, "source": "upstream"}, http.StatusOK)
}
