package server

import (
	"net/http"

	"github.com/rakunlabs/relay/internal/service"
)

type setAndValidateRequest struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Provider string `json:"provider"`
}

// SetAndValidateSecretAPI handles POST /secrets/set-and-validate.
// The value is probed against the provider and persisted only when valid.
func (s *Server) SetAndValidateSecretAPI(w http.ResponseWriter, r *http.Request) {
	var req setAndValidateRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Name == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "name is required").
			WithDetails(map[string]any{"field": "name"}))
		return
	}

	if req.Value == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "value is required").
			WithDetails(map[string]any{"field": "value"}))
		return
	}

	if err := s.vault.SetAndValidate(r.Context(), req.Name, req.Value, req.Provider); err != nil {
		s.writeError(w, r, err)
		return
	}

	Audit(r).Provider = req.Provider

	httpResponseJSON(w, map[string]any{"name": req.Name, "valid": true}, http.StatusOK)
}

// ListSecretsAPI handles GET /secrets/list. Metadata only, never values.
func (s *Server) ListSecretsAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"secrets": s.vault.List()}, http.StatusOK)
}

// DeleteSecretAPI handles DELETE /secrets/:name.
func (s *Server) DeleteSecretAPI(w http.ResponseWriter, r *http.Request) {
	name := pathSuffix(r, "/secrets/")
	if name == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "secret name is required"))
		return
	}

	if !s.vault.Delete(name) {
		s.writeError(w, r, service.Ef(service.KindInvalidArgument, "secret %q not found", name))
		return
	}

	httpResponseJSON(w, map[string]any{"deleted": name}, http.StatusOK)
}
