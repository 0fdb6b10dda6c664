package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rakunlabs/relay/internal/service"
)

type createSessionRequest struct {
	DeviceID string                `json:"deviceId"`
	Config   service.SessionConfig `json:"config"`
}

// CreateSessionAPI handles POST /sessions.
func (s *Server) CreateSessionAPI(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.sessions.Create(req.DeviceID, req.Config)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.devices.Touch(req.DeviceID)

	meta := Audit(r)
	meta.DeviceID = req.DeviceID
	meta.SessionID = sess.ID
	meta.Provider = sess.Config.Provider

	httpResponseJSON(w, map[string]any{"session": sess}, http.StatusOK)
}

// GetSessionAPI handles GET /sessions/:id.
func (s *Server) GetSessionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathSuffix(r, "/sessions/")
	if id == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "session id is required"))
		return
	}

	sess := s.sessions.Get(id)
	if sess == nil {
		s.writeError(w, r, service.Ef(service.KindSessionUnknown, "session %q not found", id))
		return
	}

	Audit(r).SessionID = id

	httpResponseJSON(w, map[string]any{"session": sess}, http.StatusOK)
}

// EndSessionAPI handles DELETE /sessions/:id. Ending is idempotent: a
// second call reports the already-ended session.
func (s *Server) EndSessionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathSuffix(r, "/sessions/")
	if id == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "session id is required"))
		return
	}

	if err := s.sessions.End(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	Audit(r).SessionID = id

	httpResponseJSON(w, map[string]any{"session": s.sessions.Get(id)}, http.StatusOK)
}

// ─── Helpers ───

// decodeBody parses a JSON request body. Strict mode rejects unknown
// fields with the offending path in the error.
func (s *Server) decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if s.strict {
		dec.DisallowUnknownFields()
	}

	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return service.E(service.KindInvalidArgument, "request body is required")
		}

		return service.Wrap(service.KindInvalidArgument, "invalid request body", err).
			WithDetails(map[string]any{"decode": err.Error()})
	}

	return nil
}

// pathSuffix extracts the tail of the URL after prefix, trimming a
// trailing slash.
func pathSuffix(r *http.Request, prefix string) string {
	path := r.URL.Path

	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}

	return strings.TrimSuffix(path[idx+len(prefix):], "/")
}
