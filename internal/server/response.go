package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rakunlabs/relay/internal/service"
)

// errorResponse is the wire shape of every non-2xx reply.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// kindStatus is the single place that maps the error taxonomy to HTTP
// status codes.
func kindStatus(kind service.Kind) int {
	switch kind {
	case service.KindInvalidArgument:
		return http.StatusBadRequest
	case service.KindDeviceUnknown, service.KindSessionUnknown:
		return http.StatusNotFound
	case service.KindSessionEnded, service.KindToolLoopExceeded:
		return http.StatusConflict
	case service.KindAuthInvalid:
		return http.StatusUnauthorized
	case service.KindRateLimited, service.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case service.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case service.KindProviderError:
		return http.StatusBadGateway
	case service.KindTimeout:
		return http.StatusGatewayTimeout
	case service.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates any error into the taxonomy response. Internal
// messages are masked in production; the full error stays in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := service.AsError(err)

	if s.stats != nil {
		s.stats.RequestFailed()
	}

	msg := service.Redact(e.Message)
	if e.Kind == service.KindInternal {
		slog.Error("internal error", "path", r.URL.Path, "error", err)
		if s.production {
			msg = "internal error"
		}
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds()+0.999)))
	}

	httpResponseJSON(w, errorResponse{
		Error:     string(e.Kind),
		Message:   msg,
		RequestID: requestID(w, r),
		Details:   e.Details,
	}, kindStatus(e.Kind))
}

// requestID returns the id assigned by the requestid middleware.
func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get("X-Request-Id"); id != "" {
		return id
	}

	return r.Header.Get("X-Request-Id")
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(v)
}
