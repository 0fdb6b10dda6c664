package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rakunlabs/relay/internal/capture"
	"github.com/rakunlabs/relay/internal/service"
)

// ─── REST facade ───

type createCaptureRequest struct {
	SessionID string         `json:"sessionId"`
	Title     string         `json:"title"`
	Platform  string         `json:"platform"`
	Metadata  map[string]any `json:"metadata"`
}

type uploadCaptureRequest struct {
	SessionID string           `json:"sessionId"`
	Events    []captureEventIn `json:"events"`
}

// captureEventIn is one inbound event: known envelope fields plus an
// opaque payload.
type captureEventIn struct {
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	extra map[string]any
}

// UnmarshalJSON keeps unknown fields as the event payload so callers can
// send flat objects like {"a": 1}.
func (e *captureEventIn) UnmarshalJSON(data []byte) error {
	type alias captureEventIn
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	delete(raw, "timestamp")
	delete(raw, "data")
	delete(raw, "metadata")

	*e = captureEventIn(a)
	e.extra = raw

	return nil
}

func (e *captureEventIn) toEvent() capture.Event {
	out := capture.Event{
		Data:     e.Data,
		Metadata: e.Metadata,
	}

	if e.Timestamp != nil {
		out.Timestamp = e.Timestamp.UTC()
	}

	if out.Data == nil {
		out.Data = e.extra
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}

	return out
}

// CreateCaptureSessionAPI handles POST /external/data/sessions/create.
func (s *Server) CreateCaptureSessionAPI(w http.ResponseWriter, r *http.Request) {
	var req createCaptureRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.capture.CreateSession(r.Context(), req.SessionID, req.Title, req.Platform, req.Metadata)
	if err != nil {
		s.writeError(w, r, service.Wrap(service.KindInvalidArgument, "create capture session", err))
		return
	}

	httpResponseJSON(w, map[string]any{"session": sess}, http.StatusOK)
}

// UploadCaptureEventsAPI handles POST /external/data/upload.
func (s *Server) UploadCaptureEventsAPI(w http.ResponseWriter, r *http.Request) {
	var req uploadCaptureRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	events := make([]capture.Event, 0, len(req.Events))
	for i := range req.Events {
		events = append(events, req.Events[i].toEvent())
	}

	if err := s.capture.AppendEvents(r.Context(), req.SessionID, events); err != nil {
		s.writeError(w, r, service.Wrap(service.KindInvalidArgument, "upload capture events", err))
		return
	}

	httpResponseJSON(w, map[string]any{"accepted": len(events)}, http.StatusOK)
}

// EndCaptureSessionAPI handles POST /external/data/sessions/:id/end.
func (s *Server) EndCaptureSessionAPI(w http.ResponseWriter, r *http.Request) {
	tail := pathSuffix(r, "/external/data/sessions/")

	id, rest, _ := strings.Cut(tail, "/")
	if id == "" || rest != "end" {
		http.NotFound(w, r)
		return
	}

	sess, err := s.capture.EndSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, service.Wrap(service.KindInvalidArgument, "end capture session", err))
		return
	}

	httpResponseJSON(w, map[string]any{"session": sess}, http.StatusOK)
}

// GetCaptureSessionAPI handles GET /external/data/sessions/:id.
func (s *Server) GetCaptureSessionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathSuffix(r, "/external/data/sessions/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	sess := s.capture.Get(id)
	if sess == nil {
		s.writeError(w, r, service.Ef(service.KindSessionUnknown, "capture session %q not found", id))
		return
	}

	httpResponseJSON(w, map[string]any{"session": sess}, http.StatusOK)
}

// ─── WebSocket transport ───

// captureFrame is one inbound WebSocket frame, discriminated by type.
type captureFrame struct {
	Type string `json:"type"`

	// REGISTER
	ClientType string `json:"clientType,omitempty"`
	Version    string `json:"version,omitempty"`

	// CREATE_SESSION / EVENT_DATA / END_SESSION
	SessionID string           `json:"sessionId,omitempty"`
	Title     string           `json:"title,omitempty"`
	Platform  string           `json:"platform,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Events    []captureEventIn `json:"events,omitempty"`
}

type captureAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// RealtimeCaptureWS handles the /realtime-capture WebSocket endpoint: one
// goroutine per connection reading frames and feeding the capture bus.
func (s *Server) RealtimeCaptureWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("capture client connected", "remote", conn.RemoteAddr().String())

	// The connection lives until the client goes away or the server
	// shuts down; the bus itself never blocks the read loop.
	ctx := context.WithoutCancel(r.Context())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("capture client read failed", "error", err)
			}
			return
		}

		var frame captureFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			writeAck(conn, captureAck{Type: "ERROR", Status: "error", Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case "REGISTER":
			slog.Info("capture client registered", "clientType", frame.ClientType, "version", frame.Version)
			writeAck(conn, captureAck{Type: "REGISTERED", Status: "ok"})

		case "CREATE_SESSION":
			if _, err := s.capture.CreateSession(ctx, frame.SessionID, frame.Title, frame.Platform, frame.Metadata); err != nil {
				writeAck(conn, captureAck{Type: "SESSION_CREATE_FAILED", SessionID: frame.SessionID, Status: "error", Error: err.Error()})
				continue
			}
			writeAck(conn, captureAck{Type: "SESSION_CREATED", SessionID: frame.SessionID, Status: "ok"})

		case "EVENT_DATA":
			events := make([]capture.Event, 0, len(frame.Events))
			for i := range frame.Events {
				events = append(events, frame.Events[i].toEvent())
			}

			if err := s.capture.AppendEvents(ctx, frame.SessionID, events); err != nil {
				writeAck(conn, captureAck{Type: "EVENT_DATA_FAILED", SessionID: frame.SessionID, Status: "error", Error: err.Error()})
				continue
			}

		case "END_SESSION":
			if _, err := s.capture.EndSession(ctx, frame.SessionID); err != nil {
				writeAck(conn, captureAck{Type: "SESSION_END_FAILED", SessionID: frame.SessionID, Status: "error", Error: err.Error()})
				continue
			}
			writeAck(conn, captureAck{Type: "SESSION_ENDED", SessionID: frame.SessionID, Status: "ok"})

		default:
			writeAck(conn, captureAck{Type: "ERROR", Status: "error", Error: "unknown frame type " + frame.Type})
		}
	}
}

func writeAck(conn *websocket.Conn, ack captureAck) {
	if err := conn.WriteJSON(ack); err != nil {
		slog.Warn("capture ack write failed", "error", err)
	}
}
