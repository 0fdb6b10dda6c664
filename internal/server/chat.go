package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/relay/internal/service"
)

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Streaming bool   `json:"streaming"`
}

type toolResultsRequest struct {
	SessionID   string               `json:"sessionId"`
	ToolResults []service.ToolResult `json:"toolResults"`
}

// chatResponseBody is the wire shape of a completed chat turn.
type chatResponseBody struct {
	Response     string             `json:"response"`
	ToolCalls    []service.ToolCall `json:"toolCalls,omitempty"`
	FinishReason string             `json:"finishReason"`
	Usage        usageBody          `json:"usage"`
	Model        string             `json:"model"`
	Latency      int64              `json:"latency"`
}

type usageBody struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Cost         float64 `json:"cost"`
}

// ChatAPI handles POST /chat (non-streaming).
func (s *Server) ChatAPI(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.SessionID == "" || req.Message == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "sessionId and message are required"))
		return
	}

	if req.Streaming {
		s.streamChat(w, r, req)
		return
	}

	result, err := s.orchestrator.Chat(r.Context(), Identity(r), req.SessionID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}

	s.recordChatAudit(r, req.SessionID, result.Response)

	httpResponseJSON(w, toChatBody(result.Response), http.StatusOK)
}

// ChatStreamAPI handles POST /chat/stream.
func (s *Server) ChatStreamAPI(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.SessionID == "" || req.Message == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "sessionId and message are required"))
		return
	}

	s.streamChat(w, r, req)
}

// ToolResultsAPI handles POST /tools: the caller submits results for the
// pending tool calls and the orchestrator re-enters the provider.
func (s *Server) ToolResultsAPI(w http.ResponseWriter, r *http.Request) {
	var req toolResultsRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.SessionID == "" {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "sessionId is required"))
		return
	}

	if len(req.ToolResults) == 0 {
		s.writeError(w, r, service.E(service.KindInvalidArgument, "toolResults must not be empty"))
		return
	}

	result, err := s.orchestrator.SubmitToolResults(r.Context(), Identity(r), req.SessionID, req.ToolResults)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("X-Cache", "MISS")

	s.recordChatAudit(r, req.SessionID, result.Response)

	httpResponseJSON(w, toChatBody(result.Response), http.StatusOK)
}

// ─── Streaming (SSE) ───

// sseFrame is one data frame of the stream: deltas while running, then a
// final frame carrying usage and finish reason.
type sseFrame struct {
	Delta        string             `json:"delta"`
	Done         bool               `json:"done"`
	ToolCalls    []service.ToolCall `json:"toolCalls,omitempty"`
	Usage        *usageBody         `json:"usage,omitempty"`
	FinishReason string             `json:"finishReason,omitempty"`
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, service.E(service.KindInternal, "streaming not supported by this server"))
		return
	}

	chunks, err := s.orchestrator.ChatStream(r.Context(), Identity(r), req.SessionID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Cache", "MISS")

	meta := Audit(r)
	meta.SessionID = req.SessionID

	done := false

	for chunk := range chunks {
		if chunk.Error != nil {
			writeSSEFrame(w, flusher, sseFrame{
				Done:         true,
				FinishReason: service.FinishError,
			})
			done = true
			break
		}

		if chunk.Done {
			frame := sseFrame{
				Done:         true,
				FinishReason: chunk.FinishReason,
			}
			if chunk.Usage != nil {
				u := toUsageBody(*chunk.Usage)
				frame.Usage = &u
				meta.Tokens = chunk.Usage.TotalTokens
				meta.Cost = chunk.Usage.Cost
			}
			writeSSEFrame(w, flusher, frame)
			done = true
			continue
		}

		if chunk.Delta == "" && len(chunk.ToolCalls) == 0 {
			continue
		}

		writeSSEFrame(w, flusher, sseFrame{
			Delta:     chunk.Delta,
			ToolCalls: chunk.ToolCalls,
		})
	}

	// Shutdown or cancellation before the upstream finished: close the
	// stream with a cancelled marker. The write is best-effort when the
	// client is already gone.
	if !done {
		writeSSEFrame(w, flusher, sseFrame{Done: true, FinishReason: service.FinishCancelled})
	}
}

// writeSSEFrame writes a single SSE data line with the JSON-encoded frame.
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, frame sseFrame) {
	data, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// ─── Helpers ───

func toChatBody(resp *service.ChatResponse) chatResponseBody {
	return chatResponseBody{
		Response:     resp.Content,
		ToolCalls:    resp.ToolCalls,
		FinishReason: resp.FinishReason,
		Usage:        toUsageBody(resp.Usage),
		Model:        resp.Model,
		Latency:      resp.LatencyMs,
	}
}

func toUsageBody(u service.Usage) usageBody {
	return usageBody{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		Cost:         u.Cost,
	}
}

func (s *Server) recordChatAudit(r *http.Request, sessionID string, resp *service.ChatResponse) {
	meta := Audit(r)
	meta.SessionID = sessionID
	meta.Tokens = resp.Usage.TotalTokens
	meta.Cost = resp.Usage.Cost

	if sess := s.sessions.Get(sessionID); sess != nil {
		meta.Provider = sess.Config.Provider
		meta.DeviceID = sess.DeviceID
	}
}
