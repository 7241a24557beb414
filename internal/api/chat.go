package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/atrium/internal/agent"
	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/chat"
)

// Wire-only event types. The agent's done event goes out as finish so
// clients see it next to the conversation id.
const (
	eventStart  agent.EventType = "start"
	eventFinish agent.EventType = "finish"
)

// streamEvent is one event as sent to a client, over SSE or WebSocket.
type streamEvent struct {
	agent.Event
	ConversationID string            `json:"conversationId,omitempty"`
	RequestID      string            `json:"requestId,omitempty"`
	Code           apperr.Code       `json:"code,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
	RetryAfter     int               `json:"retryAfter,omitempty"`
}

func startEvent(ex *chat.Exchange) streamEvent {
	return streamEvent{
		Event:          agent.Event{Type: eventStart},
		ConversationID: ex.ConversationID,
		RequestID:      ex.RequestID,
	}
}

// wireEvent decorates an agent event for the client.
func wireEvent(ex *chat.Exchange, ev agent.Event) streamEvent {
	out := streamEvent{Event: ev}
	switch ev.Type {
	case agent.EventDone:
		out.Type = eventFinish
		out.ConversationID = ex.ConversationID
	case agent.EventError:
		out.Code = apperr.CodeProvider
		out.RequestID = ex.RequestID
	}
	return out
}

// errorEvent renders a rejected request as a stream event.
func errorEvent(requestID string, err error) streamEvent {
	e := apperr.As(err)
	ev := streamEvent{
		Event:     agent.Event{Type: agent.EventError, Error: e.Message},
		RequestID: requestID,
		Code:      e.Code,
		Fields:    e.Fields,
	}
	if e.Code == apperr.CodeRateLimit {
		ev.RetryAfter = retryAfterSeconds(e.RetryAfter)
	}
	return ev
}

// sseWriter writes server-sent events and keeps the write deadline ahead
// of the stream.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger
}

func (sw *sseWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		sw.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		sw.logger.Debug("failed to write SSE event", "error", err)
		return
	}
	sw.flusher.Flush()
	if err := sw.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		sw.logger.Debug("failed to reset write deadline", "error", err)
	}
}

func (sw *sseWriter) done() {
	fmt.Fprint(sw.w, "data: [DONE]\n\n")
	sw.flusher.Flush()
}

// handleChat runs one exchange and streams it as server-sent events.
// Rejections (auth, rate limit, validation, ownership) are plain JSON
// errors sent before the stream opens. Once streaming, failures arrive as
// error events. Persistence runs after the stream ends, even if the
// client has gone away.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	log := s.requestLogger(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.Internal(errors.New("streaming not supported")))
		return
	}

	var req chat.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, apperr.Validation("request body is not valid JSON", nil))
		return
	}

	ex, err := s.chat.Prepare(r.Context(), reqID, principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Conversation-Id", ex.ConversationID)
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w), logger: log}
	sw.send(startEvent(ex))

	out := s.chat.Run(r.Context(), ex, func(ev agent.Event) {
		sw.send(wireEvent(ex, ev))
	})
	if out.State != agent.StateAborted {
		sw.done()
	}

	s.chat.Complete(r.Context(), ex, out)
	log.Info("chat exchange finished",
		"conversation_id", ex.ConversationID,
		"state", out.State.String(),
		"steps", out.Steps,
		"tools", out.ToolNames,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
	)
}
