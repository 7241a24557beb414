package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nugget/atrium/internal/agent"
	"github.com/nugget/atrium/internal/apperr"
	"github.com/nugget/atrium/internal/chat"
)

// requestFrameTimeout bounds the wait for the first client frame.
const requestFrameTimeout = 30 * time.Second

// Clients authenticate with a bearer token, not cookies, so any origin
// may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlFrame is a client frame sent after the request.
type controlFrame struct {
	Type string `json:"type"`
}

// handleChatWebSocket is the WebSocket rendition of handleChat. The first
// client frame is the chat request; events go out as JSON text frames. A
// later {"type":"abort"} frame, or closing the socket, aborts the
// exchange.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	log := s.requestLogger(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBodySize)

	send := func(v any) {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			log.Debug("failed to set websocket write deadline", "error", err)
		}
		if err := conn.WriteJSON(v); err != nil {
			log.Debug("failed to write websocket frame", "error", err)
		}
	}
	closeWith := func(code int, text string) {
		msg := websocket.FormatCloseMessage(code, text)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.Debug("failed to send websocket close", "error", err)
		}
	}

	var req chat.Request
	conn.SetReadDeadline(time.Now().Add(requestFrameTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		send(errorEvent(reqID, apperr.Validation("first frame must be a chat request", nil)))
		closeWith(websocket.ClosePolicyViolation, "invalid request")
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ex, err := s.chat.Prepare(ctx, reqID, principal(r), req)
	if err != nil {
		send(errorEvent(reqID, err))
		closeWith(websocket.CloseNormalClosure, string(apperr.As(err).Code))
		return
	}

	go func() {
		defer cancel()
		for {
			var f controlFrame
			if err := conn.ReadJSON(&f); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket read ended", "error", err)
				}
				return
			}
			if f.Type == "abort" {
				log.Info("client aborted exchange", "conversation_id", ex.ConversationID)
				return
			}
		}
	}()

	send(startEvent(ex))
	out := s.chat.Run(ctx, ex, func(ev agent.Event) {
		send(wireEvent(ex, ev))
	})
	if out.State != agent.StateAborted {
		closeWith(websocket.CloseNormalClosure, "")
	}

	s.chat.Complete(ctx, ex, out)
	log.Info("chat exchange finished",
		"transport", "websocket",
		"conversation_id", ex.ConversationID,
		"state", out.State.String(),
		"steps", out.Steps,
	)
}
