package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/deskmate/internal/chat"
	"github.com/ent0n29/deskmate/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleSessionWS serves one logged-in session over a websocket. Client
// messages are handled one at a time in arrival order; replies go through a
// single writer goroutine.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, _, err := s.chat.History(sessionID); err != nil {
		s.respondChatError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("httpapi: websocket write failed", "session_id", sessionID, "error", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.wsMessage("outbound", t)
				}
			}
		}
	}()

	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "session_ready",
	})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.wsMessage("inbound", t)
		}

		reply, done := s.handleClientMessage(ctx, sessionID, parsed)
		if !send(reply) || done {
			break readLoop
		}
	}

	// Let the writer flush queued replies (a logout ack in particular)
	// before the connection closes.
	close(outbound)
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

// handleClientMessage runs one client message and returns the reply. done
// is true when the connection should close afterwards.
func (s *Server) handleClientMessage(ctx context.Context, sessionID string, msg any) (reply any, done bool) {
	switch m := msg.(type) {
	case protocol.ClientTurn:
		if m.SessionID != sessionID {
			return mismatch(sessionID), false
		}
		res, err := s.chat.SubmitTurn(ctx, sessionID, m.Text)
		if err != nil {
			return s.errorEvent(sessionID, "chat", err), isTerminal(err)
		}
		return protocol.AssistantReply{
			Type:        protocol.TypeAssistantReply,
			SessionID:   sessionID,
			TurnID:      res.TurnID,
			Text:        res.Response,
			Cached:      res.Cached,
			Source:      res.Source,
			ContextNote: res.ContextNote,
		}, false
	case protocol.ClientFeedback:
		if m.SessionID != sessionID {
			return mismatch(sessionID), false
		}
		res, err := s.chat.SubmitFeedback(ctx, sessionID, chat.FeedbackRequest{
			Label:    m.Label,
			FreeText: m.FreeText,
			Prompt:   m.Prompt,
			Response: m.Response,
		})
		if err != nil {
			return s.errorEvent(sessionID, "feedback", err), isTerminal(err)
		}
		return protocol.FeedbackAck{
			Type:      protocol.TypeFeedbackAck,
			SessionID: sessionID,
			Label:     m.Label,
			Value:     res.Value,
			Recorded:  res.Recorded,
		}, false
	case protocol.ClientLogout:
		if m.SessionID != sessionID {
			return mismatch(sessionID), false
		}
		if err := s.chat.Logout(ctx, sessionID); err != nil {
			return s.errorEvent(sessionID, "chat", err), isTerminal(err)
		}
		return protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      "logged_out",
		}, true
	default:
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "unsupported_message",
			Source:    "gateway",
		}, false
	}
}

func (s *Server) errorEvent(sessionID, source string, err error) protocol.ErrorEvent {
	status, code := errorStatus(err)
	if status >= 500 {
		s.logger.Error("httpapi: websocket request failed", "session_id", sessionID, "code", code, "error", err)
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: errors.Is(err, chat.ErrPersist),
		Detail:    err.Error(),
	}
}

func mismatch(sessionID string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "session_mismatch",
		Source:    "gateway",
		Detail:    "message session_id does not match the connection",
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, chat.ErrSessionNotFound)
}

func (s *Server) sessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (s *Server) wsMessage(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientTurn:
		return m.Type, true
	case protocol.ClientFeedback:
		return m.Type, true
	case protocol.ClientLogout:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.FeedbackAck:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
