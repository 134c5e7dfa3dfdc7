// Package protocol defines the JSON messages exchanged over the chat
// websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTurn     MessageType = "client_turn"
	TypeClientFeedback MessageType = "client_feedback"
	TypeClientLogout   MessageType = "client_logout"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeFeedbackAck    MessageType = "feedback_ack"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientTurn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ClientFeedback struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Label     string      `json:"label"`
	FreeText  string      `json:"free_text,omitempty"`
	Prompt    string      `json:"prompt,omitempty"`
	Response  string      `json:"response,omitempty"`
}

type ClientLogout struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AssistantReply struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Text        string      `json:"text"`
	Cached      bool        `json:"cached"`
	Source      string      `json:"source"`
	ContextNote string      `json:"context_note,omitempty"`
}

type FeedbackAck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Label     string      `json:"label"`
	Value     float64     `json:"value"`
	Recorded  bool        `json:"recorded"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_turn")
		}
		return msg, nil
	case TypeClientFeedback:
		var msg ClientFeedback
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Label == "" {
			return nil, errors.New("invalid client_feedback")
		}
		return msg, nil
	case TypeClientLogout:
		var msg ClientLogout
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_logout")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
