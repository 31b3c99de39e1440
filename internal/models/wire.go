package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push stream event types.
const (
	EventTypeMessage = "message"
	EventTypeJoin    = "join"
)

// InboundEvent is one line received on the push stream.
type InboundEvent struct {
	Type           string    `json:"type"`
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message converts a message event into a Message.
func (e InboundEvent) Message() Message {
	return Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Body:           e.Body,
		CreatedAt:      e.CreatedAt,
	}
}

// DecodeInbound parses a raw push line. Parse failures and message events that
// fail validation are reported as *MalformedEventError. Events of unknown type
// decode successfully; callers decide whether to ignore them.
func DecodeInbound(line []byte) (InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return InboundEvent{}, &MalformedEventError{Payload: truncatePayload(line), Err: err}
	}
	if ev.Type == "" {
		return InboundEvent{}, &MalformedEventError{Payload: truncatePayload(line), Err: fmt.Errorf("missing type")}
	}
	if ev.Type == EventTypeMessage {
		msg := ev.Message()
		if err := msg.Validate(); err != nil {
			return InboundEvent{}, &MalformedEventError{Payload: truncatePayload(line), Err: err}
		}
	}
	return ev, nil
}

// OutboundEvent is anything the client writes to the push stream.
type OutboundEvent interface {
	EventType() string
}

// JoinIntent tells the server which conversation the client is viewing.
// ConversationID 0 means no conversation is focused.
type JoinIntent struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId,omitempty"`
}

// NewJoinIntent builds a join intent.
func NewJoinIntent(conversationID, userID int64) JoinIntent {
	return JoinIntent{Type: EventTypeJoin, ConversationID: conversationID, UserID: userID}
}

// EventType implements OutboundEvent.
func (j JoinIntent) EventType() string { return EventTypeJoin }

const maxPayloadEcho = 256

func truncatePayload(line []byte) string {
	if len(line) <= maxPayloadEcho {
		return string(line)
	}
	return string(line[:maxPayloadEcho])
}
