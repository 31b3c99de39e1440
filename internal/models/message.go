package models

import (
	"strings"
	"time"
)

// Message is a single chat message inside a conversation.
//
// ClientRef and Pending are local-only. A pending message was inserted
// optimistically by the sender and has no server id yet (ID == 0).
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`

	ClientRef string `json:"-"`
	Pending   bool   `json:"-"`
}

// Validate checks a server-assigned message.
func (m *Message) Validate() error {
	validation := &ValidationErrors{}
	if !m.Pending && m.ID <= 0 {
		validation.Add("id", ErrInvalidMessageID)
	}
	if m.ConversationID <= 0 {
		validation.Add("conversationId", ErrInvalidConversationID)
	}
	if m.SenderID <= 0 {
		validation.Add("senderId", ErrInvalidSenderID)
	}
	if m.Pending && strings.TrimSpace(m.ClientRef) == "" {
		validation.AddMessage("clientRef", "pending message requires a client reference")
	}
	return validation.Err()
}

// Summary returns the list-row summary for this message.
func (m Message) Summary() *LastMessageSummary {
	return &LastMessageSummary{
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		SenderID:  m.SenderID,
	}
}

// LastMessageSummary is the newest message of a conversation, as shown in the
// conversation list.
type LastMessageSummary struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  int64     `json:"senderId"`
}
