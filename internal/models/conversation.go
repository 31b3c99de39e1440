package models

import (
	"strings"
	"time"
)

// ConversationKind identifies the conversation type.
type ConversationKind string

const (
	// ConversationKindDirect is a 1:1 conversation.
	ConversationKindDirect ConversationKind = "direct"
)

// UserRef identifies the other participant of a conversation.
type UserRef struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role,omitempty"`
}

// DisplayName returns "First Last", falling back to the user id.
func (u *UserRef) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	return "user " + formatID(u.ID)
}

// Conversation is a 1:1 thread between the local user and a counterpart.
type Conversation struct {
	ID          int64               `json:"id"`
	Kind        ConversationKind    `json:"kind"`
	Counterpart *UserRef            `json:"counterpart,omitempty"`
	Messages    []Message           `json:"messages,omitempty"`
	LastMessage *LastMessageSummary `json:"lastMessage,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Title is the label shown for the conversation in lists and notifications.
func (c *Conversation) Title() string {
	if c.Counterpart != nil {
		return c.Counterpart.DisplayName()
	}
	return "conversation " + formatID(c.ID)
}

// SortKey is the timestamp used to order the conversation list: the last
// message time when known, otherwise the creation time.
func (c *Conversation) SortKey() time.Time {
	if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Counterpart != nil {
		cp := *c.Counterpart
		out.Counterpart = &cp
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	return out
}

// Validate checks the conversation record.
func (c *Conversation) Validate() error {
	validation := &ValidationErrors{}
	if c.ID <= 0 {
		validation.Add("id", ErrInvalidConversationID)
	}
	switch c.Kind {
	case "", ConversationKindDirect:
	default:
		validation.AddMessage("kind", "unsupported conversation kind "+string(c.Kind))
	}
	return validation.Err()
}
