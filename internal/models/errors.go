package models

import (
	"errors"
	"fmt"
)

// Validation sentinels.
var (
	ErrInvalidMessageID      = errors.New("message id must be positive")
	ErrInvalidConversationID = errors.New("conversation id must be positive")
	ErrInvalidSenderID       = errors.New("sender id must be positive")
	ErrInvalidUserID         = errors.New("user id must be positive")
	ErrEmptyBody             = errors.New("message body is empty")
)

// TransportError is a connect or send failure on the push stream. It is
// recoverable and drives reconnection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport " + e.Op
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedEventError is an inbound payload that could not be parsed. The
// event is dropped; the connection is unaffected.
type MalformedEventError struct {
	Payload string
	Err     error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %v", e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// HistoryFetchError is a failed history or conversation-list load. It is shown
// to the user with a retry affordance and never retried automatically.
type HistoryFetchError struct {
	ConversationID int64
	Err            error
}

func (e *HistoryFetchError) Error() string {
	if e.ConversationID == 0 {
		return fmt.Sprintf("fetch conversations: %v", e.Err)
	}
	return fmt.Sprintf("fetch history for conversation %d: %v", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendError is a failed send. Draft holds the text to restore into the
// composer.
type SendError struct {
	ConversationID int64
	Draft          string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to conversation %d: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
