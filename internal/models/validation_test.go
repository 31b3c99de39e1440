package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorsIs(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("conversationId", ErrInvalidConversationID)

	err := validation.Err()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidConversationID))
	require.True(t, validation.Has("conversationId"))
	require.False(t, validation.Has("senderId"))
}

func TestValidationErrorsNestedFields(t *testing.T) {
	nested := &ValidationErrors{}
	nested.AddMessage("body", "message body is required")

	validation := &ValidationErrors{}
	validation.Add("message", nested)

	var list *ValidationErrors
	require.ErrorAs(t, validation.Err(), &list)
	require.Len(t, list.Errors, 1)
	require.Equal(t, "message.body", list.Errors[0].Field)
}

func TestMessageValidate(t *testing.T) {
	ok := Message{ID: 1, ConversationID: 7, SenderID: 3}
	require.NoError(t, ok.Validate())

	bad := Message{}
	err := bad.Validate()
	require.ErrorIs(t, err, ErrInvalidMessageID)
	require.ErrorIs(t, err, ErrInvalidConversationID)
	require.ErrorIs(t, err, ErrInvalidSenderID)

	pending := Message{ConversationID: 7, SenderID: 3, Pending: true}
	err = pending.Validate()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidMessageID)

	pending.ClientRef = "c-1"
	require.NoError(t, pending.Validate())
}
