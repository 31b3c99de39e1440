package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/tOgg1/gardenchat/internal/api"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
)

// RefreshConversations fetches the conversation list, merges it into the
// store and prunes unread counters of conversations no longer listed.
func (r *Runtime) RefreshConversations(ctx context.Context) ([]models.Conversation, error) {
	if r.api == nil {
		return nil, &models.HistoryFetchError{Err: api.ErrNotConfigured}
	}
	convs, err := r.api.ListConversations(ctx)
	r.metrics.ObserveHistoryFetch(err)
	if err != nil {
		return nil, &models.HistoryFetchError{Err: err}
	}

	r.store.UpsertAll(convs)

	keep := make([]int64, 0, len(convs))
	for _, c := range convs {
		keep = append(keep, c.ID)
	}
	if _, err := r.counters.Prune(ctx, keep); err != nil {
		r.logger.Warn().Err(err).Msg("unread prune not persisted")
	}
	return r.store.ListConversations(), nil
}

// Send inserts body optimistically, posts it and reconciles the server copy
// with the optimistic entry. On failure the entry is removed and a
// *models.SendError carrying the draft is returned.
func (r *Runtime) Send(ctx context.Context, conversationID int64, body string) (models.Message, error) {
	sendErr := func(err error) error {
		return &models.SendError{ConversationID: conversationID, Draft: body, Err: err}
	}
	if conversationID <= 0 {
		return models.Message{}, sendErr(models.ErrInvalidConversationID)
	}
	if strings.TrimSpace(body) == "" {
		return models.Message{}, sendErr(models.ErrEmptyBody)
	}
	if r.isClosed() {
		return models.Message{}, sendErr(ErrClosed)
	}
	if r.api == nil {
		return models.Message{}, sendErr(api.ErrNotConfigured)
	}

	logger := logging.WithConversation(r.logger, conversationID)
	pending := r.store.AddPending(conversationID, body)

	start := r.now()
	msg, err := r.api.SendMessage(ctx, conversationID, body)
	r.metrics.ObserveSend(r.now().Sub(start).Seconds())
	if err != nil {
		r.store.DiscardPending(conversationID, pending.ClientRef)
		logger.Warn().Err(err).Msg("send failed")
		return models.Message{}, sendErr(err)
	}

	r.store.ApplySentEcho(pending.ClientRef, msg)
	logger.Debug().Int64("message_id", msg.ID).Msg("message sent")
	return msg, nil
}

// ClearHistory deletes the conversation's messages server-side, then empties
// the local view. The conversation stays listed.
func (r *Runtime) ClearHistory(ctx context.Context, conversationID int64) (int, error) {
	if conversationID <= 0 {
		return 0, models.ErrInvalidConversationID
	}
	if r.api == nil {
		return 0, api.ErrNotConfigured
	}
	deleted, err := r.api.ClearHistory(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("clear history of conversation %d: %w", conversationID, err)
	}
	r.store.ClearHistory(conversationID)
	r.logger.Info().Int64("conversation_id", conversationID).Int("deleted", deleted).Msg("history cleared")
	return deleted, nil
}

// CreateConversation opens a direct conversation with participantID and adds
// it to the store.
func (r *Runtime) CreateConversation(ctx context.Context, participantID int64) (models.Conversation, error) {
	if participantID <= 0 {
		return models.Conversation{}, models.ErrInvalidUserID
	}
	if r.api == nil {
		return models.Conversation{}, api.ErrNotConfigured
	}
	conv, err := r.api.CreateConversation(ctx, participantID, models.ConversationKindDirect)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation with user %d: %w", participantID, err)
	}
	r.store.Upsert(conv)
	if stored, ok := r.store.Conversation(conv.ID); ok {
		return stored, nil
	}
	return conv, nil
}
