package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/tOgg1/gardenchat/internal/api"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/notify"
)

// ErrViewClosed is returned by a View after Close, and by Reload when the
// fetched history was discarded because the view closed meanwhile.
var ErrViewClosed = errors.New("conversation view closed")

// View is an open conversation screen. While it is open the conversation is
// focused: its unread counter stays at zero and it raises no notifications.
type View struct {
	rt *Runtime
	id int64

	mu      sync.Mutex
	closed  bool
	loaded  bool
	lastErr error
}

// OpenConversation focuses a conversation, resets its unread counter,
// announces it to the transport and loads its history. Opening a
// conversation supersedes the previously open view.
//
// A failed history load still returns the open view together with a
// *models.HistoryFetchError; call Reload to retry.
func (r *Runtime) OpenConversation(ctx context.Context, conversationID int64) (*View, error) {
	if conversationID <= 0 {
		return nil, models.ErrInvalidConversationID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	prev := r.active
	v := &View{rt: r, id: conversationID}
	r.active = v
	r.mu.Unlock()

	if prev != nil {
		prev.markClosed()
	}

	r.focus.Set(conversationID)
	if err := r.counters.Reset(ctx, conversationID); err != nil {
		r.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("unread reset not persisted")
	}
	r.transport.SetInterest(conversationID)

	if err := v.Reload(ctx); err != nil {
		return v, err
	}
	return v, nil
}

// HandleNotificationTap deep-links into the notification's conversation.
func (r *Runtime) HandleNotificationTap(ctx context.Context, n notify.Notification) (*View, error) {
	return r.OpenConversation(ctx, n.Data.ConversationID)
}

func (r *Runtime) activeView() *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ID is the conversation id.
func (v *View) ID() int64 { return v.id }

// Conversation returns the current snapshot of the conversation.
func (v *View) Conversation() (models.Conversation, bool) {
	return v.rt.store.Conversation(v.id)
}

// Messages returns the conversation's messages in display order.
func (v *View) Messages() []models.Message {
	return v.rt.store.Messages(v.id)
}

// Send sends body to the conversation. See Runtime.Send.
func (v *View) Send(ctx context.Context, body string) (models.Message, error) {
	if v.Closed() {
		return models.Message{}, &models.SendError{ConversationID: v.id, Draft: body, Err: ErrViewClosed}
	}
	return v.rt.Send(ctx, v.id, body)
}

// Reload fetches the history again and replaces the local view with it. The
// result is dropped if the view closes while the fetch is in flight.
func (v *View) Reload(ctx context.Context) error {
	if v.Closed() {
		return ErrViewClosed
	}
	r := v.rt
	logger := logging.WithConversation(r.logger, v.id)

	if r.api == nil {
		return v.fail(&models.HistoryFetchError{ConversationID: v.id, Err: api.ErrNotConfigured})
	}
	mark := r.store.Mark()
	messages, err := r.api.FetchMessages(ctx, v.id)
	r.metrics.ObserveHistoryFetch(err)
	if err != nil {
		logger.Warn().Err(err).Msg("history fetch failed")
		return v.fail(&models.HistoryFetchError{ConversationID: v.id, Err: err})
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		logger.Debug().Int("messages", len(messages)).Msg("history discarded for closed view")
		return ErrViewClosed
	}
	r.store.LoadHistorySince(v.id, messages, mark)
	v.loaded = true
	v.lastErr = nil
	return nil
}

func (v *View) fail(err error) error {
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
	return err
}

// Loaded reports whether a history load has succeeded.
func (v *View) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded
}

// Err is the last history load error, nil after a successful load.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

// Closed reports whether Close was called or the view was superseded.
func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Close unmounts the view: focus is cleared if it still points here and the
// transport interest is withdrawn. Safe to call more than once.
func (v *View) Close() {
	if !v.markClosed() {
		return
	}
	r := v.rt
	r.focus.Clear(v.id)

	r.mu.Lock()
	current := r.active == v
	if current {
		r.active = nil
	}
	r.mu.Unlock()

	if current {
		r.transport.SetInterest(0)
	}
}

func (v *View) markClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.closed = true
	return true
}
