package messaging

import (
	"context"

	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/metrics"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/transport"
)

// enqueue runs on the transport dispatcher and hands events to the loop in
// arrival order.
func (r *Runtime) enqueue(ev transport.Event) {
	select {
	case r.inbound <- ev:
	case <-r.done:
	}
}

func (r *Runtime) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case ev := <-r.inbound:
			r.handle(ctx, ev)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, ev transport.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("kind", string(ev.Kind)).Interface("panic", rec).Msg("inbound handler panicked")
		}
	}()

	switch ev.Kind {
	case transport.EventMessage:
		r.handleMessage(ctx, ev.Message)
	case transport.EventState:
		r.handleState(ev)
	case transport.EventMalformed:
		r.logger.Debug().Err(ev.Err).Msg("malformed event dropped")
	}
}

func (r *Runtime) handleMessage(ctx context.Context, msg models.Message) {
	_, known := r.store.Conversation(msg.ConversationID)
	if !r.store.ApplyInbound(msg) {
		r.metrics.ObserveInbound(metrics.InboundDuplicate)
		return
	}
	r.metrics.ObserveInbound(metrics.InboundApplied)

	logger := logging.WithConversation(r.logger, msg.ConversationID).With().
		Int64("message_id", msg.ID).
		Logger()

	if msg.SenderID != r.cfg.Identity.UserID && !r.focus.Is(msg.ConversationID) {
		if n, err := r.counters.Increment(ctx, msg.ConversationID); err == nil {
			logger.Debug().Int("unread", n).Msg("unread incremented")
		}
	}

	title := ""
	if conv, ok := r.store.Conversation(msg.ConversationID); ok {
		title = conv.Title()
	}
	for _, surface := range r.attachedSurfaces() {
		raised := r.dispatcher.Observe(ctx, msg, surface, title)
		r.metrics.ObserveNotification(raised)
		if raised {
			n := r.dispatcher.Build(msg, title)
			r.bus.Publish(Update{Kind: UpdateNotification, ConversationID: msg.ConversationID, Notification: &n})
		}
	}

	if !known && r.api != nil {
		r.refreshInBackground("unknown conversation")
	}
}

func (r *Runtime) handleState(ev transport.Event) {
	r.bus.Publish(Update{Kind: UpdateConnection, State: ev.State, Attempt: ev.Attempt, Err: ev.Err})
	if ev.State != models.StateConnected {
		return
	}

	r.mu.Lock()
	reconnect := r.hasConnected
	r.hasConnected = true
	r.mu.Unlock()

	if reconnect && r.cfg.ResyncOnReconnect {
		r.goAsync("resync", r.resync)
	}
}

// resync closes the gap left by a reconnect: the list picks up new
// conversations and summaries, the open conversation reloads its history.
func (r *Runtime) resync(ctx context.Context) {
	if r.api == nil {
		return
	}
	if _, err := r.RefreshConversations(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("resync: conversation refresh failed")
	}
	if v := r.activeView(); v != nil {
		if err := v.Reload(ctx); err != nil {
			r.logger.Warn().Err(err).Int64("conversation_id", v.id).Msg("resync: history reload failed")
		}
	}
}

func (r *Runtime) refreshInBackground(reason string) {
	if !r.refreshing.CompareAndSwap(false, true) {
		return
	}
	started := r.goAsync("refresh", func(ctx context.Context) {
		defer r.refreshing.Store(false)
		if _, err := r.RefreshConversations(ctx); err != nil {
			r.logger.Warn().Err(err).Str("reason", reason).Msg("conversation refresh failed")
		}
	})
	if !started {
		r.refreshing.Store(false)
	}
}
