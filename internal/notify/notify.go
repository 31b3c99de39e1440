// Package notify decides when an inbound message raises a local notification
// and hands notifications to a host-provided sink.
package notify

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
)

// Surface is the kind of screen consuming inbound messages.
type Surface string

const (
	SurfaceConversationList Surface = "conversation-list"
	SurfaceOpenChat         Surface = "open-chat"
)

// Valid reports whether s is a known surface.
func (s Surface) Valid() bool {
	return s == SurfaceConversationList || s == SurfaceOpenChat
}

// Data is the deep-link payload of a notification.
type Data struct {
	ConversationID int64 `json:"conversationId"`
}

// Notification is handed to the sink.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Data  Data   `json:"data"`
}

// Sink delivers notifications. Delivery is fire-and-forget; errors are logged
// and never retried.
type Sink interface {
	Schedule(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

// Schedule implements Sink.
func (f SinkFunc) Schedule(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Decide reports whether msg should raise a notification: the sender is not
// the local user, the message's conversation is not focused, and the
// consuming surface is the conversation list.
func Decide(msg models.Message, localUserID int64, focusedID int64, focused bool, surface Surface) bool {
	if msg.SenderID == localUserID {
		return false
	}
	if focused && focusedID == msg.ConversationID {
		return false
	}
	return surface == SurfaceConversationList
}

// FocusReader is the read side of the focus tracker.
type FocusReader interface {
	Current() (int64, bool)
}

// Dispatcher applies Decide and schedules notifications.
type Dispatcher struct {
	localUserID  int64
	focus        FocusReader
	sink         Sink
	maxBodyChars int
	logger       zerolog.Logger
	onSent       func(bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMaxBodyChars truncates notification bodies. Zero or less keeps them
// whole.
func WithMaxBodyChars(n int) Option {
	return func(d *Dispatcher) { d.maxBodyChars = n }
}

// WithResultHook is called after each delivery attempt with whether the sink
// accepted the notification.
func WithResultHook(fn func(delivered bool)) Option {
	return func(d *Dispatcher) { d.onSent = fn }
}

// NewDispatcher creates a dispatcher. A nil sink disables delivery.
func NewDispatcher(localUserID int64, focus FocusReader, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		localUserID: localUserID,
		focus:       focus,
		sink:        sink,
		logger:      logging.Component("notify"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe evaluates msg for the given surface and, when the rule allows,
// schedules a notification titled title. Returns whether one was raised.
func (d *Dispatcher) Observe(ctx context.Context, msg models.Message, surface Surface, title string) bool {
	var focusedID int64
	var focused bool
	if d.focus != nil {
		focusedID, focused = d.focus.Current()
	}
	if !Decide(msg, d.localUserID, focusedID, focused, surface) {
		return false
	}
	if d.sink == nil {
		return false
	}

	n := d.Build(msg, title)
	err := d.sink.Schedule(ctx, n)
	if err != nil {
		d.logger.Warn().Err(err).Int64("conversation_id", msg.ConversationID).Msg("notification delivery failed")
	}
	if d.onSent != nil {
		d.onSent(err == nil)
	}
	return true
}

// Build constructs the notification for msg.
func (d *Dispatcher) Build(msg models.Message, title string) Notification {
	if title == "" {
		title = "conversation " + strconv.FormatInt(msg.ConversationID, 10)
	}
	return Notification{
		Title: title,
		Body:  truncate(msg.Body, d.maxBodyChars),
		Data:  Data{ConversationID: msg.ConversationID},
	}
}

func truncate(body string, max int) string {
	if max <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
