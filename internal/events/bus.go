// Package events provides in-process publish/subscribe for gardenchat
// components.
package events

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/gardenchat/internal/logging"
)

// Handler is invoked for every published value.
type Handler[T any] func(T)

// Bus is a typed in-memory publisher. Handlers run synchronously in the
// publishing goroutine, in subscription order, outside the bus lock. A
// panicking handler is recovered and logged.
type Bus[T any] struct {
	name   string
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Handler[T]
	closed bool
}

// Option configures a Bus.
type Option func(*busOptions)

type busOptions struct {
	logger *zerolog.Logger
}

// WithLogger overrides the logger used to report handler panics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *busOptions) {
		o.logger = &logger
	}
}

// NewBus creates a bus. The name shows up in panic logs.
func NewBus[T any](name string, opts ...Option) *Bus[T] {
	var o busOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component("events")
	if o.logger != nil {
		logger = *o.logger
	}
	return &Bus[T]{
		name:   name,
		logger: logger.With().Str("bus", name).Logger(),
		subs:   make(map[uint64]Handler[T]),
	}
}

// Subscribe registers fn and returns a token used to unsubscribe.
func (b *Bus[T]) Subscribe(fn Handler[T]) (*Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = fn

	return &Subscription{cancel: func() { b.unsubscribe(id) }}, nil
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers v to every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	if b.closed || len(b.subs) == 0 {
		b.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, v)
	}
}

func (b *Bus[T]) invoke(handler Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	handler(v)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Later publishes are no-ops and later
// subscribes fail with ErrBusClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]Handler[T])
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Errors for bus operations.
var (
	ErrNilHandler = &BusError{Message: "handler cannot be nil"}
	ErrBusClosed  = &BusError{Message: "bus is closed"}
)

// BusError represents an error from bus operations.
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
