// Package messaging is the client runtime: it routes live transport events
// into the conversation store, unread counters and notification dispatcher,
// and exposes conversation operations to presentation layers.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/gardenchat/internal/api"
	"github.com/tOgg1/gardenchat/internal/conversations"
	"github.com/tOgg1/gardenchat/internal/dedup"
	"github.com/tOgg1/gardenchat/internal/events"
	"github.com/tOgg1/gardenchat/internal/focus"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/notify"
	"github.com/tOgg1/gardenchat/internal/transport"
	"github.com/tOgg1/gardenchat/internal/unread"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runtime already started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("runtime closed")
	// ErrNoTransport is returned by New without a transport.
	ErrNoTransport = errors.New("transport is required")
	// ErrNoCounters is returned by New without an unread store.
	ErrNoCounters = errors.New("unread counter store is required")
)

// inboundBuffer bounds events queued between the transport and the serial
// loop. A full buffer applies backpressure to the transport dispatcher.
const inboundBuffer = 256

// EventSource is the live connection the runtime consumes.
type EventSource interface {
	Subscribe(fn func(transport.Event)) (*events.Subscription, error)
	Connect(identity models.Identity) bool
	SetInterest(conversationID int64)
	SetForeground(foreground bool)
	State() models.ConnectionState
	LastChange() time.Time
	Close() error
}

var _ EventSource = (*transport.Transport)(nil)

// Metrics receives runtime observations.
type Metrics interface {
	ObserveInbound(outcome string)
	ObserveNotification(raised bool)
	SetUnreadTotal(total int)
	ObserveHistoryFetch(err error)
	ObserveSend(seconds float64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveInbound(string)     {}
func (nopMetrics) ObserveNotification(bool)  {}
func (nopMetrics) SetUnreadTotal(int)        {}
func (nopMetrics) ObserveHistoryFetch(error) {}
func (nopMetrics) ObserveSend(float64)       {}

// Config holds runtime settings.
type Config struct {
	Identity models.Identity

	// ResyncOnReconnect refetches the conversation list and the open
	// conversation's history whenever the connection comes back.
	ResyncOnReconnect bool

	// NotificationBodyChars truncates notification bodies (0 keeps them).
	NotificationBodyChars int
}

// Deps are the collaborators a Runtime is built from. Transport and
// Counters are required; the rest default.
type Deps struct {
	Transport EventSource
	API       api.Collaborator
	Counters  *unread.Store
	Sink      notify.Sink
	Focus     *focus.Tracker
	Ledger    *dedup.Ledger
	Store     *conversations.Store
	Logger    *zerolog.Logger
	Metrics   Metrics
	Clock     func() time.Time
}

// UpdateKind identifies what changed.
type UpdateKind string

const (
	UpdateConnection   UpdateKind = "connection"
	UpdateConversation UpdateKind = "conversation"
	UpdateUnread       UpdateKind = "unread"
	UpdateNotification UpdateKind = "notification"
)

// Update is published to presentation layers.
type Update struct {
	Kind           UpdateKind
	ConversationID int64

	// Connection updates.
	State   models.ConnectionState
	Attempt int
	Err     error

	// Conversation updates. Message is set for message-level changes.
	Change  conversations.ChangeKind
	Message *models.Message

	// Unread updates.
	Unread unread.Counts

	// Notification updates.
	Notification *notify.Notification
}

// Runtime ties the messaging components together. It is safe for
// concurrent use.
type Runtime struct {
	cfg        Config
	transport  EventSource
	api        api.Collaborator
	counters   *unread.Store
	focus      *focus.Tracker
	store      *conversations.Store
	dispatcher *notify.Dispatcher
	logger     zerolog.Logger
	metrics    Metrics
	now        func() time.Time

	bus     *events.Bus[Update]
	inbound chan transport.Event
	done    chan struct{}
	wg      sync.WaitGroup

	refreshing atomic.Bool

	mu            sync.Mutex
	started       bool
	closed        bool
	hasConnected  bool
	surfaces      map[notify.Surface]int
	active        *View
	subscriptions []*events.Subscription
}

// New builds a runtime. It does not connect; call Start then Connect.
func New(cfg Config, deps Deps) (*Runtime, error) {
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if deps.Counters == nil {
		return nil, ErrNoCounters
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	logger := logging.Component("messaging")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	logger = logger.With().Int64("user_id", cfg.Identity.UserID).Logger()

	r := &Runtime{
		cfg:       cfg,
		transport: deps.Transport,
		api:       deps.API,
		counters:  deps.Counters,
		focus:     deps.Focus,
		store:     deps.Store,
		logger:    logger,
		metrics:   deps.Metrics,
		now:       deps.Clock,
		inbound:   make(chan transport.Event, inboundBuffer),
		done:      make(chan struct{}),
		surfaces:  make(map[notify.Surface]int),
	}
	if r.focus == nil {
		r.focus = focus.NewTracker()
	}
	if r.store == nil {
		ledger := deps.Ledger
		if ledger == nil {
			ledger = dedup.NewLedger(dedup.DefaultCapacity)
		}
		r.store = conversations.NewStore(cfg.Identity.UserID, ledger, conversations.WithLogger(logger))
	} else if r.store.LocalUserID() != cfg.Identity.UserID {
		return nil, fmt.Errorf("conversation store belongs to user %d, not %d", r.store.LocalUserID(), cfg.Identity.UserID)
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.dispatcher = notify.NewDispatcher(
		cfg.Identity.UserID,
		r.focus,
		deps.Sink,
		notify.WithLogger(logger),
		notify.WithMaxBodyChars(cfg.NotificationBodyChars),
	)
	r.bus = events.NewBus[Update]("messaging", events.WithLogger(logger))
	return r, nil
}

// Start subscribes to the transport and the stores and starts the serial
// inbound loop. ctx bounds the loop and the writes it performs.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return ErrAlreadyStarted
	}

	transportSub, err := r.transport.Subscribe(r.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe transport: %w", err)
	}
	storeSub, err := r.store.Subscribe(r.onStoreChange)
	if err != nil {
		transportSub.Unsubscribe()
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	unreadSub, err := r.counters.Subscribe(r.onUnreadChange)
	if err != nil {
		transportSub.Unsubscribe()
		storeSub.Unsubscribe()
		return fmt.Errorf("subscribe unread: %w", err)
	}
	r.subscriptions = []*events.Subscription{transportSub, storeSub, unreadSub}
	r.metrics.SetUnreadTotal(r.counters.Total())

	r.started = true
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Debug().Msg("runtime started")
	return nil
}

// Connect asks the transport to connect as the configured identity. It
// returns immediately; progress is reported through connection updates.
func (r *Runtime) Connect() bool {
	if r.isClosed() {
		return false
	}
	return r.transport.Connect(r.cfg.Identity)
}

// SetForeground forwards process visibility to the transport.
func (r *Runtime) SetForeground(foreground bool) {
	r.transport.SetForeground(foreground)
}

// ConnectionState is the transport's current state.
func (r *Runtime) ConnectionState() models.ConnectionState {
	return r.transport.State()
}

// LastStateChange is when the transport last changed state.
func (r *Runtime) LastStateChange() time.Time {
	return r.transport.LastChange()
}

// Identity is the local user.
func (r *Runtime) Identity() models.Identity {
	return r.cfg.Identity
}

// Conversations returns the ordered conversation list.
func (r *Runtime) Conversations() []models.Conversation {
	return r.store.ListConversations()
}

// Conversation returns one conversation with its messages.
func (r *Runtime) Conversation(conversationID int64) (models.Conversation, bool) {
	return r.store.Conversation(conversationID)
}

// Unread returns a snapshot of the unread counters.
func (r *Runtime) Unread() unread.Counts {
	return r.counters.GetAll()
}

// Focus returns the focused conversation, if any.
func (r *Runtime) Focus() (int64, bool) {
	return r.focus.Current()
}

// Subscribe registers fn for runtime updates. Handlers run synchronously on
// the publishing goroutine and must not block.
func (r *Runtime) Subscribe(fn func(Update)) (*events.Subscription, error) {
	return r.bus.Subscribe(fn)
}

// AttachSurface registers a mounted surface. Notifications are raised only
// while a conversation-list surface is attached. The returned func detaches
// it and is safe to call more than once.
func (r *Runtime) AttachSurface(surface notify.Surface) (detach func()) {
	if !surface.Valid() {
		return func() {}
	}
	r.mu.Lock()
	r.surfaces[surface]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.surfaces[surface] <= 1 {
				delete(r.surfaces, surface)
				return
			}
			r.surfaces[surface]--
		})
	}
}

func (r *Runtime) attachedSurfaces() []notify.Surface {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Surface, 0, len(r.surfaces))
	// Fixed order keeps notification delivery deterministic.
	for _, s := range []notify.Surface{notify.SurfaceConversationList, notify.SurfaceOpenChat} {
		if r.surfaces[s] > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Close stops the inbound loop, closes any open view and releases the
// transport and the counter store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subscriptions
	r.subscriptions = nil
	active := r.active
	r.active = nil
	close(r.done)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if active != nil {
		active.markClosed()
		r.focus.Clear(active.id)
	}

	r.wg.Wait()
	r.bus.Close()

	var errs []error
	if err := r.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := r.counters.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close unread store: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// goAsync runs fn on a tracked goroutine unless the runtime is closing. The
// context passed to fn is cancelled by Close.
func (r *Runtime) goAsync(name string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-r.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Str("task", name).Interface("panic", rec).Msg("background task panicked")
			}
		}()
		fn(ctx)
	}()
	return true
}

func (r *Runtime) onStoreChange(c conversations.Change) {
	r.bus.Publish(Update{Kind: UpdateConversation, ConversationID: c.ConversationID, Change: c.Kind, Message: c.Message})
}

func (r *Runtime) onUnreadChange(c unread.Counts) {
	r.metrics.SetUnreadTotal(c.Total())
	r.bus.Publish(Update{Kind: UpdateUnread, Unread: c})
}
