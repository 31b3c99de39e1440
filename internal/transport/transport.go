// Package transport owns the single live push-stream connection: it dials,
// tracks connection state, reconnects with a bounded policy, announces the
// conversation of interest, serializes outbound events and fans inbound
// events out to subscribers.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tOgg1/gardenchat/internal/events"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
)

var (
	// ErrNotConnected is wrapped in a *models.TransportError when sending
	// without a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventMessage   EventKind = "message"
	EventState     EventKind = "state"
	EventMalformed EventKind = "malformed"
)

// Event is delivered to subscribers, one at a time, in arrival order.
type Event struct {
	Kind    EventKind
	Message models.Message
	State   models.ConnectionState
	// Attempt is the consecutive failure count at the time of a state change.
	Attempt int
	Err     error
}

// Transport is safe for concurrent use.
type Transport struct {
	cfg     Config
	dial    Dialer
	logger  zerolog.Logger
	metrics Metrics
	limiter *rate.Limiter
	now     func() time.Time

	mu          sync.Mutex
	state       models.ConnectionState
	changedAt   time.Time
	stateCh     chan struct{}
	attempts    int
	identity    models.Identity
	hasIdentity bool
	interest    int64
	foreground  bool
	// resume is set when the connection went away while backgrounded.
	resume     bool
	gen        uint64
	conn       net.Conn
	writer     *bufio.Writer
	retryTimer *time.Timer
	cancelDial context.CancelFunc
	closed     bool

	// sendMu keeps concurrent writes from interleaving on the socket.
	sendMu sync.Mutex

	bus     *events.Bus[Event]
	qmu     sync.Mutex
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
	drained chan struct{}
}

// New creates a disconnected transport and starts its dispatch goroutine.
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:        cfg,
		logger:     logging.Component("transport"),
		metrics:    nopMetrics{},
		now:        time.Now,
		state:      models.StateDisconnected,
		stateCh:    make(chan struct{}),
		foreground: true,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
	t.dial = NetDialer(cfg.DialTimeout)
	for _, opt := range opts {
		opt(t)
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	t.limiter = rate.NewLimiter(limit, cfg.SendBurst)
	t.changedAt = t.now()
	t.bus = events.NewBus[Event]("transport", events.WithLogger(t.logger))
	go t.dispatchLoop()
	return t
}

// Subscribe registers fn for inbound messages, state changes and malformed
// payload reports. Handlers run on the dispatch goroutine.
func (t *Transport) Subscribe(fn func(Event)) (*events.Subscription, error) {
	return t.bus.Subscribe(fn)
}

// State returns the current connection state.
func (t *Transport) State() models.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastChange returns when the state last changed.
func (t *Transport) LastChange() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changedAt
}

// Attempts returns the consecutive failure count.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Interest returns the conversation announced in join intents.
func (t *Transport) Interest() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interest
}

// WaitForState blocks until the transport reaches want or ctx ends.
func (t *Transport) WaitForState(ctx context.Context, want models.ConnectionState) bool {
	for {
		t.mu.Lock()
		if t.state == want {
			t.mu.Unlock()
			return true
		}
		ch := t.stateCh
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

// Connect starts connecting as identity and resets the failure counter. It
// returns immediately; progress is reported through state events. It returns
// false only when the transport is closed or the identity is invalid.
func (t *Transport) Connect(identity models.Identity) bool {
	if err := identity.Validate(); err != nil {
		t.logger.Warn().Err(err).Msg("connect rejected")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	sameIdentity := t.hasIdentity && t.identity.UserID == identity.UserID
	t.identity = identity
	t.hasIdentity = true
	t.attempts = 0
	t.resume = false
	if sameIdentity && (t.state == models.StateConnected || t.state == models.StateConnecting) {
		return true
	}

	t.teardownLocked()
	t.setStateLocked(models.StateConnecting, nil)
	t.startDialLocked()
	return true
}

// SetInterest records the conversation to announce in join intents and
// announces it right away when connected. Zero means none.
func (t *Transport) SetInterest(conversationID int64) {
	if conversationID < 0 {
		conversationID = 0
	}
	t.mu.Lock()
	if t.interest == conversationID {
		t.mu.Unlock()
		return
	}
	t.interest = conversationID
	connected := t.state == models.StateConnected
	gen := t.gen
	join := models.NewJoinIntent(conversationID, t.identity.UserID)
	t.mu.Unlock()

	if !connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	defer cancel()
	if err := t.write(ctx, gen, join); err != nil {
		t.logger.Debug().Err(err).Int64("conversation_id", conversationID).Msg("join intent not delivered")
	}
}

// SetForeground reports process foreground/background transitions. Going to
// the background cancels scheduled retries and resets the failure counter;
// returning to the foreground reconnects if the connection was lost (or was
// being retried) meanwhile.
func (t *Transport) SetForeground(foreground bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.foreground == foreground {
		return
	}
	t.foreground = foreground

	if !foreground {
		if t.state != models.StateGivenUp {
			t.attempts = 0
		}
		if t.state == models.StateReconnecting {
			t.teardownLocked()
			t.resume = true
			t.setStateLocked(models.StateDisconnected, nil)
		}
		t.logger.Debug().Str("state", t.state.String()).Msg("backgrounded")
		return
	}

	if !t.resume || !t.hasIdentity {
		return
	}
	t.resume = false
	t.attempts = 0
	t.logger.Info().Msg("foregrounded; reconnecting")
	t.teardownLocked()
	t.setStateLocked(models.StateConnecting, nil)
	t.startDialLocked()
}

// Send writes one outbound event. It waits for the rate limiter and is
// bounded by the configured send timeout and ctx. Failures are returned as
// *models.TransportError and trigger the reconnection policy.
func (t *Transport) Send(ctx context.Context, ev models.OutboundEvent) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &models.TransportError{Op: "send", Err: ErrClosed}
	}
	if t.state != models.StateConnected || t.conn == nil {
		t.mu.Unlock()
		return &models.TransportError{Op: "send", Err: ErrNotConnected}
	}
	gen := t.gen
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()
	if err := t.limiter.Wait(ctx); err != nil {
		return &models.TransportError{Op: "send", Err: err}
	}
	return t.write(ctx, gen, ev)
}

// Close tears down the connection and stops event delivery.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.teardownLocked()
	t.setStateLocked(models.StateDisconnected, nil)
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	<-t.drained
	t.bus.Close()
	return nil
}

func (t *Transport) write(ctx context.Context, gen uint64, ev any) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if gen != t.gen || t.conn == nil {
		t.mu.Unlock()
		return &models.TransportError{Op: "send", Err: ErrNotConnected}
	}
	conn, writer := t.conn, t.writer
	t.mu.Unlock()

	deadline := time.Now().Add(t.cfg.SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	err := writeJSONLine(writer, ev)
	_ = conn.SetWriteDeadline(time.Time{})

	eventType := "unknown"
	if out, ok := ev.(models.OutboundEvent); ok {
		eventType = out.EventType()
	}
	if err != nil {
		t.mu.Lock()
		t.failLocked(gen, "send", err)
		t.mu.Unlock()
		return &models.TransportError{Op: "send", Err: err}
	}
	t.metrics.ObserveSent(eventType)
	return nil
}

// startDialLocked launches a dial for the current generation.
func (t *Transport) startDialLocked() {
	gen := t.gen
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	t.cancelDial = cancel
	addr := t.cfg.Addr
	go t.dialAndServe(ctx, cancel, gen, addr)
}

func (t *Transport) dialAndServe(ctx context.Context, cancel context.CancelFunc, gen uint64, addr string) {
	defer t.recoverPanic("dial", gen)
	conn, err := t.dial(ctx, addr)
	cancel()

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	t.cancelDial = nil
	if err != nil {
		t.logger.Warn().Err(err).Str("addr", logging.RedactURL(addr)).Int("attempt", t.attempts+1).Msg("connect failed")
		t.failLocked(gen, "connect", err)
		t.mu.Unlock()
		return
	}

	t.conn = conn
	t.writer = bufio.NewWriter(conn)
	t.attempts = 0
	t.setStateLocked(models.StateConnected, nil)
	join := models.NewJoinIntent(t.interest, t.identity.UserID)
	t.mu.Unlock()

	t.logger.Info().Str("addr", logging.RedactURL(addr)).Int64("conversation_id", join.ConversationID).Msg("connected")

	ctx, cancelJoin := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	err = t.write(ctx, gen, join)
	cancelJoin()
	if err != nil {
		return
	}
	t.readLoop(gen, conn)
}

func (t *Transport) readLoop(gen uint64, conn net.Conn) {
	defer t.recoverPanic("read", gen)
	reader := bufio.NewReader(conn)
	for {
		line, err := readLine(reader, t.cfg.MaxLineBytes)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				t.reportMalformed(&models.MalformedEventError{Err: err})
				continue
			}
			t.mu.Lock()
			if gen == t.gen && !t.closed {
				t.logger.Warn().Err(err).Msg("connection lost")
				t.failLocked(gen, "read", err)
			}
			t.mu.Unlock()
			return
		}
		if len(line) == 0 {
			continue
		}

		ev, err := models.DecodeInbound(line)
		if err != nil {
			t.reportMalformed(err)
			continue
		}
		switch ev.Type {
		case models.EventTypeMessage:
			t.emit(Event{Kind: EventMessage, Message: ev.Message()})
		default:
			t.logger.Debug().Str("type", ev.Type).Msg("ignoring event")
		}
	}
}

func (t *Transport) reportMalformed(err error) {
	t.metrics.ObserveMalformed()
	var malformed *models.MalformedEventError
	if errors.As(err, &malformed) {
		t.logger.Warn().Err(malformed.Err).Int("bytes", len(malformed.Payload)).Msg("dropping malformed event")
	}
	t.emit(Event{Kind: EventMalformed, Err: err})
}

// failLocked applies the reconnection policy after a connect, read or send
// failure of generation gen.
func (t *Transport) failLocked(gen uint64, op string, cause error) {
	if gen != t.gen || t.closed {
		return
	}
	t.metrics.ObserveFailure(op)
	t.teardownLocked()
	err := &models.TransportError{Op: op, Err: cause}

	if !t.foreground {
		t.attempts = 0
		t.resume = true
		t.setStateLocked(models.StateDisconnected, err)
		return
	}

	t.attempts++
	if t.attempts >= t.cfg.MaxAttempts {
		t.logger.Warn().Int("attempt", t.attempts).Msg("giving up reconnecting")
		t.setStateLocked(models.StateGivenUp, err)
		return
	}
	t.setStateLocked(models.StateReconnecting, err)

	retryGen := t.gen
	t.retryTimer = time.AfterFunc(t.cfg.ReconnectDelay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if retryGen != t.gen || t.closed || t.state != models.StateReconnecting {
			return
		}
		t.retryTimer = nil
		t.logger.Debug().Int("attempt", t.attempts+1).Msg("retrying connect")
		t.startDialLocked()
	})
}

// teardownLocked invalidates the current generation: it stops timers,
// cancels an in-flight dial and closes the connection.
func (t *Transport) teardownLocked() {
	t.gen++
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
		t.writer = nil
	}
}

func (t *Transport) setStateLocked(state models.ConnectionState, err error) {
	if t.state == state {
		return
	}
	prev := t.state
	t.state = state
	t.changedAt = t.now()
	close(t.stateCh)
	t.stateCh = make(chan struct{})
	t.metrics.SetConnectionState(state)
	t.logger.Debug().Str("from", prev.String()).Str("state", state.String()).Int("attempt", t.attempts).Msg("state changed")
	t.emit(Event{Kind: EventState, State: state, Attempt: t.attempts, Err: err})
}

func (t *Transport) emit(ev Event) {
	t.qmu.Lock()
	t.queue = append(t.queue, ev)
	t.qmu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) dispatchLoop() {
	defer close(t.drained)
	for {
		select {
		case <-t.wake:
			t.flushQueue()
		case <-t.done:
			t.flushQueue()
			return
		}
	}
}

func (t *Transport) flushQueue() {
	for {
		t.qmu.Lock()
		batch := t.queue
		t.queue = nil
		t.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			t.bus.Publish(ev)
		}
	}
}

func (t *Transport) recoverPanic(where string, gen uint64) {
	if r := recover(); r != nil {
		t.logger.Error().Str("loop", where).Interface("panic", r).Msg("transport goroutine panicked")
		t.mu.Lock()
		t.failLocked(gen, where, fmt.Errorf("panic: %v", r))
		t.mu.Unlock()
	}
}
