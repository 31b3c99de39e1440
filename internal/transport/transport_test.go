package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/testutil"
)

var identity = models.Identity{UserID: 1, Token: "t"}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []models.ConnectionState {
	var out []models.ConnectionState
	for _, ev := range r.ofKind(EventState) {
		out = append(out, ev.State)
	}
	return out
}

func newTransport(t *testing.T, cfg Config, opts ...Option) (*Transport, *recorder) {
	t.Helper()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 10 * time.Millisecond
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = time.Second
	}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	tr := New(cfg, opts...)
	rec := &recorder{}
	_, err := tr.Subscribe(rec.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, rec
}

func waitState(t *testing.T, tr *Transport, want models.ConnectionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.True(t, tr.WaitForState(ctx, want), "state %s not reached (now %s)", want, tr.State())
}

// pipeDialer hands out in-memory connections whose server side is drained
// into lines. Dials fail while fail is set.
type pipeDialer struct {
	fail  atomic.Bool
	dials atomic.Int32

	mu    sync.Mutex
	lines []string
	peers []net.Conn
}

func (p *pipeDialer) dial(ctx context.Context, _ string) (net.Conn, error) {
	p.dials.Add(1)
	if p.fail.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	p.mu.Lock()
	p.peers = append(p.peers, server)
	p.mu.Unlock()
	go func() {
		reader := bufio.NewReader(server)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			p.mu.Lock()
			p.lines = append(p.lines, strings.TrimSpace(line))
			p.mu.Unlock()
		}
	}()
	return client, nil
}

func (p *pipeDialer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.peers {
		_ = c.Close()
	}
	p.peers = nil
}

func TestConnectSendsJoinAndDeliversMessages(t *testing.T) {
	server := testutil.NewFakeServer(t)
	tr, rec := newTransport(t, Config{Addr: server.Addr()})

	tr.SetInterest(7)
	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)

	require.Eventually(t, func() bool {
		joins := server.ReceivedOfType("join")
		return len(joins) == 1 && joins[0]["conversationId"] == float64(7) && joins[0]["userId"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)

	server.PushRaw(`{"type":"message","id":3,"conversationId":7,"senderId":2,"body":"hola","createdAt":"2026-03-01T10:00:00Z"}`)
	server.PushRaw(`{"type":"message",`)
	server.PushRaw(`{"type":"typing","conversationId":7}`)
	server.PushRaw(`{"type":"message","id":4,"conversationId":7,"senderId":2,"body":"¿vienes?","createdAt":"2026-03-01T10:00:01Z"}`)

	require.Eventually(t, func() bool { return len(rec.ofKind(EventMessage)) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := rec.ofKind(EventMessage)
	require.Equal(t, int64(3), msgs[0].Message.ID)
	require.Equal(t, int64(4), msgs[1].Message.ID)

	malformed := rec.ofKind(EventMalformed)
	require.Len(t, malformed, 1)
	var merr *models.MalformedEventError
	require.ErrorAs(t, malformed[0].Err, &merr)

	require.Equal(t, models.StateConnected, tr.State(), "malformed input must not affect the connection")
	require.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateConnected}, rec.states())
}

func TestJoinResentOnEveryReconnect(t *testing.T) {
	server := testutil.NewFakeServer(t)
	tr, _ := newTransport(t, Config{Addr: server.Addr()})

	tr.SetInterest(7)
	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)
	require.Eventually(t, func() bool { return len(server.ReceivedOfType("join")) == 1 }, 2*time.Second, 10*time.Millisecond)

	server.DropAll()
	require.True(t, server.WaitForAccepted(2, 3*time.Second))
	waitState(t, tr, models.StateConnected)
	require.Eventually(t, func() bool { return len(server.ReceivedOfType("join")) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, tr.Attempts())
}

func TestSetInterestAnnouncesWhenConnected(t *testing.T) {
	server := testutil.NewFakeServer(t)
	tr, _ := newTransport(t, Config{Addr: server.Addr()})

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)

	tr.SetInterest(9)
	tr.SetInterest(9)
	require.Eventually(t, func() bool {
		joins := server.ReceivedOfType("join")
		return len(joins) == 2 && joins[1]["conversationId"] == float64(9)
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(9), tr.Interest())
}

func TestGivesUpAfterMaxConsecutiveFailures(t *testing.T) {
	dialer := &pipeDialer{}
	dialer.fail.Store(true)
	tr, rec := newTransport(t, Config{Addr: "push", ReconnectDelay: 5 * time.Millisecond, MaxAttempts: 5}, WithDialer(dialer.dial))

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateGivenUp)
	require.Equal(t, int32(5), dialer.dials.Load())
	require.Equal(t, 5, tr.Attempts())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(5), dialer.dials.Load(), "no retries after giving up")
	require.Equal(t, models.StateGivenUp, tr.State())

	states := rec.states()
	require.Equal(t, models.StateGivenUp, states[len(states)-1])

	// Only an explicit connect resumes.
	dialer.fail.Store(false)
	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)
	require.Equal(t, int32(6), dialer.dials.Load())
	require.Equal(t, 0, tr.Attempts())
}

func TestBackgroundWhileReconnectingResetsAndReconnectsOnForeground(t *testing.T) {
	dialer := &pipeDialer{}
	dialer.fail.Store(true)
	tr, _ := newTransport(t, Config{Addr: "push", ReconnectDelay: time.Hour}, WithDialer(dialer.dial))

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateReconnecting)
	require.Equal(t, 1, tr.Attempts())

	tr.SetForeground(false)
	require.Equal(t, models.StateDisconnected, tr.State())
	require.Equal(t, 0, tr.Attempts())

	dialer.fail.Store(false)
	tr.SetForeground(true)
	require.Equal(t, 0, tr.Attempts(), "fresh connect starts from zero")
	waitState(t, tr, models.StateConnected)
	require.Equal(t, int32(2), dialer.dials.Load())
}

func TestDropWhileBackgroundedWaitsForForeground(t *testing.T) {
	server := testutil.NewFakeServer(t)
	tr, rec := newTransport(t, Config{Addr: server.Addr()})

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)

	tr.SetForeground(false)
	require.Equal(t, models.StateConnected, tr.State(), "backgrounding keeps a live connection")

	server.DropAll()
	waitState(t, tr, models.StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, server.Accepted(), "no reconnect while backgrounded")
	require.NotContains(t, rec.states(), models.StateReconnecting)

	tr.SetForeground(true)
	waitState(t, tr, models.StateConnected)
	require.True(t, server.WaitForAccepted(2, 2*time.Second))
}

func TestForegroundWithoutLossDoesNothing(t *testing.T) {
	dialer := &pipeDialer{}
	tr, _ := newTransport(t, Config{Addr: "push"}, WithDialer(dialer.dial))

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)
	tr.SetForeground(false)
	tr.SetForeground(true)
	require.Equal(t, int32(1), dialer.dials.Load())
}

func TestDropWhileForegroundedReconnects(t *testing.T) {
	dialer := &pipeDialer{}
	tr, rec := newTransport(t, Config{Addr: "push"}, WithDialer(dialer.dial))

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)

	dialer.dropAll()
	require.Eventually(t, func() bool { return dialer.dials.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, tr, models.StateConnected)
	require.Eventually(t, func() bool {
		for _, st := range rec.states() {
			if st == models.StateReconnecting {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendRequiresConnection(t *testing.T) {
	tr, _ := newTransport(t, Config{Addr: "push"}, WithDialer((&pipeDialer{}).dial))

	err := tr.Send(context.Background(), models.NewJoinIntent(7, 1))
	var terr *models.TransportError
	require.ErrorAs(t, err, &terr)
	require.ErrorIs(t, err, ErrNotConnected)
}

type noteEvent struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func (noteEvent) EventType() string { return "note" }

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	server := testutil.NewFakeServer(t)
	tr, _ := newTransport(t, Config{Addr: server.Addr(), SendRate: 1000, SendBurst: 50})

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)

	body := strings.Repeat("x", 32*1024)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, tr.Send(context.Background(), noteEvent{Type: "note", Seq: i, Body: body}))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(server.ReceivedOfType("note")) == 20 }, 3*time.Second, 10*time.Millisecond)
	for _, note := range server.ReceivedOfType("note") {
		require.Len(t, note["body"], len(body))
	}
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	tr, _ := newTransport(t, Config{Addr: "push"})
	require.False(t, tr.Connect(models.Identity{}))
	require.Equal(t, models.StateDisconnected, tr.State())
}

func TestCloseIsFinal(t *testing.T) {
	dialer := &pipeDialer{}
	tr, rec := newTransport(t, Config{Addr: "push"}, WithDialer(dialer.dial))

	require.True(t, tr.Connect(identity))
	waitState(t, tr, models.StateConnected)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	require.Equal(t, models.StateDisconnected, tr.State())
	require.False(t, tr.Connect(identity))
	states := rec.states()
	require.Equal(t, models.StateDisconnected, states[len(states)-1])

	err := tr.Send(context.Background(), models.NewJoinIntent(1, 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestReadLineSkipsOversizedLines(t *testing.T) {
	input := strings.Repeat("a", 40) + "\n" + `{"ok":true}` + "\n"
	reader := bufio.NewReaderSize(strings.NewReader(input), 16)

	_, err := readLine(reader, 20)
	require.ErrorIs(t, err, errLineTooLong)

	line, err := readLine(reader, 20)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(line))
}
