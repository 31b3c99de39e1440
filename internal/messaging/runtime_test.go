package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/gardenchat/internal/events"
	"github.com/tOgg1/gardenchat/internal/kv"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/notify"
	"github.com/tOgg1/gardenchat/internal/testutil"
	"github.com/tOgg1/gardenchat/internal/transport"
	"github.com/tOgg1/gardenchat/internal/unread"
)

const (
	localUser = int64(42)
	gardener  = int64(9)
)

var (
	baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	identity = models.Identity{UserID: localUser, FirstName: "Sam", LastName: "Reyes"}
)

// fakeSource stands in for the transport so tests control every event.
type fakeSource struct {
	bus *events.Bus[transport.Event]

	mu         sync.Mutex
	state      models.ConnectionState
	connects   int
	interest   []int64
	foreground []bool
	closed     bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{bus: events.NewBus[transport.Event]("fake-transport")}
}

func (f *fakeSource) Subscribe(fn func(transport.Event)) (*events.Subscription, error) {
	return f.bus.Subscribe(fn)
}

func (f *fakeSource) Connect(models.Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return true
}

func (f *fakeSource) SetInterest(conversationID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interest = append(f.interest, conversationID)
}

func (f *fakeSource) SetForeground(foreground bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = append(f.foreground, foreground)
}

func (f *fakeSource) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) LastChange() time.Time { return baseTime }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) lastInterest() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.interest) == 0 {
		return -1
	}
	return f.interest[len(f.interest)-1]
}

func (f *fakeSource) pushMessage(msg models.Message) {
	f.bus.Publish(transport.Event{Kind: transport.EventMessage, Message: msg})
}

func (f *fakeSource) pushState(state models.ConnectionState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.bus.Publish(transport.Event{Kind: transport.EventState, State: state})
}

type sinkRecorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (s *sinkRecorder) Schedule(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *sinkRecorder) all() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.got...)
}

type harness struct {
	rt       *Runtime
	src      *fakeSource
	api      *testutil.FakeAPI
	sink     *sinkRecorder
	counters *unread.Store
}

func newHarness(t *testing.T, cfg Config, seed map[string]string) *harness {
	t.Helper()
	logger := zerolog.Nop()
	fakeAPI := testutil.NewFakeAPI(t, localUser)
	client := newAPIClient(t, fakeAPI)

	counters, err := unread.New(context.Background(), kv.NewMemoryStore(seed), unread.WithLogger(logger))
	require.NoError(t, err)

	cfg.Identity = identity
	src := newFakeSource()
	sink := &sinkRecorder{}
	rt, err := New(cfg, Deps{
		Transport: src,
		API:       client,
		Counters:  counters,
		Sink:      sink,
		Logger:    &logger,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Close() })

	return &harness{rt: rt, src: src, api: fakeAPI, sink: sink, counters: counters}
}

func seedGardenerConversation(fake *testutil.FakeAPI, id int64, history ...models.Message) {
	fake.AddConversation(models.Conversation{
		ID:          id,
		Kind:        models.ConversationKindDirect,
		Counterpart: &models.UserRef{ID: gardener, FirstName: "Ana", LastName: "Lopez", Role: "gardener"},
		CreatedAt:   baseTime,
	}, history...)
}

func message(id, conversationID, sender int64, body string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      baseTime.Add(time.Duration(id) * time.Minute),
	}
}

func messageIDs(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// settle waits until a marker message on a separate conversation has gone
// through the serial loop, so everything pushed before it was handled too.
func (h *harness) settle(t *testing.T, markerID int64) {
	t.Helper()
	const markerConversation = int64(900)
	h.src.pushMessage(message(markerID, markerConversation, localUser, "marker"))
	eventually(t, func() bool {
		for _, m := range h.rt.store.Messages(markerConversation) {
			if m.ID == markerID {
				return true
			}
		}
		return false
	}, "marker not applied")
}

func TestNewRequiresTransportAndCounters(t *testing.T) {
	_, err := New(Config{Identity: identity}, Deps{})
	require.ErrorIs(t, err, ErrNoTransport)

	_, err = New(Config{Identity: identity}, Deps{Transport: newFakeSource()})
	require.ErrorIs(t, err, ErrNoCounters)

	counters, err := unread.New(context.Background(), kv.NewMemoryStore(nil))
	require.NoError(t, err)
	_, err = New(Config{}, Deps{Transport: newFakeSource(), Counters: counters})
	require.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.ErrorIs(t, h.rt.Start(context.Background()), ErrAlreadyStarted)
}

func TestHistoryThenLiveDuplicatesCollapse(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"), message(2, 7, localUser, "hello"))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	defer view.Close()
	require.Equal(t, []int64{1, 2}, messageIDs(view.Messages()))

	h.src.pushMessage(message(2, 7, localUser, "hello"))
	h.src.pushMessage(message(3, 7, gardener, "see you tomorrow"))

	eventually(t, func() bool { return len(view.Messages()) == 3 }, "live message not applied")
	require.Equal(t, []int64{1, 2, 3}, messageIDs(view.Messages()))
}

func TestSendCollapsesOptimisticEntryWithEcho(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)
	// The server broadcasts the message before answering the POST.
	h.api.OnSend(func(msg models.Message) { h.src.pushMessage(msg) })

	msg, err := h.rt.Send(context.Background(), 7, "hola")
	require.NoError(t, err)
	require.Equal(t, int64(101), msg.ID)

	h.src.pushMessage(msg)
	h.settle(t, 5000)

	msgs := h.rt.store.Messages(7)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(101), msgs[0].ID)
	require.Equal(t, "hola", msgs[0].Body)
	require.False(t, msgs[0].Pending)
}

func TestSendFailureReturnsDraft(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)
	h.api.FailNext("send", 1)

	_, err := h.rt.Send(context.Background(), 7, "are you coming?")
	var sendErr *models.SendError
	require.True(t, errors.As(err, &sendErr))
	require.Equal(t, "are you coming?", sendErr.Draft)
	require.Equal(t, int64(7), sendErr.ConversationID)
	require.Empty(t, h.rt.store.Messages(7))
}

func TestSendRejectsEmptyBody(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.rt.Send(context.Background(), 7, "  ")
	var sendErr *models.SendError
	require.True(t, errors.As(err, &sendErr))
	require.ErrorIs(t, err, models.ErrEmptyBody)
	require.Equal(t, "  ", sendErr.Draft)
}

func TestUnreadIncrementRules(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)
	seedGardenerConversation(h.api, 8)

	h.src.pushMessage(message(1, 7, gardener, "one"))
	h.src.pushMessage(message(2, 7, gardener, "two"))
	h.src.pushMessage(message(3, 7, localUser, "mine"))
	h.src.pushMessage(message(2, 7, gardener, "two"))
	h.settle(t, 5000)
	require.Equal(t, 2, h.rt.Unread()[7])

	view, err := h.rt.OpenConversation(context.Background(), 8)
	require.NoError(t, err)
	defer view.Close()

	h.src.pushMessage(message(10, 8, gardener, "focused"))
	h.settle(t, 5001)
	require.Equal(t, 0, h.counters.Get(8))
	require.Equal(t, 2, h.counters.Get(7))
}

func TestOpenConversationResetsUnread(t *testing.T) {
	h := newHarness(t, Config{}, map[string]string{"7": "3"})
	seedGardenerConversation(h.api, 7)
	require.Equal(t, 3, h.counters.Get(7))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	defer view.Close()

	require.Equal(t, 0, h.counters.Get(7))
	focused, ok := h.rt.Focus()
	require.True(t, ok)
	require.Equal(t, int64(7), focused)
	require.Equal(t, int64(7), h.src.lastInterest())
}

func TestNotificationRequiresConversationListSurface(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)
	_, err := h.rt.RefreshConversations(context.Background())
	require.NoError(t, err)

	h.src.pushMessage(message(1, 7, gardener, "no surface"))
	h.settle(t, 5000)
	require.Empty(t, h.sink.all())

	detachChat := h.rt.AttachSurface(notify.SurfaceOpenChat)
	h.src.pushMessage(message(2, 7, gardener, "chat surface only"))
	h.settle(t, 5001)
	require.Empty(t, h.sink.all())
	detachChat()

	detach := h.rt.AttachSurface(notify.SurfaceConversationList)
	h.src.pushMessage(message(3, 7, gardener, "list surface"))
	h.src.pushMessage(message(4, 7, localUser, "own message"))
	h.settle(t, 5002)

	got := h.sink.all()
	require.Len(t, got, 1)
	require.Equal(t, "Ana Lopez", got[0].Title)
	require.Equal(t, "list surface", got[0].Body)
	require.Equal(t, int64(7), got[0].Data.ConversationID)

	detach()
	detach()
	h.src.pushMessage(message(5, 7, gardener, "detached"))
	h.settle(t, 5003)
	require.Len(t, h.sink.all(), 1)
}

func TestNoNotificationForFocusedConversation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)
	detach := h.rt.AttachSurface(notify.SurfaceConversationList)
	defer detach()

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)

	h.src.pushMessage(message(1, 7, gardener, "while reading"))
	h.settle(t, 5000)
	require.Empty(t, h.sink.all())

	view.Close()
	h.src.pushMessage(message(2, 7, gardener, "after closing"))
	h.settle(t, 5001)
	require.Len(t, h.sink.all(), 1)
}

func TestNotificationTapOpensConversation(t *testing.T) {
	h := newHarness(t, Config{}, map[string]string{"7": "1"})
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"))

	view, err := h.rt.HandleNotificationTap(context.Background(), notify.Notification{
		Title: "Ana Lopez",
		Body:  "hi",
		Data:  notify.Data{ConversationID: 7},
	})
	require.NoError(t, err)
	defer view.Close()

	require.Equal(t, int64(7), view.ID())
	require.Equal(t, 0, h.counters.Get(7))
	require.Equal(t, []int64{1}, messageIDs(view.Messages()))
}

func TestHistoryFetchErrorKeepsViewOpen(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"))
	h.api.FailNext("history", 1)

	view, err := h.rt.OpenConversation(context.Background(), 7)
	var fetchErr *models.HistoryFetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, int64(7), fetchErr.ConversationID)
	require.NotNil(t, view)
	require.False(t, view.Loaded())
	require.Error(t, view.Err())

	require.NoError(t, view.Reload(context.Background()))
	require.True(t, view.Loaded())
	require.NoError(t, view.Err())
	require.Equal(t, []int64{1}, messageIDs(view.Messages()))
	view.Close()
}

func TestHistoryArrivingAfterCloseIsDiscarded(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)

	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"), message(2, 7, gardener, "late"))
	h.api.Delay("history", 150*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- view.Reload(context.Background()) }()
	time.Sleep(30 * time.Millisecond)
	view.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrViewClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not return")
	}
	require.Equal(t, []int64{1}, messageIDs(h.rt.store.Messages(7)))
}

func TestLiveMessageDuringReloadIsKept(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"), message(3, 7, gardener, "later"))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	defer view.Close()

	h.api.Delay("history", 150*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- view.Reload(context.Background()) }()
	time.Sleep(30 * time.Millisecond)

	// Older than the snapshot's last message and missing from it.
	h.src.pushMessage(message(2, 7, gardener, "in flight"))
	h.settle(t, 9001)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not return")
	}
	require.Equal(t, []int64{1, 3, 2}, messageIDs(view.Messages()))

	h.src.pushMessage(message(2, 7, gardener, "in flight"))
	h.settle(t, 9002)
	require.Equal(t, []int64{1, 3, 2}, messageIDs(view.Messages()))
}

func TestViewCloseOnlyClearsOwnFocus(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)
	seedGardenerConversation(h.api, 8)

	first, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	second, err := h.rt.OpenConversation(context.Background(), 8)
	require.NoError(t, err)
	require.True(t, first.Closed())

	first.Close()
	focused, ok := h.rt.Focus()
	require.True(t, ok)
	require.Equal(t, int64(8), focused)
	require.Equal(t, int64(8), h.src.lastInterest())

	second.Close()
	_, ok = h.rt.Focus()
	require.False(t, ok)
	require.Equal(t, int64(0), h.src.lastInterest())

	_, err = second.Send(context.Background(), "late")
	require.ErrorIs(t, err, ErrViewClosed)
}

func TestClearHistoryKeepsConversationListed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"), message(2, 7, localUser, "hello"))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	defer view.Close()

	deleted, err := h.rt.ClearHistory(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	convs := h.rt.Conversations()
	require.Len(t, convs, 1)
	require.Equal(t, int64(7), convs[0].ID)
	require.Empty(t, convs[0].Messages)
	require.Nil(t, convs[0].LastMessage)

	// A stale re-delivery must not bring the message back.
	h.src.pushMessage(message(2, 7, localUser, "hello"))
	h.settle(t, 5000)
	require.Empty(t, view.Messages())
}

func TestRefreshPrunesStaleUnreadCounters(t *testing.T) {
	h := newHarness(t, Config{}, map[string]string{"7": "2", "99": "5"})
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"))

	convs, err := h.rt.RefreshConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "Ana Lopez", convs[0].Title())

	require.Equal(t, unread.Counts{7: 2}, h.rt.Unread())
}

func TestRefreshFailureIsHistoryFetchError(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.api.FailNext("list", 1)

	_, err := h.rt.RefreshConversations(context.Background())
	var fetchErr *models.HistoryFetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, int64(0), fetchErr.ConversationID)
}

func TestCreateConversation(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	conv, err := h.rt.CreateConversation(context.Background(), 55)
	require.NoError(t, err)
	require.Equal(t, int64(55), conv.Counterpart.ID)

	convs := h.rt.Conversations()
	require.Len(t, convs, 1)
	require.Equal(t, conv.ID, convs[0].ID)
}

func TestUnknownConversationTriggersRefresh(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 8)

	h.src.pushMessage(message(1, 8, gardener, "new thread"))

	eventually(t, func() bool {
		conv, ok := h.rt.Conversation(8)
		return ok && conv.Counterpart != nil && conv.Title() == "Ana Lopez"
	}, "conversation not refreshed")
}

func TestResyncOnReconnect(t *testing.T) {
	h := newHarness(t, Config{ResyncOnReconnect: true}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	defer view.Close()

	h.src.pushState(models.StateConnected)
	h.src.pushState(models.StateReconnecting)

	// Messages sent while the connection was down.
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"), message(2, 7, gardener, "missed"))
	seedGardenerConversation(h.api, 8)

	h.src.pushState(models.StateConnected)

	eventually(t, func() bool { return len(view.Messages()) == 2 }, "history not resynced")
	eventually(t, func() bool { return len(h.rt.Conversations()) == 2 }, "list not resynced")
}

func TestNoResyncByDefault(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"))

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	defer view.Close()

	h.src.pushState(models.StateConnected)
	seedGardenerConversation(h.api, 7, message(1, 7, gardener, "hi"), message(2, 7, gardener, "missed"))
	h.src.pushState(models.StateReconnecting)
	h.src.pushState(models.StateConnected)
	h.settle(t, 5000)

	require.Len(t, view.Messages(), 1)
}

func TestConnectionUpdatesArePublished(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	var mu sync.Mutex
	var states []models.ConnectionState
	sub, err := h.rt.Subscribe(func(u Update) {
		if u.Kind != UpdateConnection {
			return
		}
		mu.Lock()
		states = append(states, u.State)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.True(t, h.rt.Connect())
	h.src.pushState(models.StateConnecting)
	h.src.pushState(models.StateConnected)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, "state updates missing")
	require.Equal(t, models.StateConnected, h.rt.ConnectionState())

	h.rt.SetForeground(false)
	h.src.mu.Lock()
	require.Equal(t, 1, h.src.connects)
	require.Equal(t, []bool{false}, h.src.foreground)
	h.src.mu.Unlock()
}

func TestCloseReleasesResources(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	seedGardenerConversation(h.api, 7)

	view, err := h.rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)

	require.NoError(t, h.rt.Close())
	require.NoError(t, h.rt.Close())
	require.True(t, view.Closed())
	require.False(t, h.rt.Connect())

	h.src.mu.Lock()
	require.True(t, h.src.closed)
	h.src.mu.Unlock()

	_, err = h.rt.OpenConversation(context.Background(), 7)
	require.ErrorIs(t, err, ErrClosed)
}
