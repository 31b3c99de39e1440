package messaging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/gardenchat/internal/api"
	"github.com/tOgg1/gardenchat/internal/kv"
	"github.com/tOgg1/gardenchat/internal/metrics"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/notify"
	"github.com/tOgg1/gardenchat/internal/testutil"
	"github.com/tOgg1/gardenchat/internal/transport"
	"github.com/tOgg1/gardenchat/internal/unread"
)

func newAPIClient(t *testing.T, fake *testutil.FakeAPI) *api.Client {
	t.Helper()
	client, err := api.NewClient(api.Config{BaseURL: fake.URL(), Token: "tok", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return client
}

func pushEvent(msg models.Message) models.InboundEvent {
	return models.InboundEvent{
		Type:           models.EventTypeMessage,
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
	}
}

func joinConversationIDs(server *testutil.FakeServer) []float64 {
	var out []float64
	for _, join := range server.ReceivedOfType(models.EventTypeJoin) {
		id, _ := join["conversationId"].(float64)
		out = append(out, id)
	}
	return out
}

func TestEndToEndOverPushStream(t *testing.T) {
	server := testutil.NewFakeServer(t)
	fakeAPI := testutil.NewFakeAPI(t, localUser)
	seedGardenerConversation(fakeAPI, 7, message(1, 7, gardener, "hi"))
	seedGardenerConversation(fakeAPI, 8)

	logger := zerolog.Nop()
	m := metrics.New()
	tr := transport.New(
		transport.Config{Addr: server.Addr(), ReconnectDelay: 10 * time.Millisecond, DialTimeout: time.Second},
		transport.WithLogger(logger),
		transport.WithMetrics(m),
	)

	dir := t.TempDir()
	store, err := OpenCounterStore(context.Background(), CounterStoreConfig{Backend: kv.BackendFile, DataDir: dir})
	require.NoError(t, err)
	counters, err := unread.New(context.Background(), store, unread.WithLogger(logger))
	require.NoError(t, err)

	sink := &sinkRecorder{}
	rt, err := New(Config{Identity: identity}, Deps{
		Transport: tr,
		API:       newAPIClient(t, fakeAPI),
		Counters:  counters,
		Sink:      sink,
		Logger:    &logger,
		Metrics:   m,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Close() })

	_, err = rt.RefreshConversations(context.Background())
	require.NoError(t, err)
	detach := rt.AttachSurface(notify.SurfaceConversationList)
	defer detach()

	require.True(t, rt.Connect())
	eventually(t, func() bool { return rt.ConnectionState() == models.StateConnected }, "not connected")
	eventually(t, func() bool { return len(joinConversationIDs(server)) >= 1 }, "no join on connect")

	view, err := rt.OpenConversation(context.Background(), 7)
	require.NoError(t, err)
	eventually(t, func() bool {
		ids := joinConversationIDs(server)
		return len(ids) > 0 && ids[len(ids)-1] == 7
	}, "join for the open conversation not sent")

	// Live duplicate of history, a new message in the open conversation and
	// one in a background conversation.
	server.Push(pushEvent(message(1, 7, gardener, "hi")))
	server.Push(pushEvent(message(2, 7, gardener, "on my way")))
	server.Push(pushEvent(message(3, 8, gardener, "invoice attached")))
	server.PushRaw(`{"type":"message","id":"broken"}`)

	eventually(t, func() bool { return counters.Get(8) == 1 }, "background unread not counted")
	eventually(t, func() bool { return len(view.Messages()) == 2 }, "live message not applied")
	require.Equal(t, []int64{1, 2}, messageIDs(view.Messages()))
	require.Equal(t, 0, counters.Get(7))

	eventually(t, func() bool { return len(sink.all()) == 1 }, "notification not raised")
	require.Equal(t, int64(8), sink.all()[0].Data.ConversationID)

	require.Equal(t, 1.0, promtest.ToFloat64(m.InboundMessages.WithLabelValues(metrics.InboundDuplicate)))
	eventually(t, func() bool { return promtest.ToFloat64(m.MalformedEvents) == 1 }, "malformed event not counted")
	eventually(t, func() bool { return promtest.ToFloat64(m.UnreadTotal) == 1 }, "unread gauge not updated")
	require.Equal(t, 1.0, promtest.ToFloat64(m.ConnectionState.WithLabelValues("connected")))

	// A drop while foregrounded reconnects and re-announces the open
	// conversation.
	joinsBefore := len(joinConversationIDs(server))
	server.DropAll()
	require.True(t, server.WaitForAccepted(2, 2*time.Second))
	eventually(t, func() bool {
		ids := joinConversationIDs(server)
		return len(ids) > joinsBefore && ids[len(ids)-1] == 7
	}, "join not re-sent after reconnect")

	view.Close()
}

func TestUnreadCountersSurviveRestart(t *testing.T) {
	for _, backend := range []kv.Backend{kv.BackendFile, kv.BackendSQLite, kv.BackendPebble} {
		t.Run(string(backend), func(t *testing.T) {
			dir := t.TempDir()
			cfg := CounterStoreConfig{Backend: backend, DataDir: dir}
			logger := zerolog.Nop()

			store, err := OpenCounterStore(context.Background(), cfg)
			require.NoError(t, err)
			counters, err := unread.New(context.Background(), store, unread.WithLogger(logger))
			require.NoError(t, err)
			_, err = counters.Increment(context.Background(), 7)
			require.NoError(t, err)
			_, err = counters.Increment(context.Background(), 7)
			require.NoError(t, err)
			_, err = counters.Increment(context.Background(), 8)
			require.NoError(t, err)
			require.NoError(t, counters.Reset(context.Background(), 8))
			require.NoError(t, counters.Close())

			store, err = OpenCounterStore(context.Background(), cfg)
			require.NoError(t, err)
			reopened, err := unread.New(context.Background(), store, unread.WithLogger(logger))
			require.NoError(t, err)
			defer reopened.Close()
			require.Equal(t, unread.Counts{7: 2}, reopened.GetAll())
		})
	}
}

func TestOpenCounterStore(t *testing.T) {
	_, err := OpenCounterStore(context.Background(), CounterStoreConfig{Backend: "etcd", DataDir: t.TempDir()})
	require.Error(t, err)

	_, err = OpenCounterStore(context.Background(), CounterStoreConfig{Backend: kv.BackendFile})
	require.Error(t, err)

	store, err := OpenCounterStore(context.Background(), CounterStoreConfig{Backend: kv.BackendMemory})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	dir := t.TempDir()
	require.Equal(t, filepath.Join(dir, "unread.json"), DefaultCounterPath(kv.BackendFile, dir))
	require.Equal(t, filepath.Join(dir, "unread.db"), DefaultCounterPath(kv.BackendSQLite, dir))
	require.Equal(t, filepath.Join(dir, "unread.pebble"), DefaultCounterPath(kv.BackendPebble, dir))
}
