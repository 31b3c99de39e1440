package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/gardenchat/internal/focus"
	"github.com/tOgg1/gardenchat/internal/models"
)

const localUser = 1

func inbound(conv, sender int64) models.Message {
	return models.Message{ID: 9, ConversationID: conv, SenderID: sender, Body: "¿Mañana a las 9?"}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		msg       models.Message
		focusedID int64
		focused   bool
		surface   Surface
		want      bool
	}{
		{"other sender, nothing focused, list", inbound(7, 2), 0, false, SurfaceConversationList, true},
		{"other sender, other conv focused, list", inbound(7, 2), 8, true, SurfaceConversationList, true},
		{"own message", inbound(7, localUser), 0, false, SurfaceConversationList, false},
		{"focused conversation", inbound(7, 2), 7, true, SurfaceConversationList, false},
		{"open chat surface", inbound(7, 2), 8, true, SurfaceOpenChat, false},
		{"unknown surface", inbound(7, 2), 0, false, Surface("widget"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Decide(tt.msg, localUser, tt.focusedID, tt.focused, tt.surface))
		})
	}
}

func TestObserveSchedulesWithConversationID(t *testing.T) {
	var got []Notification
	sink := SinkFunc(func(_ context.Context, n Notification) error {
		got = append(got, n)
		return nil
	})
	tracker := focus.NewTracker()
	d := NewDispatcher(localUser, tracker, sink, WithLogger(zerolog.Nop()), WithMaxBodyChars(8))

	require.True(t, d.Observe(context.Background(), inbound(7, 2), SurfaceConversationList, "Ana López"))
	require.Len(t, got, 1)
	require.Equal(t, "Ana López", got[0].Title)
	require.Equal(t, int64(7), got[0].Data.ConversationID)
	require.Equal(t, "¿Mañana…", got[0].Body)

	tracker.Set(7)
	require.False(t, d.Observe(context.Background(), inbound(7, 2), SurfaceConversationList, "Ana López"))
	require.Len(t, got, 1)
}

func TestObserveSinkErrorIsNotRetried(t *testing.T) {
	calls := 0
	var delivered []bool
	sink := SinkFunc(func(context.Context, Notification) error {
		calls++
		return errors.New("permission denied")
	})
	d := NewDispatcher(localUser, nil, sink,
		WithLogger(zerolog.Nop()),
		WithResultHook(func(ok bool) { delivered = append(delivered, ok) }))

	require.True(t, d.Observe(context.Background(), inbound(7, 2), SurfaceConversationList, ""))
	require.Equal(t, 1, calls)
	require.Equal(t, []bool{false}, delivered)
}

func TestBuildDefaultTitle(t *testing.T) {
	d := NewDispatcher(localUser, nil, nil)
	n := d.Build(inbound(7, 2), "")
	require.Equal(t, "conversation 7", n.Title)
	require.Equal(t, "¿Mañana a las 9?", n.Body)
}

func TestTerminalSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTerminalSink(&buf)
	require.NoError(t, sink.Schedule(context.Background(), Notification{Title: "Ana", Body: "hola", Data: Data{ConversationID: 7}}))
	require.Equal(t, "[7] Ana: hola\n", buf.String())
}

func TestMultiReturnsFirstError(t *testing.T) {
	var calls int
	ok := SinkFunc(func(context.Context, Notification) error { calls++; return nil })
	bad := SinkFunc(func(context.Context, Notification) error { calls++; return errors.New("bad") })

	err := Multi(ok, nil, bad, ok).Schedule(context.Background(), Notification{})
	require.EqualError(t, err, "bad")
	require.Equal(t, 3, calls)
}
