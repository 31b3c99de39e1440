package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// LogSink writes notifications to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

// Schedule implements Sink.
func (s LogSink) Schedule(_ context.Context, n Notification) error {
	s.Logger.Info().
		Int64("conversation_id", n.Data.ConversationID).
		Str("title", n.Title).
		Msg("notification")
	return nil
}

// TerminalSink prints a line per notification and rings the bell when the
// output is a terminal.
type TerminalSink struct {
	mu  sync.Mutex
	out io.Writer
	tty bool
}

// NewTerminalSink creates a sink writing to out (stderr when nil).
func NewTerminalSink(out io.Writer) *TerminalSink {
	if out == nil {
		out = os.Stderr
	}
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &TerminalSink{out: out, tty: tty}
}

// Schedule implements Sink.
func (s *TerminalSink) Schedule(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bell := ""
	if s.tty {
		bell = "\a"
	}
	_, err := fmt.Fprintf(s.out, "%s[%d] %s: %s\n", bell, n.Data.ConversationID, n.Title, n.Body)
	return err
}

// Multi fans a notification out to several sinks, returning the first error.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, n Notification) error {
		var first error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.Schedule(ctx, n); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
