package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/gardenchat/internal/conversations"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/messaging"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/notify"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live push stream",
		Long: "Connect to the push stream and print connection changes, messages and\n" +
			"notifications until interrupted. With --json every update is one JSON line.",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().String("conversation", "", "Keep a conversation open (focused) while watching")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	var focusID int64
	if raw, _ := cmd.Flags().GetString("conversation"); strings.TrimSpace(raw) != "" {
		id, err := parseID(raw)
		if err != nil {
			return usageError(cmd, "invalid conversation id %q", raw)
		}
		focusID = id
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg, sessionOptions{notifyOut: cmd.ErrOrStderr(), serveMetrics: true})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer s.Close()
	rt := s.runtime

	printer := newWatchPrinter(cmd.OutOrStdout(), jsonOutput(cmd), rt)
	givenUp := make(chan struct{}, 1)
	sub, err := rt.Subscribe(func(u messaging.Update) {
		printer.print(u)
		if u.Kind == messaging.UpdateConnection && u.State == models.StateGivenUp {
			select {
			case givenUp <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer sub.Unsubscribe()

	detach := rt.AttachSurface(notify.SurfaceConversationList)
	defer detach()

	if _, err := rt.RefreshConversations(ctx); err != nil {
		logging.Warn().Err(err).Msg("conversation list unavailable")
	}
	if focusID > 0 {
		view, err := rt.OpenConversation(ctx, focusID)
		if err != nil {
			var fetchErr *models.HistoryFetchError
			if !errors.As(err, &fetchErr) {
				return Exitf(ExitCodeFailure, "%v", err)
			}
			logging.Warn().Err(err).Msg("history unavailable")
		}
		defer view.Close()
	}

	rt.Connect()

	select {
	case <-ctx.Done():
		return nil
	case <-givenUp:
		return Exitf(ExitCodeFailure, "gave up connecting to %s after %d attempts", cfg.Server.PushAddr, cfg.Transport.MaxAttempts)
	}
}

// conversationLookup resolves titles for printed messages.
type conversationLookup interface {
	Conversation(conversationID int64) (models.Conversation, bool)
	Identity() models.Identity
}

type watchPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	json   bool
	lookup conversationLookup
}

func newWatchPrinter(out io.Writer, asJSON bool, lookup conversationLookup) *watchPrinter {
	return &watchPrinter{out: out, json: asJSON, lookup: lookup}
}

type watchLine struct {
	Kind           string               `json:"kind"`
	Time           time.Time            `json:"time"`
	ConversationID int64                `json:"conversationId,omitempty"`
	State          string               `json:"state,omitempty"`
	Attempt        int                  `json:"attempt,omitempty"`
	Error          string               `json:"error,omitempty"`
	Change         string               `json:"change,omitempty"`
	Message        *models.Message      `json:"message,omitempty"`
	Unread         map[string]int       `json:"unread,omitempty"`
	Notification   *notify.Notification `json:"notification,omitempty"`
}

func (p *watchPrinter) print(u messaging.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		p.printJSON(u)
		return
	}
	if line := p.format(u); line != "" {
		fmt.Fprintln(p.out, line)
	}
}

func (p *watchPrinter) printJSON(u messaging.Update) {
	line := watchLine{
		Kind:           string(u.Kind),
		Time:           time.Now().UTC(),
		ConversationID: u.ConversationID,
		Change:         string(u.Change),
		Message:        u.Message,
		Notification:   u.Notification,
	}
	switch u.Kind {
	case messaging.UpdateConnection:
		line.State = u.State.String()
		line.Attempt = u.Attempt
		if u.Err != nil {
			line.Error = u.Err.Error()
		}
	case messaging.UpdateUnread:
		line.Unread = make(map[string]int, len(u.Unread))
		for id, n := range u.Unread {
			line.Unread[fmt.Sprint(id)] = n
		}
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	fmt.Fprintln(p.out, string(data))
}

func (p *watchPrinter) format(u messaging.Update) string {
	switch u.Kind {
	case messaging.UpdateConnection:
		line := "* " + u.State.String()
		if u.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", u.Attempt)
		}
		if u.Err != nil {
			line += ": " + u.Err.Error()
		}
		return line
	case messaging.UpdateConversation:
		if u.Change != conversations.ChangeMessageApplied || u.Message == nil {
			return ""
		}
		title := fmt.Sprintf("conversation %d", u.ConversationID)
		if conv, ok := p.lookup.Conversation(u.ConversationID); ok {
			title = conv.Title()
		}
		return formatMessageLine(*u.Message, p.lookup.Identity().UserID, title)
	case messaging.UpdateNotification:
		if u.Notification == nil {
			return ""
		}
		return fmt.Sprintf("! %s: %s", u.Notification.Title, u.Notification.Body)
	default:
		return ""
	}
}
