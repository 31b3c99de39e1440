package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/gardenchat/internal/models"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history [conversation-id]",
		Aliases: []string{"open", "read"},
		Short:   "Show a conversation's messages and mark it read",
		Args:    cobra.MaximumNArgs(1),
		RunE:    runHistory,
	}
	cmd.Flags().IntP("limit", "n", 0, "Show only the last N messages")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return usageError(cmd, "--limit must not be negative")
	}

	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	conversationID, err := resolveConversation(cmd, cfg, args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, sessionOptions{})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer s.Close()

	view, err := s.runtime.OpenConversation(ctx, conversationID)
	if err != nil {
		return failure(err)
	}
	defer view.Close()

	msgs := view.Messages()
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	if jsonOutput(cmd) {
		data, err := json.MarshalIndent(msgs, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode messages: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	title := fmt.Sprintf("conversation %d", conversationID)
	if conv, ok := view.Conversation(); ok {
		title = conv.Title()
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", title)
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages")
		return nil
	}
	self := cfg.Identity.UserID
	for _, msg := range msgs {
		fmt.Fprintln(out, formatMessageLine(msg, self, title))
	}
	return nil
}

func formatMessageLine(msg models.Message, self int64, counterpart string) string {
	who := counterpart
	if msg.SenderID == self {
		who = "you"
	}
	stamp := "--:--"
	if !msg.CreatedAt.IsZero() {
		stamp = msg.CreatedAt.Local().Format(time.Kitchen)
	}
	body := strings.TrimRight(msg.Body, "\n")
	if msg.Pending {
		body += " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, who, body)
}
