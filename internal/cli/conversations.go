package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/gardenchat/internal/config"
	"github.com/tOgg1/gardenchat/internal/models"
	"github.com/tOgg1/gardenchat/internal/unread"
)

type conversationRow struct {
	ID          int64                      `json:"id"`
	Title       string                     `json:"title"`
	Unread      int                        `json:"unread"`
	LastMessage *models.LastMessageSummary `json:"lastMessage,omitempty"`
}

func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs", "ls"},
		Short:   "List conversations, newest activity first",
		Args:    cobra.NoArgs,
		RunE:    runConversations,
	}
	cmd.AddCommand(newConversationCreateCmd())
	return cmd
}

func runConversations(cmd *cobra.Command, _ []string) error {
	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, sessionOptions{})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer s.Close()

	convs, err := s.runtime.RefreshConversations(ctx)
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	rows := conversationRows(convs, s.runtime.Unread())

	if jsonOutput(cmd) {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode conversations: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations")
		return nil
	}
	return writeTable(cmd.OutOrStdout(), []string{"ID", "WITH", "UNREAD", "LAST MESSAGE", "WHEN"}, conversationTable(rows, time.Now()))
}

func conversationRows(convs []models.Conversation, counts unread.Counts) []conversationRow {
	rows := make([]conversationRow, 0, len(convs))
	for _, conv := range convs {
		rows = append(rows, conversationRow{
			ID:          conv.ID,
			Title:       conv.Title(),
			Unread:      counts[conv.ID],
			LastMessage: conv.LastMessage,
		})
	}
	return rows
}

func conversationTable(rows []conversationRow, now time.Time) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		unreadCell := "-"
		if row.Unread > 0 {
			unreadCell = strconv.Itoa(row.Unread)
		}
		last, when := "", "-"
		if row.LastMessage != nil {
			last = previewCell(row.LastMessage.Body)
			when = relativeTime(row.LastMessage.CreatedAt, now)
		}
		out = append(out, []string{strconv.FormatInt(row.ID, 10), row.Title, unreadCell, last, when})
	}
	return out
}

func newConversationCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <participant-id>",
		Short: "Start (or reuse) a conversation with a participant",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationCreate,
	}
	cmd.Flags().Bool("use", false, "Select the conversation as the current context")
	return cmd
}

func runConversationCreate(cmd *cobra.Command, args []string) error {
	participantID, err := parseID(args[0])
	if err != nil {
		return usageError(cmd, "invalid participant id %q", args[0])
	}

	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, sessionOptions{})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer s.Close()

	conv, err := s.runtime.CreateConversation(ctx, participantID)
	if err != nil {
		return Exitf(ExitCodeFailure, "create conversation: %v", err)
	}

	if use, _ := cmd.Flags().GetBool("use"); use {
		if err := saveContext(cfg, conv.ID, conv.Title()); err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}
	}

	if jsonOutput(cmd) {
		data, err := json.MarshalIndent(conv, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode conversation: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", conv.ID, conv.Title())
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, models.ErrInvalidConversationID
	}
	return id, nil
}

// resolveConversation takes the conversation from the first argument or
// falls back to the saved context.
func resolveConversation(cmd *cobra.Command, cfg *config.Config, args []string) (int64, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		id, err := parseID(args[0])
		if err != nil {
			return 0, usageError(cmd, "invalid conversation id %q", args[0])
		}
		return id, nil
	}
	current, err := config.NewContextStore(cfg.ContextPath()).Load()
	if err != nil {
		return 0, Exitf(ExitCodeFailure, "%v", err)
	}
	if current.IsEmpty() {
		return 0, usageError(cmd, "%v", errNoConversation)
	}
	return current.ConversationID, nil
}

func saveContext(cfg *config.Config, id int64, title string) error {
	store := config.NewContextStore(cfg.ContextPath())
	current, err := store.Load()
	if err != nil {
		return err
	}
	current.SetConversation(id, title)
	return store.Save(current)
}
