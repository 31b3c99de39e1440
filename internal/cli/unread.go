package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type unreadEntry struct {
	ConversationID int64 `json:"conversationId"`
	Unread         int   `json:"unread"`
}

func newUnreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show unread counters",
		Long:  "Show unread counters from the local store. Works offline.",
		Args:  cobra.NoArgs,
		RunE:  runUnreadList,
	}
	cmd.AddCommand(newUnreadResetCmd())
	return cmd
}

func runUnreadList(cmd *cobra.Command, _ []string) error {
	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	counters, err := openCounters(cmd.Context(), cfg)
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer counters.Close()

	counts := counters.GetAll()
	entries := make([]unreadEntry, 0, len(counts))
	for _, id := range counts.IDs() {
		entries = append(entries, unreadEntry{ConversationID: id, Unread: counts[id]})
	}

	if jsonOutput(cmd) {
		data, err := json.MarshalIndent(map[string]any{
			"total":         counts.Total(),
			"conversations": entries,
		}, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode unread: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No unread messages")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{strconv.FormatInt(e.ConversationID, 10), strconv.Itoa(e.Unread)})
	}
	if err := writeTable(cmd.OutOrStdout(), []string{"CONVERSATION", "UNREAD"}, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d\n", counts.Total())
	return nil
}

func newUnreadResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset [conversation-id]",
		Short: "Reset a conversation's unread counter",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUnreadReset,
	}
	cmd.Flags().Bool("all", false, "Reset every counter")
	return cmd
}

func runUnreadReset(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all && len(args) > 0 {
		return usageError(cmd, "pass a conversation id or --all, not both")
	}

	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	var ids []int64
	if !all {
		id, err := resolveConversation(cmd, cfg, args)
		if err != nil {
			return err
		}
		ids = []int64{id}
	}

	ctx := cmd.Context()
	counters, err := openCounters(ctx, cfg)
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer counters.Close()

	if all {
		ids = counters.GetAll().IDs()
	}
	for _, id := range ids {
		if err := counters.Reset(ctx, id); err != nil {
			return Exitf(ExitCodeFailure, "reset conversation %d: %v", id, err)
		}
	}

	if jsonOutput(cmd) {
		data, _ := json.Marshal(map[string]any{"reset": ids})
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d counter(s)\n", len(ids))
	return nil
}
