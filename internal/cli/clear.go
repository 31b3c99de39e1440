package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear [conversation-id]",
		Short: "Delete a conversation's messages (the conversation stays listed)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runClear,
	}
	cmd.Flags().BoolP("yes", "y", false, "Confirm deletion")
	return cmd
}

func runClear(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return usageError(cmd, "clearing history cannot be undone; pass --yes to confirm")
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

	deleted, err := s.runtime.ClearHistory(ctx, conversationID)
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}

	if jsonOutput(cmd) {
		data, _ := json.Marshal(map[string]any{"conversationId": conversationID, "deletedCount": deleted})
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d message(s) from conversation %d\n", deleted, conversationID)
	return nil
}
