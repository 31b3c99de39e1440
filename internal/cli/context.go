package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/gardenchat/internal/config"
	"github.com/tOgg1/gardenchat/internal/logging"
)

func newUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use [conversation-id]",
		Short: "Select the conversation that send, history and clear default to",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUse,
	}
	cmd.Flags().Bool("clear", false, "Clear the current selection")
	return cmd
}

func runUse(cmd *cobra.Command, args []string) error {
	clearCtx, _ := cmd.Flags().GetBool("clear")
	if clearCtx == (len(args) == 1) {
		return usageError(cmd, "pass a conversation id or --clear")
	}

	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	store := config.NewContextStore(cfg.ContextPath())
	if clearCtx {
		if err := store.Clear(); err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Context cleared")
		return nil
	}

	id, err := parseID(args[0])
	if err != nil {
		return usageError(cmd, "invalid conversation id %q", args[0])
	}
	title := lookupTitle(cmd, cfg, id)
	if err := saveContext(cfg, id, title); err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}

	current, err := store.Load()
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Using %s\n", current)
	return nil
}

// lookupTitle asks the API for the counterpart name. The selection is saved
// without a title when the API is unreachable.
func lookupTitle(cmd *cobra.Command, cfg *config.Config, id int64) string {
	client, err := newAPIClient(cfg)
	if err != nil {
		return ""
	}
	convs, err := client.ListConversations(cmd.Context())
	if err != nil {
		logging.Debug().Err(err).Msg("conversation title lookup failed")
		return ""
	}
	for _, conv := range convs {
		if conv.ID == id {
			return conv.Title()
		}
	}
	return ""
}

func newContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Show the current selection",
		Args:  cobra.NoArgs,
		RunE:  runContext,
	}
}

func runContext(cmd *cobra.Command, _ []string) error {
	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	current, err := config.NewContextStore(cfg.ContextPath()).Load()
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	if jsonOutput(cmd) {
		data, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode context: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), current.String())
	return nil
}
