package cli

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tOgg1/gardenchat/internal/chattui"
	"github.com/tOgg1/gardenchat/internal/config"
)

func newTUICmd() *cobra.Command {
	return &cobra.Command{
		Use:     "tui",
		Aliases: []string{"ui"},
		Short:   "Open the interactive chat client",
		Args:    cobra.NoArgs,
		RunE:    runTUI,
	}
}

func runTUI(cmd *cobra.Command, _ []string) error {
	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	// The alt screen owns the terminal; logs only go to a configured file.
	if cfg.Logging.File == "" {
		if _, err := initLogging(config.LoggingConfig{Level: "disabled"}, io.Discard); err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg, sessionOptions{notifyOut: io.Discard, serveMetrics: true})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer s.Close()

	err = chattui.Run(ctx, chattui.Adapt(s.runtime), chattui.Config{
		Theme:           cfg.TUI.Theme,
		RefreshInterval: cfg.TUI.RefreshInterval,
	})
	if errors.Is(err, chattui.ErrNotATerminal) {
		return usageError(cmd, "%v; use 'gardenchat watch' instead", err)
	}
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	return nil
}
