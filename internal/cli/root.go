// Package cli implements the gardenchat command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/gardenchat/internal/config"
	"github.com/tOgg1/gardenchat/internal/logging"
)

// Exit codes.
const (
	ExitCodeFailure = 1
	ExitCodeUsage   = 2
)

// ExitError carries a process exit code. Printed is set when the command has
// already reported the error to the user.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf returns an ExitError with a formatted message.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// failure keeps err inspectable with errors.As.
func failure(err error) error {
	return &ExitError{Code: ExitCodeFailure, Err: err}
}

func usageError(cmd *cobra.Command, format string, args ...any) error {
	return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf("%s: %s", cmd.CommandPath(), fmt.Sprintf(format, args...))}
}

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gardenchat",
		Short:         "Messaging client for the garden booking platform",
		Long:          "gardenchat lists conversations, sends messages and follows the live push stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().String("config", "", "Config file (default ~/.config/gardenchat/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("json", false, "Output as JSON")

	cmd.AddCommand(
		newConversationsCmd(),
		newHistoryCmd(),
		newSendCmd(),
		newClearCmd(),
		newUnreadCmd(),
		newUseCmd(),
		newContextCmd(),
		newWatchCmd(),
		newTUICmd(),
	)

	return cmd
}

// loadConfig reads configuration honoring the persistent flags and
// initializes logging. The returned func releases the log file, if any.
func loadConfig(cmd *cobra.Command) (*config.Config, func(), error) {
	loader := config.NewLoader()
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		loader.SetConfigFile(path)
	}
	if level, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(level) != "" {
		loader.Set("logging.level", strings.TrimSpace(level))
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, func() {}, Exitf(ExitCodeFailure, "%v", err)
	}

	release, err := initLogging(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, func() {}, Exitf(ExitCodeFailure, "%v", err)
	}
	return cfg, release, nil
}

func initLogging(cfg config.LoggingConfig, stderr io.Writer) (func(), error) {
	out := stderr
	release := func() {}
	if strings.TrimSpace(cfg.File) != "" {
		f, err := logging.OpenFile(cfg.File)
		if err != nil {
			return release, err
		}
		out = f
		release = func() { _ = f.Close() }
	} else if out == nil {
		out = os.Stderr
	}
	logging.Init(logging.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       out,
		EnableCaller: cfg.EnableCaller,
	})
	return release, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// errorf reports err on stderr and marks it printed.
func errorf(cmd *cobra.Command, code int, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	return &ExitError{Code: code, Err: err, Printed: true}
}

var errNoConversation = errors.New("no conversation selected (pass one or run 'gardenchat use <id>')")
