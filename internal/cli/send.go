package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/gardenchat/internal/models"
)

// maxStdinBody bounds a message body read from stdin.
const maxStdinBody = 64 * 1024

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message",
		Long: "Send a message to --to or the current context conversation.\n" +
			"With no message (or \"-\") the body is read from piped stdin.",
		RunE: runSend,
	}
	cmd.Flags().String("to", "", "Conversation id (default: current context)")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	body, err := resolveBody(cmd, args)
	if err != nil {
		return err
	}

	cfg, release, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer release()

	to, _ := cmd.Flags().GetString("to")
	var target []string
	if strings.TrimSpace(to) != "" {
		target = []string{to}
	}
	conversationID, err := resolveConversation(cmd, cfg, target)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, sessionOptions{})
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	defer s.Close()

	msg, err := s.runtime.Send(ctx, conversationID, body)
	if err != nil {
		var sendErr *models.SendError
		if errors.As(err, &sendErr) && sendErr.Draft != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "draft: %s\n", sendErr.Draft)
		}
		return errorf(cmd, ExitCodeFailure, err)
	}

	if jsonOutput(cmd) {
		data, err := json.MarshalIndent(msg, "", "  ")
		if err != nil {
			return Exitf(ExitCodeFailure, "encode message: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatInt(msg.ID, 10))
	return nil
}

func resolveBody(cmd *cobra.Command, args []string) (string, error) {
	body := strings.Join(args, " ")
	if body != "" && body != "-" {
		return body, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", usageError(cmd, "message body is required")
	}
	data, err := io.ReadAll(io.LimitReader(in, maxStdinBody+1))
	if err != nil {
		return "", Exitf(ExitCodeFailure, "read stdin: %v", err)
	}
	if len(data) > maxStdinBody {
		return "", usageError(cmd, "message body exceeds %d bytes", maxStdinBody)
	}
	body = strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(body) == "" {
		return "", usageError(cmd, "message body is required")
	}
	return body, nil
}
