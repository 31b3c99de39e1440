package chattui

import (
	"context"
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"
)

// ErrNotATerminal is returned by Run without an interactive terminal.
var ErrNotATerminal = errors.New("chat TUI requires an interactive terminal")

// Run blocks until the user quits.
func Run(ctx context.Context, rt Runtime, cfg Config) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return ErrNotATerminal
	}
	model, err := NewModel(ctx, rt, cfg)
	if err != nil {
		return err
	}
	defer model.Close()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus())
	go func() {
		<-model.ctx.Done()
		program.Quit()
	}()
	_, err = program.Run()
	return err
}
