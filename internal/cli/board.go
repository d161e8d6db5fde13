package cli

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/app"
	"github.com/ktsuji/deckhand/internal/tui"
)

// launchBoardTUI is a variable so tests can stub the interactive program.
var launchBoardTUI = func(m tea.Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func newBoardCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:     "board",
		Short:   "Show a read-only snapshot of the board and active runs",
		GroupID: groupInspect,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := c.Board.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			state, err := c.Store.Load()
			if err != nil {
				return err
			}
			return launchBoardTUI(tui.NewModel(snapshot, state))
		},
	}
}
