package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/app"
)

func newTickCommand(c *app.Container) *cobra.Command {
	var dryRun int

	cmd := &cobra.Command{
		Use:     "tick",
		Short:   "Run a single reconciliation tick",
		GroupID: groupRun,
		Long: `Runs exactly one tick: acquire the tick lock, snapshot the board,
decide and apply a bounded set of mutations, persist state, and write the
heartbeat. Exits 1 when another tick holds the lock, 2 on configuration
errors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.Config.Validate(); err != nil {
				return err
			}
			if dryRun > 0 {
				if err := armDryRun(c, dryRun); err != nil {
					return err
				}
			}
			result, err := c.Reconciler().Tick(cmd.Context())
			if err != nil {
				return err
			}
			mode := ""
			if result.DryRun {
				mode = " (dry-run)"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tick%s: %s\n", mode, result.Summary())
			for _, e := range result.Errors {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&dryRun, "dry-run", 0, "Arm N dry-run ticks that emit decisions without applying them")
	return cmd
}

// armDryRun flips the persisted dry-run switch before the tick runs.
func armDryRun(c *app.Container, runs int) error {
	state, err := c.Store.Load()
	if err != nil {
		return err
	}
	state.DryRun = true
	state.DryRunRunsRemaining = runs
	return c.Store.Save(state)
}
