package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/app"
)

func newGuardianCommand(c *app.Container) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:     "guardian",
		Short:   "Watch the heartbeat and restart a stuck reconciler",
		GroupID: groupRun,
		Long: `Runs as a separate process, reading the reconciler heartbeat file.
When the heartbeat is older than stale_factor x tick_seconds the configured
bring-up command is executed. Restarts are limited per window to avoid
restart loops.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g := c.Guardian()
			if once {
				restarted, err := g.Check(cmd.Context())
				if err != nil {
					return err
				}
				if restarted {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "guardian: restart attempted")
				} else {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "guardian: heartbeat healthy")
				}
				return nil
			}
			return g.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Evaluate the heartbeat once and exit")
	return cmd
}
