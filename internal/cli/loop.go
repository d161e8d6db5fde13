package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/app"
	"github.com/ktsuji/deckhand/internal/domain"
)

func newLoopCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:     "loop",
		Short:   "Run the reconciler on the configured tick period",
		GroupID: groupRun,
		Long: `Runs ticks forever on the configured tick period (default 20s).
Lock contention skips the tick; board failures are retried naturally on
the next tick. Stop with SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.Config.Validate(); err != nil {
				return err
			}
			return runLoop(cmd.Context(), c, cmd)
		},
	}
}

func runLoop(ctx context.Context, c *app.Container, cmd *cobra.Command) error {
	rec := c.Reconciler()
	interval := time.Duration(c.Config.TickSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOnce := func() {
		result, err := rec.Tick(ctx)
		switch {
		case errors.Is(err, domain.ErrLockContention):
			// Another instance ticked; fine.
		case err != nil:
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "tick failed: %v\n", err)
		default:
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tick: %s\n", result.Summary())
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
