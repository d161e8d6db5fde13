// Package cli provides the command-line interface for deckhand.
package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/app"
	"github.com/ktsuji/deckhand/internal/domain"
)

// Command group IDs.
const (
	groupRun     = "run"
	groupInspect = "inspect"
	groupSetup   = "setup"
)

// Exit codes. Lock contention is distinguished so cron wrappers can tell
// "another tick was running" from real failures.
const (
	ExitOK             = 0
	ExitLockContention = 1
	ExitConfigError    = 2
)

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrLockContention):
		return ExitLockContention
	case errors.Is(err, domain.ErrConfig):
		return ExitConfigError
	default:
		return ExitOK + 3
	}
}

// NewRootCommand creates the root command. It receives the container for
// dependency injection and the build version for display.
func NewRootCommand(c *app.Container, version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "deckhand",
		Short: "Deterministic Kanban orchestrator",
		Long: `deckhand keeps an external Kanban board synchronized with the real
state of long-running code-generation workers and reviewers.

A periodic tick reads the board, inspects run artifacts on disk, and
converges columns and tags through a bounded set of mutations. Child
processes are spawned through configured commands and observed only via
the files they write.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents Cobra from printing errors (main handles it)
		SilenceErrors: true,
	}

	root.AddGroup(
		&cobra.Group{ID: groupRun, Title: "Run:"},
		&cobra.Group{ID: groupInspect, Title: "Inspect:"},
		&cobra.Group{ID: groupSetup, Title: "Setup:"},
	)

	root.AddCommand(
		newTickCommand(c),
		newLoopCommand(c),
		newGuardianCommand(c),
		newStatusCommand(c),
		newBoardCommand(c),
		newInitCommand(),
	)
	return root
}
