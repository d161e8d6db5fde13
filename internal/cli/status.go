package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/app"
	"github.com/ktsuji/deckhand/internal/domain"
	"github.com/ktsuji/deckhand/internal/reconcile"
)

func newStatusCommand(c *app.Container) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Print orchestrator state and heartbeat age",
		GroupID: groupInspect,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := c.Store.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			hb, err := reconcile.ReadHeartbeat(c.Config.EffectiveHeartbeatPath())
			switch {
			case err != nil:
				_, _ = fmt.Fprintf(out, "heartbeat: unreadable (%v)\n", err)
			case hb == nil:
				_, _ = fmt.Fprintln(out, "heartbeat: none (orchestrator never ran here)")
			default:
				age := time.Since(time.Unix(hb.TSEpochS, 0)).Round(time.Second)
				_, _ = fmt.Fprintf(out, "heartbeat: %s old (pid %d, version %s, tick %ds)\n",
					age, hb.PID, hb.Version, hb.TickSeconds)
			}

			if state.DryRun {
				_, _ = fmt.Fprintf(out, "dry-run: armed (%d ticks remaining)\n", state.DryRunRunsRemaining)
			}

			printEntrySection(out, "workers", workerIDs(state), func(id int) string {
				e := state.WorkersByTaskID[id]
				return fmt.Sprintf("run %s (session %s)", e.RunID, e.ExecSessionID)
			})
			printEntrySection(out, "reviewers", reviewerIDs(state), func(id int) string {
				return fmt.Sprintf("run %s", state.ReviewersByTaskID[id].RunID)
			})
			printEntrySection(out, "docs", docsIDs(state), func(id int) string {
				return fmt.Sprintf("run %s", state.DocsByTaskID[id].RunID)
			})

			if len(state.PausedByCritical) > 0 {
				_, _ = fmt.Fprintf(out, "paused by critical: %v\n", sortedKeys(state.PausedByCritical))
			}
			if len(state.AutoBlockedByTaskID) > 0 {
				_, _ = fmt.Fprintln(out, "auto-blocked:")
				for _, id := range sortedKeys(state.AutoBlockedByTaskID) {
					_, _ = fmt.Fprintf(out, "  #%d: %s\n", id, state.AutoBlockedByTaskID[id])
				}
			}
			if len(state.RepoMap) > 0 {
				_, _ = fmt.Fprintln(out, "repo map:")
				keys := make([]string, 0, len(state.RepoMap))
				for k := range state.RepoMap {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					_, _ = fmt.Fprintf(out, "  %s -> %s\n", k, state.RepoMap[k])
				}
			}
			return nil
		},
	}
}

func printEntrySection(out io.Writer, label string, ids []int, describe func(int) string) {
	if len(ids) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "active %s:\n", label)
	for _, id := range ids {
		_, _ = fmt.Fprintf(out, "  #%d: %s\n", id, describe(id))
	}
}

func workerIDs(s *domain.State) []int {
	ids := make([]int, 0, len(s.WorkersByTaskID))
	for id := range s.WorkersByTaskID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func reviewerIDs(s *domain.State) []int {
	ids := make([]int, 0, len(s.ReviewersByTaskID))
	for id := range s.ReviewersByTaskID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func docsIDs(s *domain.State) []int {
	ids := make([]int, 0, len(s.DocsByTaskID))
	for id := range s.DocsByTaskID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
