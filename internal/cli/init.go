package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ktsuji/deckhand/internal/domain"
	infraconfig "github.com/ktsuji/deckhand/internal/infra/config"
)

const configTemplate = `# deckhand configuration

project_name = "Deckhand"

tick_seconds = 20
action_budget = 3
cooldown_min = 30
wip_limit = 2
review_threshold = 90
review_auto_done = false
missing_worker_policy = "spawn"   # or "pause"

thrash_window_min = 60
max_respawns = 3
max_reworks_per_revision = 2

runs_root = "runs"
state_root = "state"
repo_root = ""                    # scan this directory for git repositories
repo_map_path = "repo-map.yaml"   # optional key -> path map

lock_strategy = "os-lock"         # "stale-file" only where flock is unavailable

[board]
url = "http://localhost/jsonrpc.php"
username = "jsonrpc"
password = ""
project = "Deckhand"

[spawn]
worker_cmd = "scripts/spawn-worker.sh {task_id} {repo_key} {repo_path} {run_dir}"
reviewer_cmd = "scripts/spawn-reviewer.sh {task_id} {repo_key} {repo_path} {patch_path} {run_dir}"
docs_cmd = ""

[notify]
cmd = ""
deny_targets = []

[guardian]
bring_up_cmd = ""
stale_factor = 3
max_restarts = 3
restart_window_min = 30

[log]
level = "info"
`

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "init",
		Short:   "Write a starter deckhand.toml in the current directory",
		GroupID: groupSetup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := infraconfig.ConfigFileName
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%w: %s already exists", domain.ErrConfig, path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s — fill in [board] and [spawn] before running ticks\n", path)
			return nil
		},
	}
}
