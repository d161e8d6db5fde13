package domain

import (
	"fmt"
	"path/filepath"
)

// Missing-worker policies.
const (
	MissingWorkerSpawn = "spawn"
	MissingWorkerPause = "pause"
)

// Lock strategies.
const (
	LockStrategyOS        = "os-lock"
	LockStrategyStaleFile = "stale-file"
)

// BoardConfig holds the JSON-RPC endpoint settings from [board].
type BoardConfig struct {
	URL        string `toml:"url"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Project    string `toml:"project"`
	TimeoutSec int    `toml:"timeout_sec"`
	Retries    int    `toml:"retries"`
}

// SpawnConfig holds the child spawn commands from [spawn]. Templates may
// reference {task_id}, {repo_key}, {repo_path}, {run_dir}, {run_id} and,
// for reviewers and docs, {patch_path}.
type SpawnConfig struct {
	WorkerCmd   string `toml:"worker_cmd"`
	ReviewerCmd string `toml:"reviewer_cmd"`
	DocsCmd     string `toml:"docs_cmd"`
	HandshakeMs int    `toml:"handshake_ms"`
}

// NotifyConfig holds the notifier settings from [notify].
type NotifyConfig struct {
	Cmd         string   `toml:"cmd"`
	DenyTargets []string `toml:"deny_targets"`
	RepeatMin   int      `toml:"repeat_min"`
}

// GuardianConfig holds the heartbeat watcher settings from [guardian].
type GuardianConfig struct {
	BringUpCmd       string `toml:"bring_up_cmd"`
	StaleFactor      int    `toml:"stale_factor"`
	MaxRestarts      int    `toml:"max_restarts"`
	RestartWindowMin int    `toml:"restart_window_min"`
	IntervalSec      int    `toml:"interval_sec"`
}

// LogConfig holds logging settings from [log].
type LogConfig struct {
	Level string `toml:"level"`
}

// Config is the merged orchestrator configuration. File values that differ
// from the defaults win over environment fallbacks; defaults fill the rest.
type Config struct {
	ProjectName string `toml:"project_name"`

	TickSeconds  int `toml:"tick_seconds"`
	TickBudgetMs int `toml:"tick_budget_ms"`
	ActionBudget int `toml:"action_budget"`
	CooldownMin  int `toml:"cooldown_min"`
	WIPLimit     int `toml:"wip_limit"`
	DocsWIPLimit int `toml:"docs_wip_limit"`

	ReviewThreshold int  `toml:"review_threshold"`
	ReviewAutoDone  bool `toml:"review_auto_done"`

	MissingWorkerPolicy string `toml:"missing_worker_policy"`

	ThrashWindowMin       int `toml:"thrash_window_min"`
	MaxRespawns           int `toml:"max_respawns"`
	MaxReworksPerRevision int `toml:"max_reworks_per_revision"`
	MaxSpawnFailures      int `toml:"max_spawn_failures"`
	StaleWorkerLogMin     int `toml:"stale_worker_log_min"`

	AllowTitleRepoHint bool `toml:"allow_title_repo_hint"`

	LockStrategy string `toml:"lock_strategy"`
	LockWaitMs   int    `toml:"lock_wait_ms"`

	RunsRoot      string `toml:"runs_root"`
	StateRoot     string `toml:"state_root"`
	HeartbeatPath string `toml:"heartbeat_path"`
	LockPath      string `toml:"lock_path"`
	RepoRoot      string `toml:"repo_root"`
	RepoMapPath   string `toml:"repo_map_path"`

	SwimlanePriority []string `toml:"swimlane_priority"`

	DryRunTicks int `toml:"dry_run_ticks"`

	Board    BoardConfig    `toml:"board"`
	Spawn    SpawnConfig    `toml:"spawn"`
	Notify   NotifyConfig   `toml:"notify"`
	Guardian GuardianConfig `toml:"guardian"`
	Log      LogConfig      `toml:"log"`

	// Warnings collected while loading (unknown keys, ignored files).
	Warnings []string `toml:"-"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		ProjectName:           "Deckhand",
		TickSeconds:           20,
		TickBudgetMs:          60_000,
		ActionBudget:          3,
		CooldownMin:           30,
		WIPLimit:              2,
		DocsWIPLimit:          1,
		ReviewThreshold:       90,
		ReviewAutoDone:        false,
		MissingWorkerPolicy:   MissingWorkerSpawn,
		ThrashWindowMin:       60,
		MaxRespawns:           3,
		MaxReworksPerRevision: 2,
		MaxSpawnFailures:      3,
		StaleWorkerLogMin:     30,
		AllowTitleRepoHint:    false,
		LockStrategy:          LockStrategyOS,
		LockWaitMs:            0,
		RunsRoot:              "runs",
		StateRoot:             "state",
		Board: BoardConfig{
			TimeoutSec: 10,
			Retries:    2,
		},
		Spawn: SpawnConfig{
			HandshakeMs: 3000,
		},
		Notify: NotifyConfig{
			RepeatMin: 30,
		},
		Guardian: GuardianConfig{
			StaleFactor:      3,
			MaxRestarts:      3,
			RestartWindowMin: 30,
			IntervalSec:      60,
		},
		Log: LogConfig{Level: "info"},
	}
}

// StatePath returns the state document path.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateRoot, "board-orchestrator-state.json")
}

// EffectiveHeartbeatPath returns the configured heartbeat path, defaulting
// to a sibling of the state document.
func (c *Config) EffectiveHeartbeatPath() string {
	if c.HeartbeatPath != "" {
		return c.HeartbeatPath
	}
	return filepath.Join(c.StateRoot, "orchestrator-heartbeat.json")
}

// EffectiveLockPath returns the configured lock path, defaulting to a
// sibling of the state document.
func (c *Config) EffectiveLockPath() string {
	if c.LockPath != "" {
		return c.LockPath
	}
	return filepath.Join(c.StateRoot, "board-orchestrator.lock")
}

// Validate rejects configurations the orchestrator cannot run with.
// Configuration errors are fatal at startup only, never during a tick.
func (c *Config) Validate() error {
	if c.TickSeconds < 5 || c.TickSeconds > 60 {
		return fmt.Errorf("%w: tick_seconds must be within [5,60], got %d", ErrConfig, c.TickSeconds)
	}
	if c.ActionBudget < 1 {
		return fmt.Errorf("%w: action_budget must be >= 1", ErrConfig)
	}
	if c.WIPLimit < 1 {
		return fmt.Errorf("%w: wip_limit must be >= 1", ErrConfig)
	}
	if c.ReviewThreshold < 1 || c.ReviewThreshold > 100 {
		return fmt.Errorf("%w: review_threshold must be within [1,100]", ErrConfig)
	}
	switch c.MissingWorkerPolicy {
	case MissingWorkerSpawn, MissingWorkerPause:
	default:
		return fmt.Errorf("%w: missing_worker_policy must be %q or %q", ErrConfig, MissingWorkerSpawn, MissingWorkerPause)
	}
	switch c.LockStrategy {
	case LockStrategyOS, LockStrategyStaleFile:
	default:
		return fmt.Errorf("%w: lock_strategy must be %q or %q", ErrConfig, LockStrategyOS, LockStrategyStaleFile)
	}
	if c.Board.URL == "" {
		return fmt.Errorf("%w: board.url is required", ErrConfig)
	}
	if c.Spawn.WorkerCmd == "" {
		return fmt.Errorf("%w: spawn.worker_cmd is required", ErrConfig)
	}
	return nil
}
