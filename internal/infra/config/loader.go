// Package config loads the orchestrator configuration from TOML files and
// environment fallbacks, and resolves the repo map.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ktsuji/deckhand/internal/domain"
)

// ConfigFileName is the per-deployment config file.
const ConfigFileName = "deckhand.toml"

// Loader merges configuration from the global config directory and the
// working directory. Precedence: defaults <- global <- local <- (env for
// fields the files left unset). A field counts as unset when it still holds
// its default value after both files are read.
type Loader struct {
	localDir      string
	globalConfDir string
}

// NewLoader creates a Loader rooted at the given working directory.
func NewLoader(localDir string) *Loader {
	return &Loader{
		localDir:      localDir,
		globalConfDir: defaultGlobalConfigDir(),
	}
}

// NewLoaderWithGlobalDir creates a Loader with a custom global config
// directory. This is useful for testing.
func NewLoaderWithGlobalDir(localDir, globalConfDir string) *Loader {
	return &Loader{localDir: localDir, globalConfDir: globalConfDir}
}

func defaultGlobalConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "deckhand")
}

// Load returns the merged configuration. Validation is the caller's job so
// commands that only read (status, board) can work with partial config.
func (l *Loader) Load() (*domain.Config, error) {
	cfg := domain.NewDefaultConfig()

	if l.globalConfDir != "" {
		if err := mergeFile(cfg, filepath.Join(l.globalConfDir, ConfigFileName)); err != nil {
			return nil, err
		}
	}
	if err := mergeFile(cfg, filepath.Join(l.localDir, ConfigFileName)); err != nil {
		return nil, err
	}

	applyEnvFallbacks(cfg)
	return cfg, nil
}

// mergeFile decodes a TOML file over the config in place. A missing file is
// fine; a malformed one is a ConfigError.
func mergeFile(cfg *domain.Config, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", domain.ErrConfig, path, err)
	}
	if err := toml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", domain.ErrConfig, path, err)
	}
	return nil
}

// applyEnvFallbacks fills fields the files left at their zero/default only
// when a DECKHAND_* variable is set. File values that differ from the
// default win; an integer field that a file set to exactly its default value
// is indistinguishable from an unset one and is replaced by the variable.
func applyEnvFallbacks(cfg *domain.Config) {
	envStr := func(key string, dst *string) {
		if *dst == "" {
			if v := os.Getenv(key); v != "" {
				*dst = v
			}
		}
	}
	envStr("DECKHAND_BOARD_URL", &cfg.Board.URL)
	envStr("DECKHAND_BOARD_USERNAME", &cfg.Board.Username)
	envStr("DECKHAND_BOARD_PASSWORD", &cfg.Board.Password)
	envStr("DECKHAND_BOARD_PROJECT", &cfg.Board.Project)
	envStr("DECKHAND_WORKER_SPAWN_CMD", &cfg.Spawn.WorkerCmd)
	envStr("DECKHAND_REVIEWER_SPAWN_CMD", &cfg.Spawn.ReviewerCmd)
	envStr("DECKHAND_DOCS_SPAWN_CMD", &cfg.Spawn.DocsCmd)
	envStr("DECKHAND_NOTIFY_CMD", &cfg.Notify.Cmd)
	envStr("DECKHAND_REPO_ROOT", &cfg.RepoRoot)
	envStr("DECKHAND_REPO_MAP_PATH", &cfg.RepoMapPath)

	defaults := domain.NewDefaultConfig()
	envInt := func(key string, dst *int, defaultVal int) {
		if *dst == defaultVal {
			if v := os.Getenv(key); v != "" {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					*dst = n
				}
			}
		}
	}
	envInt("DECKHAND_TICK_SECONDS", &cfg.TickSeconds, defaults.TickSeconds)
	envInt("DECKHAND_ACTION_BUDGET", &cfg.ActionBudget, defaults.ActionBudget)
	envInt("DECKHAND_WIP_LIMIT", &cfg.WIPLimit, defaults.WIPLimit)
	envInt("DECKHAND_REVIEW_THRESHOLD", &cfg.ReviewThreshold, defaults.ReviewThreshold)
	envInt("DECKHAND_COOLDOWN_MIN", &cfg.CooldownMin, defaults.CooldownMin)
}
