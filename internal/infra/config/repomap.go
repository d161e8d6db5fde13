package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"gopkg.in/yaml.v3"

	"github.com/ktsuji/deckhand/internal/classify"
)

// LoadRepoMapFile reads a repo map file (key -> absolute path). Keys are
// normalized; values get ~ expansion. A missing file yields an empty map.
func LoadRepoMapFile(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read repo map: %w", err)
	}

	var raw map[string]string
	decoder := yaml.NewDecoder(strings.NewReader(string(content)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse repo map %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := classify.NormalizeRepoKey(k)
		if key == "" || v == "" {
			continue
		}
		out[key] = expandHome(v)
	}
	return out, nil
}

// DiscoverRepos scans repoRoot one level deep and maps every git repository
// it finds by its normalized directory name. Non-repos are skipped.
func DiscoverRepos(repoRoot string) map[string]string {
	out := map[string]string{}
	if repoRoot == "" {
		return out
	}
	entries, err := os.ReadDir(repoRoot)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(repoRoot, entry.Name())
		if _, err := git.PlainOpen(path); err != nil {
			continue
		}
		key := classify.NormalizeRepoKey(entry.Name())
		if key != "" {
			out[key] = path
		}
	}
	return out
}

// MergeRepoMaps merges maps left to right (later wins) and prunes entries
// whose path is not a directory.
func MergeRepoMaps(maps ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			key := classify.NormalizeRepoKey(k)
			if key == "" || v == "" {
				continue
			}
			merged[key] = expandHome(v)
		}
	}
	pruned := map[string]string{}
	for k, p := range merged {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			pruned[k] = p
		}
	}
	return pruned
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
