// Package classify derives orchestrator attributes from raw board tasks.
// Everything here is pure: same task and repo map in, same attributes out.
package classify

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ktsuji/deckhand/internal/domain"
)

var (
	dependsRE   = regexp.MustCompile(`(?im)^(?:depends on|dependency|dependencies)\s*:\s*(.+)$`)
	exclusiveRE = regexp.MustCompile(`(?im)^exclusive\s*:\s*(.+)$`)
	repoRE      = regexp.MustCompile(`(?im)^repo\s*:\s*(.+)$`)
	titleRepoRE = regexp.MustCompile(`^\s*([A-Za-z0-9_/-]+)\s*:\s*`)
	keyCleanRE  = regexp.MustCompile(`[^a-z0-9]+`)
	depSplitRE  = regexp.MustCompile(`[\s,]+`)
)

// Attributes are the derived fields the policy engine works with.
// Fields are ordered to minimize memory padding.
type Attributes struct {
	RepoHint       string
	RepoHintSource string // "tag", "description" or "title"
	RepoKey        string
	RepoPath       string
	ExclusiveKeys  []string
	Dependencies   []int
	NoRepo         bool
	Critical       bool
	Epic           bool
	Held           bool
	HardHold       bool
}

// Options tunes classification.
type Options struct {
	// AllowTitleRepoHint enables the legacy "<key>: title" repo mapping.
	AllowTitleRepoHint bool
}

// Classify derives attributes for a task against the current repo map.
func Classify(t *domain.Task, repoMap map[string]string, opts Options) Attributes {
	attrs := Attributes{
		Dependencies:  ParseDependsOn(t.Description),
		ExclusiveKeys: ParseExclusiveKeys(t.Tags, t.Description),
		NoRepo:        domain.HasTag(t.Tags, domain.TagNoRepo),
		Critical:      domain.HasTag(t.Tags, domain.TagCritical),
		Epic:          domain.HasTag(t.Tags, domain.TagEpic),
		Held:          IsHeld(t.Tags),
		HardHold:      IsHardHold(t.Tags),
	}
	attrs.RepoHint, attrs.RepoHintSource = RepoHint(t.Tags, t.Description, t.Title, opts.AllowTitleRepoHint)
	attrs.RepoKey, attrs.RepoPath = ResolveRepoPath(attrs.RepoHint, repoMap)
	return attrs
}

// ParseDependsOn extracts task ids from the first "Depends on:" /
// "Dependency:" / "Dependencies:" line. Tokens may be comma- or
// whitespace-separated and may carry a leading '#'.
func ParseDependsOn(description string) []int {
	if description == "" {
		return nil
	}
	m := dependsRE.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	var ids []int
	for _, part := range depSplitRE.Split(strings.TrimSpace(m[1]), -1) {
		part = strings.TrimPrefix(strings.TrimSpace(part), "#")
		if part == "" {
			continue
		}
		if id, err := strconv.Atoi(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ParseExclusiveKeys unions exclusive:<key> tags with the description's
// "Exclusive: k1,k2" line, lowercased and deduplicated in first-seen order.
func ParseExclusiveKeys(tags []string, description string) []string {
	var keys []string
	for _, t := range tags {
		if a, b, ok := strings.Cut(t, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(a), "exclusive") {
				if k := strings.ToLower(strings.TrimSpace(b)); k != "" {
					keys = append(keys, k)
				}
			}
		}
	}
	if description != "" {
		if m := exclusiveRE.FindStringSubmatch(description); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				if k := strings.ToLower(strings.TrimSpace(part)); k != "" {
					keys = append(keys, k)
				}
			}
		}
	}
	seen := map[string]bool{}
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// RepoHint resolves the repo hint by first-match of: tag repo:<key>,
// description "Repo: ..." line, optional legacy title prefix. The source is
// reported so operators can see where a mapping came from.
func RepoHint(tags []string, description, title string, allowTitlePrefix bool) (hint, source string) {
	for _, t := range tags {
		if a, b, ok := strings.Cut(t, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(a), "repo") {
				if v := strings.TrimSpace(b); v != "" {
					return v, "tag"
				}
			}
		}
	}
	if description != "" {
		if m := repoRE.FindStringSubmatch(description); m != nil {
			return strings.TrimSpace(m[1]), "description"
		}
	}
	if allowTitlePrefix && title != "" {
		if m := titleRepoRE.FindStringSubmatch(title); m != nil {
			// Multi-segment prefixes like "Web/Playground:" take the first
			// segment as the hint.
			raw := strings.TrimSpace(m[1])
			first, _, _ := strings.Cut(raw, "/")
			if first = strings.TrimSpace(first); first != "" {
				return first, "title"
			}
		}
	}
	return "", ""
}

// NormalizeRepoKey lowercases a hint and collapses non-alphanumerics.
func NormalizeRepoKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = keyCleanRE.ReplaceAllString(k, "-")
	return strings.Trim(k, "-")
}

// ResolveRepoPath maps a hint to (key, absolute path). A hint containing a
// path separator that names an existing directory is used directly; other
// hints resolve through the repo map. A key without a mapped path returns
// (key, "") so the caller can block with a reason.
func ResolveRepoPath(hint string, repoMap map[string]string) (key, path string) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", ""
	}
	if strings.ContainsAny(hint, `/\`) {
		if p := expandHome(hint); isDir(p) {
			return NormalizeRepoKey(filepath.Base(p)), p
		}
	}
	key = NormalizeRepoKey(hint)
	if key == "" {
		return "", ""
	}
	if p, ok := repoMap[key]; ok && isDir(p) {
		return key, p
	}
	return key, ""
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// IsHeld reports whether automation must leave the task alone: manual holds,
// pause tags, and blocked reason tags all count until cleared or healed.
func IsHeld(tags []string) bool {
	for _, t := range tags {
		lt := strings.ToLower(t)
		switch {
		case lt == domain.TagHold, lt == domain.TagNoAuto, lt == domain.TagPaused:
			return true
		case strings.HasPrefix(lt, domain.HoldTagPrefix),
			strings.HasPrefix(lt, domain.PausedTagPrefix),
			strings.HasPrefix(lt, domain.BlockedTagPrefix):
			return true
		}
	}
	return false
}

// IsHardHold reports human intent to stop automation for critical
// selection. Orchestrator-owned fences (hold:queued-critical) do not count,
// and paused/blocked tags do not either: a paused critical still freezes
// throughput until it is resolved.
func IsHardHold(tags []string) bool {
	hasPlainHold := domain.HasTag(tags, domain.TagHold)
	hasQueuedFence := domain.HasTag(tags, domain.TagHoldQueuedCritical)
	if hasPlainHold {
		// Older runs added plain `hold` alongside the fence; treat that pair
		// as orchestrator-managed so the task can be unqueued.
		return !hasQueuedFence
	}
	if domain.HasTag(tags, domain.TagNoAuto) {
		return true
	}
	for _, t := range tags {
		lt := strings.ToLower(t)
		if strings.HasPrefix(lt, domain.HoldTagPrefix) && lt != domain.TagHoldQueuedCritical {
			return true
		}
	}
	return false
}
