package domain

import (
	"fmt"
	"strings"
)

// RunKind distinguishes the three child-process flavors.
type RunKind string

const (
	RunWorker   RunKind = "worker"
	RunReviewer RunKind = "review"
	RunDocs     RunKind = "docs"
)

// IsValid returns true for a known run kind.
func (k RunKind) IsValid() bool {
	return k == RunWorker || k == RunReviewer || k == RunDocs
}

// Run is one materialized worker/reviewer/docs invocation. The directory is
// created by the registry before spawn; the child writes artifacts into it.
// Fields are ordered to minimize memory padding.
type Run struct {
	RunID       string
	RunDir      string
	LogPath     string
	PatchPath   string
	CommentPath string
	DonePath    string
	ResultPath  string
	MetaPath    string
	StartedAtMs int64
	TaskID      int
	Kind        RunKind
}

// WorkerEntry records the current worker run for a task. Only the paths
// recorded here are authoritative; artifacts in older run directories are
// ignored (stale-path rule).
// Fields are ordered to minimize memory padding.
type WorkerEntry struct {
	RunID         string `json:"runId"`
	RunDir        string `json:"runDir"`
	DonePath      string `json:"donePath"`
	PatchPath     string `json:"patchPath"`
	CommentPath   string `json:"commentPath"`
	LogPath       string `json:"logPath"`
	ExecSessionID string `json:"execSessionId,omitempty"`
	RepoKey       string `json:"repoKey,omitempty"`
	RepoPath      string `json:"repoPath,omitempty"`
	StartedAtMs   int64  `json:"startedAtMs"`
}

// ReviewerEntry records the current reviewer run for a task.
type ReviewerEntry struct {
	RunID         string `json:"runId"`
	RunDir        string `json:"runDir"`
	ResultPath    string `json:"resultPath"`
	LogPath       string `json:"logPath"`
	ExecSessionID string `json:"execSessionId,omitempty"`
	PatchRevision string `json:"patchRevision,omitempty"`
	StartedAtMs   int64  `json:"startedAtMs"`
}

// DocsEntry records the current docs run for a task.
type DocsEntry struct {
	RunID         string `json:"runId"`
	RunDir        string `json:"runDir"`
	DonePath      string `json:"donePath"`
	PatchPath     string `json:"patchPath"`
	CommentPath   string `json:"commentPath"`
	LogPath       string `json:"logPath"`
	ExecSessionID string `json:"execSessionId,omitempty"`
	StartedAtMs   int64  `json:"startedAtMs"`
}

// DoneReport is the canonical completion payload a worker or docs child
// writes as done.json.
type DoneReport struct {
	PatchPath     string `json:"patchPath"`
	CommentPath   string `json:"commentPath"`
	RunID         string `json:"runId"`
	SchemaVersion int    `json:"schemaVersion"`
	TaskID        int    `json:"taskId"`
	ExitCode      int    `json:"exitCode"`
	StartedAtMs   int64  `json:"startedAtMs"`
	FinishedAtMs  int64  `json:"finishedAtMs"`
	PatchBytes    int64  `json:"patchBytes"`
	CommentBytes  int64  `json:"commentBytes"`
	OK            bool   `json:"ok"`
	PatchExists   bool   `json:"patchExists"`
	CommentExists bool   `json:"commentExists"`
}

// Valid reports whether the payload counts as a successful completion.
// Docs runs may legitimately produce a zero-byte patch (deliberate skip).
func (d *DoneReport) Valid(kind RunKind) bool {
	if d == nil || !d.OK || !d.PatchExists || !d.CommentExists {
		return false
	}
	if kind == RunDocs {
		return d.PatchBytes >= 0
	}
	return d.PatchBytes > 0
}

// ReviewVerdict is the reviewer's reported outcome.
type ReviewVerdict string

const (
	VerdictPass    ReviewVerdict = "PASS"
	VerdictRework  ReviewVerdict = "REWORK"
	VerdictBlocker ReviewVerdict = "BLOCKER"
)

// ReviewResult is the canonical reviewer payload (review.json).
type ReviewResult struct {
	Verdict        ReviewVerdict `json:"verdict"`
	Notes          string        `json:"notes"`
	ReviewRevision string        `json:"reviewRevision,omitempty"`
	CriticalItems  []string      `json:"critical_items"`
	Score          int           `json:"score"`
}

// Passed centralizes the pass policy so it cannot drift: PASS requires the
// reported verdict, a score at or above the threshold, and zero critical
// items. A PASS verdict with critical items is treated as REWORK.
func (r *ReviewResult) Passed(threshold int) bool {
	if r == nil {
		return false
	}
	if r.Score < threshold {
		return false
	}
	if strings.ToUpper(string(r.Verdict)) != string(VerdictPass) {
		return false
	}
	return len(r.CriticalItems) == 0
}

// EffectiveVerdict returns the normalized verdict after applying Passed.
func (r *ReviewResult) EffectiveVerdict(threshold int) ReviewVerdict {
	if r.Passed(threshold) {
		return VerdictPass
	}
	if strings.ToUpper(string(r.Verdict)) == string(VerdictBlocker) {
		return VerdictBlocker
	}
	return VerdictRework
}

// StoredReview is a review result kept in the state document together with
// when it was stored.
type StoredReview struct {
	Verdict        ReviewVerdict `json:"verdict"`
	Notes          string        `json:"notes"`
	ReviewRevision string        `json:"reviewRevision,omitempty"`
	CriticalItems  []string      `json:"critical_items"`
	Score          int           `json:"score"`
	StoredAtMs     int64         `json:"storedAtMs"`
}

// Handshake is the single JSON object a child prints on its first stdout
// line at spawn.
type Handshake struct {
	ExecSessionID string `json:"execSessionId"`
	RunID         string `json:"runId"`
	RunDir        string `json:"runDir"`
	LogPath       string `json:"logPath"`
	PatchPath     string `json:"patchPath,omitempty"`
	CommentPath   string `json:"commentPath,omitempty"`
	DonePath      string `json:"donePath,omitempty"`
	ResultPath    string `json:"resultPath,omitempty"`
	StartedAtMs   int64  `json:"startedAtMs"`
}

// Validate checks the handshake for the fields every kind must carry plus
// the kind-specific completion path.
func (h *Handshake) Validate(kind RunKind) error {
	if h.RunID == "" || h.RunDir == "" || h.LogPath == "" {
		return fmt.Errorf("%w: runId, runDir and logPath are required", ErrHandshakeInvalid)
	}
	switch kind {
	case RunWorker, RunDocs:
		if h.DonePath == "" {
			return fmt.Errorf("%w: donePath is required for %s runs", ErrHandshakeInvalid, kind)
		}
	case RunReviewer:
		if h.ResultPath == "" {
			return fmt.Errorf("%w: resultPath is required for review runs", ErrHandshakeInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown run kind %q", ErrHandshakeInvalid, kind)
	}
	return nil
}
