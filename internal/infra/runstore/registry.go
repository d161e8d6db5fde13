// Package runstore materializes worker/reviewer/docs runs as directories
// and parses their completion signals. Only paths recorded in the current
// state entry are authoritative; everything else on disk is ignored, with
// the single exception of the explicit review recovery scan.
package runstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
)

// Ensure Registry implements domain.RunRegistry.
var _ domain.RunRegistry = (*Registry)(nil)

// Registry is the on-disk run registry rooted at runsRoot.
type Registry struct {
	clock    domain.Clock
	runsRoot string
}

// New creates a Registry. A nil clock falls back to the system clock.
func New(runsRoot string, clock domain.Clock) *Registry {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Registry{runsRoot: runsRoot, clock: clock}
}

// runMeta is the spawn metadata written next to the artifacts.
type runMeta struct {
	RunID       string `json:"runId"`
	Kind        string `json:"kind"`
	CreatedAt   string `json:"createdAt"`
	TaskID      int    `json:"taskId"`
	StartedAtMs int64  `json:"startedAtMs"`
}

// Create makes a fresh run directory for (kind, taskID), writes meta.json
// and returns the run record with all artifact paths resolved.
func (r *Registry) Create(kind domain.RunKind, taskID int) (*domain.Run, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown run kind %q", kind)
	}
	now := r.clock.Now()
	runID := domain.NewRunID(now)
	dir := domain.RunDir(r.runsRoot, kind, taskID, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	run := &domain.Run{
		Kind:        kind,
		TaskID:      taskID,
		RunID:       runID,
		RunDir:      dir,
		LogPath:     filepath.Join(dir, domain.LogFileFor(kind)),
		MetaPath:    filepath.Join(dir, domain.MetaFile),
		StartedAtMs: now.UnixMilli(),
	}
	switch kind {
	case domain.RunWorker, domain.RunDocs:
		run.PatchPath = filepath.Join(dir, domain.PatchFile)
		run.CommentPath = filepath.Join(dir, domain.CommentFile)
		run.DonePath = filepath.Join(dir, domain.DoneFile)
	case domain.RunReviewer:
		run.ResultPath = filepath.Join(dir, domain.ReviewResultFile)
	}

	meta, err := json.MarshalIndent(runMeta{
		Kind:        string(kind),
		TaskID:      taskID,
		RunID:       runID,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		StartedAtMs: run.StartedAtMs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal run meta: %w", err)
	}
	if err := os.WriteFile(run.MetaPath, meta, 0o640); err != nil {
		return nil, fmt.Errorf("write run meta: %w", err)
	}
	return run, nil
}

// WorkerDone reads and validates the entry's recorded done.json. A missing
// file means the run is still going; a present but invalid file is an
// ArtifactInvalid the policy turns into blocked:artifact.
func (r *Registry) WorkerDone(entry *domain.WorkerEntry) (*domain.DoneReport, error) {
	if entry == nil || entry.DonePath == "" {
		return nil, nil
	}
	return r.readDone(entry.DonePath, domain.RunWorker)
}

// DocsDone is WorkerDone for docs entries; a zero-byte patch is legal.
func (r *Registry) DocsDone(entry *domain.DocsEntry) (*domain.DoneReport, error) {
	if entry == nil || entry.DonePath == "" {
		return nil, nil
	}
	return r.readDone(entry.DonePath, domain.RunDocs)
}

func (r *Registry) readDone(path string, kind domain.RunKind) (*domain.DoneReport, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := validateDone(content); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrArtifactInvalid, path, err)
	}
	report := &domain.DoneReport{}
	if err := json.Unmarshal(content, report); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrArtifactInvalid, path, err)
	}
	if !report.Valid(kind) {
		return nil, fmt.Errorf("%w: %s: completion did not succeed", domain.ErrArtifactInvalid, path)
	}
	return report, nil
}

// ReviewResult reads and validates the entry's recorded review.json.
func (r *Registry) ReviewResult(entry *domain.ReviewerEntry) (*domain.ReviewResult, error) {
	if entry == nil || entry.ResultPath == "" {
		return nil, nil
	}
	result, err := readReview(entry.ResultPath)
	if err != nil || result == nil {
		return result, err
	}
	return result, nil
}

func readReview(path string) (*domain.ReviewResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := validateReview(content); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrArtifactInvalid, path, err)
	}
	result := &domain.ReviewResult{}
	if err := json.Unmarshal(content, result); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrArtifactInvalid, path, err)
	}
	return result, nil
}

// RecoverReview scans the task's review root for the newest eligible result:
// under the task's review directory, reviewRevision matching the current
// patch revision, and written after newerThanMs. Archived runs count; a
// reviewer that finished while state was lost is exactly what this is for.
func (r *Registry) RecoverReview(taskID int, patchRevision string, newerThanMs int64) (*domain.ReviewResult, int64, error) {
	if patchRevision == "" {
		return nil, 0, nil
	}
	root := domain.TaskRunsDir(r.runsRoot, domain.RunReviewer, taskID)
	var (
		best   *domain.ReviewResult
		bestMs int64
	)
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() || d.Name() != domain.ReviewResultFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		ms := info.ModTime().UnixMilli()
		if ms <= newerThanMs || ms <= bestMs {
			return nil
		}
		result, err := readReview(path)
		if err != nil || result == nil {
			return nil
		}
		if result.ReviewRevision != patchRevision {
			return nil
		}
		best = result
		bestMs = ms
		return nil
	})
	if walkErr != nil {
		return nil, 0, walkErr
	}
	return best, bestMs, nil
}

// PatchRevision hashes the patch bytes; missing or empty patches hash to "".
func (r *Registry) PatchRevision(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read patch: %w", err)
	}
	if len(content) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// Archive moves a superseded run directory under the task's archive root so
// a respawn can never be confused by the old run's completion files.
func (r *Registry) Archive(kind domain.RunKind, taskID int, runDir string) error {
	if runDir == "" {
		return nil
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return nil
	}
	archiveRoot := domain.ArchiveDir(r.runsRoot, kind, taskID)
	if err := os.MkdirAll(archiveRoot, 0o750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	dest := filepath.Join(archiveRoot, fmt.Sprintf("%d-%s", r.clock.NowMs(), filepath.Base(runDir)))
	if err := os.Rename(runDir, dest); err != nil {
		return fmt.Errorf("archive run directory: %w", err)
	}
	return nil
}

// LogMtime stats a run log for stale-worker detection.
func (r *Registry) LogMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
