package domain

import (
	"context"
	"time"
)

// Board is the typed port over the external task board. Every operation is
// idempotent from the orchestrator's perspective: tags converge to a set,
// moves to a column, comments may be posted at most once per decision.
type Board interface {
	// Snapshot reads the whole board: columns, swimlanes and tasks.
	Snapshot(ctx context.Context) (*BoardSnapshot, error)

	// GetTask fetches a single task by id.
	GetTask(ctx context.Context, id int) (*Task, error)

	// MoveTask moves a task to a column at the given position. Position <= 0
	// places it first in the column.
	MoveTask(ctx context.Context, id int, column Column, position int) error

	// SetPosition reorders a task within its current column.
	SetPosition(ctx context.Context, id int, position int) error

	// AddTag adds a tag if not present.
	AddTag(ctx context.Context, id int, tag string) error

	// RemoveTag removes a tag if present.
	RemoveTag(ctx context.Context, id int, tag string) error

	// SetTags replaces the tag set.
	SetTags(ctx context.Context, id int, tags []string) error

	// PostComment attaches a markdown comment.
	PostComment(ctx context.Context, id int, markdown string) error

	// CreateTask creates a task and returns its id.
	CreateTask(ctx context.Context, column Column, title, description string, tags []string) (int, error)
}

// StateStore persists the state document. Load never fails past the
// reconciler: a missing or corrupt file yields defaults.
type StateStore interface {
	Load() (*State, error)
	Save(*State) error
}

// TickLock serializes ticks across processes. Acquire is non-blocking;
// contention returns ErrLockContention.
type TickLock interface {
	Acquire() (release func(), err error)
}

// RunRegistry materializes runs on disk and parses completion signals.
type RunRegistry interface {
	// Create makes a fresh run directory for (kind, taskID) and returns the
	// run record with every artifact path filled in.
	Create(kind RunKind, taskID int) (*Run, error)

	// WorkerDone reads the entry's recorded donePath. Returns (nil, nil)
	// when the file does not exist yet, ErrArtifactInvalid when it exists
	// but does not validate.
	WorkerDone(entry *WorkerEntry) (*DoneReport, error)

	// DocsDone is WorkerDone for docs entries (zero-byte patch allowed).
	DocsDone(entry *DocsEntry) (*DoneReport, error)

	// ReviewResult reads the entry's recorded resultPath. Returns (nil, nil)
	// when absent, ErrArtifactInvalid when present but malformed.
	ReviewResult(entry *ReviewerEntry) (*ReviewResult, error)

	// RecoverReview scans the task's review root for the newest result whose
	// reviewRevision matches the given patch revision and which is newer
	// than newerThanMs. Used when there is no stored reviewer entry, or when
	// the stored entry has not produced a result.
	RecoverReview(taskID int, patchRevision string, newerThanMs int64) (*ReviewResult, int64, error)

	// PatchRevision hashes the current patch bytes; "" when the patch is
	// missing or empty.
	PatchRevision(path string) (string, error)

	// Archive moves a superseded run directory aside before a respawn
	// records a new entry for the same task and kind.
	Archive(kind RunKind, taskID int, runDir string) error

	// LogMtime stats a run log for stale-worker detection.
	LogMtime(path string) (time.Time, error)
}

// SpawnRequest carries everything a spawn command template can reference.
type SpawnRequest struct {
	Run       *Run
	RepoKey   string
	RepoPath  string
	PatchPath string
	TaskID    int
}

// Spawner invokes the configured spawn command for a kind and parses the
// one-line JSON handshake the child prints on stdout.
type Spawner interface {
	Spawn(ctx context.Context, kind RunKind, req SpawnRequest) (*Handshake, error)
}

// Notifier delivers best-effort operator alerts. It must never fail the
// tick; errors are swallowed after logging.
type Notifier interface {
	Notify(message string)
}

// Logger writes leveled log lines to the global log and, when taskID > 0,
// to the task's own log file.
type Logger interface {
	Debug(taskID int, category, msg string)
	Info(taskID int, category, msg string)
	Warn(taskID int, category, msg string)
	Error(taskID int, category, msg string)
}

// Clock provides time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NowMs returns the current wall clock in epoch milliseconds.
	NowMs() int64
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NowMs returns epoch milliseconds.
func (RealClock) NowMs() int64 { return time.Now().UnixMilli() }
