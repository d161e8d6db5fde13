// Package testutil provides hand-written mock implementations of the
// domain ports for unit tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
)

// FixedClock returns a constant time.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
func (c FixedClock) NowMs() int64   { return c.T.UnixMilli() }

// MockBoard implements domain.Board in memory and records every mutation.
type MockBoard struct {
	SnapshotValue *domain.BoardSnapshot
	SnapshotErr   error

	MoveErr    error
	TagErr     error
	CommentErr error
	CreateErr  error

	Moves    []string
	Tags     []string
	Comments []string
	Created  []string

	NextTaskID int

	mu sync.Mutex
}

var _ domain.Board = (*MockBoard)(nil)

func (m *MockBoard) Snapshot(context.Context) (*domain.BoardSnapshot, error) {
	if m.SnapshotErr != nil {
		return nil, m.SnapshotErr
	}
	return m.SnapshotValue, nil
}

func (m *MockBoard) GetTask(_ context.Context, id int) (*domain.Task, error) {
	if m.SnapshotValue != nil {
		if t := m.SnapshotValue.Task(id); t != nil {
			return t, nil
		}
	}
	return nil, domain.ErrTaskNotFound
}

func (m *MockBoard) MoveTask(_ context.Context, id int, column domain.Column, _ int) error {
	if m.MoveErr != nil {
		return m.MoveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Moves = append(m.Moves, fmt.Sprintf("%d->%s", id, column))
	if m.SnapshotValue != nil {
		if t := m.SnapshotValue.Task(id); t != nil {
			t.Column = column
		}
	}
	return nil
}

func (m *MockBoard) SetPosition(_ context.Context, id, position int) error {
	if m.MoveErr != nil {
		return m.MoveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Moves = append(m.Moves, fmt.Sprintf("%d@%d", id, position))
	return nil
}

func (m *MockBoard) AddTag(_ context.Context, id int, tag string) error {
	if m.TagErr != nil {
		return m.TagErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tags = append(m.Tags, fmt.Sprintf("%d+%s", id, tag))
	if m.SnapshotValue != nil {
		if t := m.SnapshotValue.Task(id); t != nil && !t.HasTag(tag) {
			t.Tags = append(t.Tags, tag)
		}
	}
	return nil
}

func (m *MockBoard) RemoveTag(_ context.Context, id int, tag string) error {
	if m.TagErr != nil {
		return m.TagErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tags = append(m.Tags, fmt.Sprintf("%d-%s", id, tag))
	if m.SnapshotValue != nil {
		if t := m.SnapshotValue.Task(id); t != nil {
			kept := t.Tags[:0]
			for _, existing := range t.Tags {
				if existing != tag {
					kept = append(kept, existing)
				}
			}
			t.Tags = kept
		}
	}
	return nil
}

func (m *MockBoard) SetTags(_ context.Context, id int, tags []string) error {
	if m.TagErr != nil {
		return m.TagErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tags = append(m.Tags, fmt.Sprintf("%d=%v", id, tags))
	return nil
}

func (m *MockBoard) PostComment(_ context.Context, id int, markdown string) error {
	if m.CommentErr != nil {
		return m.CommentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Comments = append(m.Comments, fmt.Sprintf("%d:%s", id, markdown))
	return nil
}

func (m *MockBoard) CreateTask(_ context.Context, column domain.Column, title, _ string, _ []string) (int, error) {
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NextTaskID++
	m.Created = append(m.Created, fmt.Sprintf("%s:%s", column, title))
	return m.NextTaskID, nil
}

// MockStateStore keeps the state document in memory.
type MockStateStore struct {
	State   *domain.State
	LoadErr error
	SaveErr error
	Saves   int
}

var _ domain.StateStore = (*MockStateStore)(nil)

func (m *MockStateStore) Load() (*domain.State, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.State == nil {
		m.State = domain.NewState()
	}
	return m.State.Clone(), nil
}

func (m *MockStateStore) Save(s *domain.State) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Saves++
	m.State = s.Clone()
	return nil
}

// MockTickLock always grants unless Contended is set.
type MockTickLock struct {
	Contended bool
	Acquired  int
	Released  int
}

var _ domain.TickLock = (*MockTickLock)(nil)

func (m *MockTickLock) Acquire() (func(), error) {
	if m.Contended {
		return nil, domain.ErrLockContention
	}
	m.Acquired++
	return func() { m.Released++ }, nil
}

// MockRegistry implements domain.RunRegistry in memory. Completion maps are
// keyed by the entry's recorded path, mirroring the stale-path rule.
type MockRegistry struct {
	Runs          []*domain.Run
	WorkerReports map[string]*domain.DoneReport
	WorkerErrs    map[string]error
	DocsReports   map[string]*domain.DoneReport
	DocsErrs      map[string]error
	Reviews       map[string]*domain.ReviewResult
	ReviewErrs    map[string]error
	RecoveredMap  map[int]*domain.ReviewResult
	Revisions     map[string]string
	Mtimes        map[string]time.Time
	Archived      []string
	CreateErr     error

	nextRun int
}

var _ domain.RunRegistry = (*MockRegistry)(nil)

func (m *MockRegistry) Create(kind domain.RunKind, taskID int) (*domain.Run, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.nextRun++
	runID := fmt.Sprintf("run-%d", m.nextRun)
	dir := fmt.Sprintf("/runs/%s/task-%d/%s", kind, taskID, runID)
	run := &domain.Run{
		Kind: kind, TaskID: taskID, RunID: runID, RunDir: dir,
		LogPath:     dir + "/" + domain.LogFileFor(kind),
		PatchPath:   dir + "/patch.patch",
		CommentPath: dir + "/kanboard-comment.md",
		DonePath:    dir + "/done.json",
		ResultPath:  dir + "/review.json",
		MetaPath:    dir + "/meta.json",
	}
	m.Runs = append(m.Runs, run)
	return run, nil
}

func (m *MockRegistry) WorkerDone(entry *domain.WorkerEntry) (*domain.DoneReport, error) {
	if entry == nil {
		return nil, nil
	}
	if err, ok := m.WorkerErrs[entry.DonePath]; ok {
		return nil, err
	}
	return m.WorkerReports[entry.DonePath], nil
}

func (m *MockRegistry) DocsDone(entry *domain.DocsEntry) (*domain.DoneReport, error) {
	if entry == nil {
		return nil, nil
	}
	if err, ok := m.DocsErrs[entry.DonePath]; ok {
		return nil, err
	}
	return m.DocsReports[entry.DonePath], nil
}

func (m *MockRegistry) ReviewResult(entry *domain.ReviewerEntry) (*domain.ReviewResult, error) {
	if entry == nil {
		return nil, nil
	}
	if err, ok := m.ReviewErrs[entry.ResultPath]; ok {
		return nil, err
	}
	return m.Reviews[entry.ResultPath], nil
}

func (m *MockRegistry) RecoverReview(taskID int, _ string, _ int64) (*domain.ReviewResult, int64, error) {
	if r, ok := m.RecoveredMap[taskID]; ok {
		return r, 1, nil
	}
	return nil, 0, nil
}

func (m *MockRegistry) PatchRevision(path string) (string, error) {
	if m.Revisions == nil {
		return "", nil
	}
	return m.Revisions[path], nil
}

func (m *MockRegistry) Archive(kind domain.RunKind, taskID int, runDir string) error {
	m.Archived = append(m.Archived, runDir)
	return nil
}

func (m *MockRegistry) LogMtime(path string) (time.Time, error) {
	if t, ok := m.Mtimes[path]; ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("no mtime for %s", path)
}

// MockSpawner returns canned handshakes per kind.
type MockSpawner struct {
	Handshakes map[domain.RunKind]*domain.Handshake
	Err        error
	Requests   []domain.SpawnRequest

	spawnCount int
}

var _ domain.Spawner = (*MockSpawner)(nil)

func (m *MockSpawner) Spawn(_ context.Context, kind domain.RunKind, req domain.SpawnRequest) (*domain.Handshake, error) {
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if hs, ok := m.Handshakes[kind]; ok {
		return hs, nil
	}
	m.spawnCount++
	runID := fmt.Sprintf("hs-run-%d", m.spawnCount)
	dir := req.Run.RunDir
	hs := &domain.Handshake{
		ExecSessionID: fmt.Sprintf("sess-%d", m.spawnCount),
		RunID:         runID,
		RunDir:        dir,
		LogPath:       dir + "/" + domain.LogFileFor(kind),
		StartedAtMs:   1,
	}
	switch kind {
	case domain.RunReviewer:
		hs.ResultPath = dir + "/review.json"
	default:
		hs.DonePath = dir + "/done.json"
		hs.PatchPath = dir + "/patch.patch"
		hs.CommentPath = dir + "/kanboard-comment.md"
	}
	return hs, nil
}

// MockNotifier records messages.
type MockNotifier struct {
	Messages []string
}

var _ domain.Notifier = (*MockNotifier)(nil)

func (m *MockNotifier) Notify(message string) {
	m.Messages = append(m.Messages, message)
}

// NopLogger discards everything.
type NopLogger struct{}

var _ domain.Logger = NopLogger{}

func (NopLogger) Debug(int, string, string) {}
func (NopLogger) Info(int, string, string)  {}
func (NopLogger) Warn(int, string, string)  {}
func (NopLogger) Error(int, string, string) {}
