package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/deckhand/internal/domain"
)

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state", "board-orchestrator-state.json")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := New(storePath(t), nil)
	state, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, domain.StateSchemaVersion, state.SchemaVersion)
	assert.NotNil(t, state.WorkersByTaskID)
	assert.Empty(t, state.WorkersByTaskID)
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	path := storePath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	state, err := New(path, nil).Load()
	require.NoError(t, err)
	assert.Empty(t, state.WorkersByTaskID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := storePath(t)
	s := New(path, nil)

	state := domain.NewState()
	state.RepoMap["server"] = "/p/s"
	state.RepoByTaskID[20] = "server"
	state.LastActionsByTaskID[20] = 1234
	state.WorkersByTaskID[20] = &domain.WorkerEntry{
		RunID:       "20260101T000000Z-ab01",
		RunDir:      "/runs/worker/task-20/20260101T000000Z-ab01",
		DonePath:    "/runs/worker/task-20/20260101T000000Z-ab01/done.json",
		PatchPath:   "/runs/worker/task-20/20260101T000000Z-ab01/patch.patch",
		CommentPath: "/runs/worker/task-20/20260101T000000Z-ab01/kanboard-comment.md",
		StartedAtMs: 1234,
		RepoKey:     "server",
		RepoPath:    "/p/s",
	}
	state.PausedByCritical[30] = &domain.CriticalPause{
		WhyTagsAdded: []string{domain.TagPaused, domain.TagPausedCritical},
		PausedAtMs:   99,
	}
	state.RespawnHistoryByTaskID[20] = []int64{1, 2, 3}
	state.ReviewReworkHistoryByTaskID[50] = []domain.ReworkEvent{{Revision: "abc", Ms: 7}}

	require.NoError(t, s.Save(state))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, state.RepoMap, loaded.RepoMap)
	assert.Equal(t, state.RepoByTaskID, loaded.RepoByTaskID)
	assert.Equal(t, state.LastActionsByTaskID, loaded.LastActionsByTaskID)
	assert.Equal(t, state.WorkersByTaskID, loaded.WorkersByTaskID)
	assert.Equal(t, state.PausedByCritical, loaded.PausedByCritical)
	assert.Equal(t, state.RespawnHistoryByTaskID, loaded.RespawnHistoryByTaskID)
	assert.Equal(t, state.ReviewReworkHistoryByTaskID, loaded.ReviewReworkHistoryByTaskID)
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	path := storePath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(`{
		"schemaVersion": 2,
		"repoMap": {"server": "/p/s"},
		"futureFeatureByTaskId": {"12": {"foo": true}}
	}`), 0o600))

	s := New(path, nil)
	state, err := s.Load()
	require.NoError(t, err)
	require.Contains(t, state.Unknown, "futureFeatureByTaskId")

	require.NoError(t, s.Save(state))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(content, &raw))
	assert.Contains(t, raw, "futureFeatureByTaskId")
	assert.Contains(t, raw, "repoMap")
}

func TestSaveIsAtomic(t *testing.T) {
	path := storePath(t)
	s := New(path, nil)
	require.NoError(t, s.Save(domain.NewState()))

	// No temp file left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCloneIsDeep(t *testing.T) {
	state := domain.NewState()
	state.RepoMap["a"] = "/a"
	state.RespawnHistoryByTaskID[1] = []int64{10}

	clone := state.Clone()
	clone.RepoMap["a"] = "/changed"
	clone.RespawnHistoryByTaskID[1][0] = 99

	assert.Equal(t, "/a", state.RepoMap["a"])
	assert.Equal(t, int64(10), state.RespawnHistoryByTaskID[1][0])
}
