package domain

import "encoding/json"

// StateSchemaVersion is bumped on incompatible layout changes. Migrations
// are field-additive; unknown fields are preserved across load/save.
const StateSchemaVersion = 2

// CriticalPause records why a WIP task was paused for critical preemption,
// so resume can remove exactly the tags this orchestrator added.
type CriticalPause struct {
	WhyTagsAdded []string `json:"whyTagsAdded"`
	PausedAtMs   int64    `json:"pausedAtMs"`
}

// ReworkEvent is one REWORK outcome for a given patch revision.
type ReworkEvent struct {
	Revision string `json:"revision"`
	Ms       int64  `json:"ms"`
}

// State is the single JSON document the orchestrator persists between ticks.
// It is overwritten atomically per tick; there is no incremental mutation
// visible to readers.
type State struct {
	SchemaVersion       int  `json:"schemaVersion"`
	DryRun              bool `json:"dryRun,omitempty"`
	DryRunRunsRemaining int  `json:"dryRunRunsRemaining,omitempty"`

	LastActionsByTaskID map[int]int64     `json:"lastActionsByTaskId"`
	SwimlanePriority    []string          `json:"swimlanePriority,omitempty"`
	RepoMap             map[string]string `json:"repoMap"`
	RepoByTaskID        map[int]string    `json:"repoByTaskId"`

	WorkersByTaskID   map[int]*WorkerEntry   `json:"workersByTaskId"`
	ReviewersByTaskID map[int]*ReviewerEntry `json:"reviewersByTaskId"`
	DocsByTaskID      map[int]*DocsEntry     `json:"docsByTaskId"`

	ReviewResultsByTaskID map[int]*StoredReview `json:"reviewResultsByTaskId"`

	// PatchPathsByTaskID remembers the last completed worker patch per task
	// so reviewers and docs runs can be pointed at it after the worker
	// entry is cleared.
	PatchPathsByTaskID map[int]string `json:"patchPathsByTaskId"`

	PausedByCritical    map[int]*CriticalPause `json:"pausedByCritical"`
	AutoBlockedByTaskID map[int]string         `json:"autoBlockedByOrchestrator"`

	RespawnHistoryByTaskID      map[int][]int64       `json:"respawnHistoryByTaskId"`
	ReviewReworkHistoryByTaskID map[int][]ReworkEvent `json:"reviewReworkHistoryByTaskId"`

	ReviewerSpawnFailuresByTaskID map[int]int `json:"reviewerSpawnFailuresByTaskId"`
	DocsSpawnFailuresByTaskID     map[int]int `json:"docsSpawnFailuresByTaskId"`

	// LastNotifyDigest suppresses repeated identical notifications.
	LastNotifyDigest string `json:"lastNotifyDigest,omitempty"`
	LastNotifyMs     int64  `json:"lastNotifyMs,omitempty"`

	// Unknown holds top-level fields this build does not recognize; the
	// store writes them back verbatim so newer fields survive a round-trip
	// through an older binary.
	Unknown map[string]json.RawMessage `json:"-"`
}

// NewState returns an initialized state document with every map allocated.
func NewState() *State {
	return &State{
		SchemaVersion:                 StateSchemaVersion,
		LastActionsByTaskID:           map[int]int64{},
		RepoMap:                       map[string]string{},
		RepoByTaskID:                  map[int]string{},
		WorkersByTaskID:               map[int]*WorkerEntry{},
		ReviewersByTaskID:             map[int]*ReviewerEntry{},
		DocsByTaskID:                  map[int]*DocsEntry{},
		ReviewResultsByTaskID:         map[int]*StoredReview{},
		PatchPathsByTaskID:            map[int]string{},
		PausedByCritical:              map[int]*CriticalPause{},
		AutoBlockedByTaskID:           map[int]string{},
		RespawnHistoryByTaskID:        map[int][]int64{},
		ReviewReworkHistoryByTaskID:   map[int][]ReworkEvent{},
		ReviewerSpawnFailuresByTaskID: map[int]int{},
		DocsSpawnFailuresByTaskID:     map[int]int{},
	}
}

// EnsureMaps allocates any nil map so callers can index without guards.
func (s *State) EnsureMaps() {
	if s.LastActionsByTaskID == nil {
		s.LastActionsByTaskID = map[int]int64{}
	}
	if s.RepoMap == nil {
		s.RepoMap = map[string]string{}
	}
	if s.RepoByTaskID == nil {
		s.RepoByTaskID = map[int]string{}
	}
	if s.WorkersByTaskID == nil {
		s.WorkersByTaskID = map[int]*WorkerEntry{}
	}
	if s.ReviewersByTaskID == nil {
		s.ReviewersByTaskID = map[int]*ReviewerEntry{}
	}
	if s.DocsByTaskID == nil {
		s.DocsByTaskID = map[int]*DocsEntry{}
	}
	if s.ReviewResultsByTaskID == nil {
		s.ReviewResultsByTaskID = map[int]*StoredReview{}
	}
	if s.PatchPathsByTaskID == nil {
		s.PatchPathsByTaskID = map[int]string{}
	}
	if s.PausedByCritical == nil {
		s.PausedByCritical = map[int]*CriticalPause{}
	}
	if s.AutoBlockedByTaskID == nil {
		s.AutoBlockedByTaskID = map[int]string{}
	}
	if s.RespawnHistoryByTaskID == nil {
		s.RespawnHistoryByTaskID = map[int][]int64{}
	}
	if s.ReviewReworkHistoryByTaskID == nil {
		s.ReviewReworkHistoryByTaskID = map[int][]ReworkEvent{}
	}
	if s.ReviewerSpawnFailuresByTaskID == nil {
		s.ReviewerSpawnFailuresByTaskID = map[int]int{}
	}
	if s.DocsSpawnFailuresByTaskID == nil {
		s.DocsSpawnFailuresByTaskID = map[int]int{}
	}
}

// Clone returns a deep copy via a JSON round-trip. Unknown fields are
// carried over as-is.
func (s *State) Clone() *State {
	raw, err := json.Marshal(s)
	if err != nil {
		c := NewState()
		return c
	}
	out := &State{}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewState()
	}
	out.EnsureMaps()
	if len(s.Unknown) > 0 {
		out.Unknown = make(map[string]json.RawMessage, len(s.Unknown))
		for k, v := range s.Unknown {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.Unknown[k] = cp
		}
	}
	return out
}

// Heartbeat is the liveness record the reconciler writes after every tick.
type Heartbeat struct {
	TS          string `json:"ts"`
	Phase       string `json:"phase"`
	Version     string `json:"version"`
	TSEpochS    int64  `json:"tsEpochS"`
	PID         int    `json:"pid"`
	TickSeconds int    `json:"tickSeconds"`
}
