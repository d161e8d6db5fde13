package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/deckhand/internal/domain"
)

const nowMs = int64(1_760_000_000_000)

func testConfig(t *testing.T) *domain.Config {
	t.Helper()
	cfg := domain.NewDefaultConfig()
	cfg.Board.URL = "http://board/jsonrpc.php"
	cfg.Spawn.WorkerCmd = "spawn.sh {task_id}"
	return cfg
}

// repoDir returns an existing directory usable as a repo path.
func repoDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "server")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	return dir
}

func snapshot(tasks ...*domain.Task) *domain.BoardSnapshot {
	return &domain.BoardSnapshot{
		Columns: []domain.Column{
			domain.ColumnBacklog, domain.ColumnReady, domain.ColumnWIP,
			domain.ColumnReview, domain.ColumnBlocked, domain.ColumnDone,
		},
		Swimlanes: []string{"Default swimlane"},
		Tasks:     tasks,
	}
}

func withDocs(s *domain.BoardSnapshot) *domain.BoardSnapshot {
	s.Columns = append(s.Columns, domain.ColumnDocumentation)
	return s
}

func task(id int, col domain.Column, title string, tags ...string) *domain.Task {
	return &domain.Task{ID: id, Column: col, Title: title, Tags: tags, Position: id}
}

func actionsOf(d Decision) []domain.Action {
	var out []domain.Action
	for _, g := range d.Groups {
		out = append(out, g.Actions...)
	}
	return out
}

func findGroup(d Decision, reason string, taskID int) *Group {
	for i := range d.Groups {
		if d.Groups[i].Reason == reason && d.Groups[i].TaskID == taskID {
			return &d.Groups[i]
		}
	}
	return nil
}

func hasAction(actions []domain.Action, kind domain.ActionKind, taskID int, match func(domain.Action) bool) bool {
	for _, a := range actions {
		if a.Kind == kind && a.TaskID == taskID && (match == nil || match(a)) {
			return true
		}
	}
	return false
}

func workerEntry(id int, runID string) *domain.WorkerEntry {
	dir := "/runs/worker/task-" + runID
	return &domain.WorkerEntry{
		RunID:       runID,
		RunDir:      dir,
		DonePath:    dir + "/done.json",
		PatchPath:   dir + "/patch.patch",
		CommentPath: dir + "/kanboard-comment.md",
		StartedAtMs: nowMs - 60_000,
	}
}

// S1: epic breakdown is idempotent.
func TestEpicBreakdownIdempotency(t *testing.T) {
	cfg := testConfig(t)
	epic := task(10, domain.ColumnBacklog, "E", "epic")

	state := domain.NewState()
	d := Evaluate(Input{Snapshot: snapshot(epic), State: state, Config: cfg, NowMs: nowMs})

	g := findGroup(d, "epic-breakdown", 10)
	require.NotNil(t, g, "first tick creates the breakdown task")
	require.Len(t, g.Actions, 1)
	assert.Equal(t, domain.ActionCreateTask, g.Actions[0].Kind)
	assert.Equal(t, "Break down epic #10: E", g.Actions[0].Title)
	assert.Equal(t, domain.ColumnBacklog, g.Actions[0].Column)

	// Second tick: the breakdown task now exists; nothing is created and the
	// epic itself is never promoted.
	breakdown := task(11, domain.ColumnBacklog, "Break down epic #10: E")
	d2 := Evaluate(Input{Snapshot: snapshot(epic, breakdown), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	assert.Nil(t, findGroup(d2, "epic-breakdown", 10))
	for _, a := range actionsOf(d2) {
		if a.Kind == domain.ActionMoveTask && a.TaskID == 10 {
			t.Fatalf("epic must not move, got %s", a)
		}
	}
}

// A breakdown companion tagged epic must not trigger recursive breakdown.
func TestBreakdownCompanionIsNeverAnEpic(t *testing.T) {
	cfg := testConfig(t)
	companion := task(11, domain.ColumnBacklog, "Break down epic #10: E", "epic")
	d := Evaluate(Input{Snapshot: snapshot(companion), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	for _, g := range d.Groups {
		assert.NotEqual(t, "epic-breakdown", g.Reason)
	}
}

// S2 tick 1: promotion + spawn in one tick.
func TestPromotionSpawnsWorker(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	t20 := task(20, domain.ColumnBacklog, "server: do thing", "repo:server")
	d := Evaluate(Input{Snapshot: snapshot(t20), State: state, Config: cfg, NowMs: nowMs})

	g := findGroup(d, "promotion", 20)
	require.NotNil(t, g)
	require.Len(t, g.Actions, 3)
	assert.Equal(t, domain.ActionMoveTask, g.Actions[0].Kind)
	assert.Equal(t, domain.ColumnReady, g.Actions[0].Column)
	assert.Equal(t, domain.ActionMoveTask, g.Actions[1].Kind)
	assert.Equal(t, domain.ColumnWIP, g.Actions[1].Column)
	assert.True(t, g.Actions[1].SameTickMove)
	assert.Equal(t, domain.ActionSpawnRun, g.Actions[2].Kind)
	assert.Equal(t, domain.RunWorker, g.Actions[2].RunKind)
	assert.Equal(t, dir, g.Actions[2].RepoPath)
	assert.True(t, g.Cooldown, "backlog pulls are subject to cooldown")
	assert.Equal(t, "server", state.RepoByTaskID[20])
}

// S2 tick 2: completion posts the comment and advances to Review.
func TestWorkerCompletionAdvancesToReview(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	entry := workerEntry(20, "r1")
	state.WorkersByTaskID[20] = entry

	t20 := task(20, domain.ColumnWIP, "server: do thing", "repo:server")
	facts := Facts{Workers: map[int]WorkerCompletion{
		20: {Report: &domain.DoneReport{OK: true, PatchExists: true, CommentExists: true, PatchBytes: 10}, Comment: "did the thing"},
	}}
	d := Evaluate(Input{Snapshot: snapshot(t20), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "wip-complete", 20)
	require.NotNil(t, g)
	acts := g.Actions
	assert.True(t, hasAction(acts, domain.ActionPostComment, 20, func(a domain.Action) bool { return a.Text == "did the thing" }))
	assert.True(t, hasAction(acts, domain.ActionAddTag, 20, func(a domain.Action) bool { return a.Tag == domain.TagReviewAuto }))
	assert.True(t, hasAction(acts, domain.ActionAddTag, 20, func(a domain.Action) bool { return a.Tag == domain.TagReviewPending }))
	assert.True(t, hasAction(acts, domain.ActionMoveTask, 20, func(a domain.Action) bool { return a.Column == domain.ColumnReview }))
	assert.True(t, hasAction(acts, domain.ActionClearEntry, 20, func(a domain.Action) bool { return a.RunKind == domain.RunWorker }))
	assert.Equal(t, entry.PatchPath, state.PatchPathsByTaskID[20], "patch path survives entry clear")
}

func TestInvalidArtifactGoesToBacklog(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.WorkersByTaskID[20] = workerEntry(20, "r1")

	t20 := task(20, domain.ColumnWIP, "x", "repo:server")
	facts := Facts{Workers: map[int]WorkerCompletion{20: {Invalid: true}}}
	d := Evaluate(Input{Snapshot: snapshot(t20), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "wip-artifact-invalid", 20)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 20, func(a domain.Action) bool { return a.Column == domain.ColumnBacklog }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 20, func(a domain.Action) bool { return a.Tag == domain.TagBlockedArtifact }))
	// Never into Review.
	assert.False(t, hasAction(actionsOf(d), domain.ActionMoveTask, 20, func(a domain.Action) bool { return a.Column == domain.ColumnReview }))
	assert.Equal(t, "artifact", state.AutoBlockedByTaskID[20])
}

// S3: critical preemption pauses other WIP work, and resume removes only
// what the orchestrator added.
func TestCriticalPreemption(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)

	state := domain.NewState()
	state.RepoMap["server"] = dir
	state.WorkersByTaskID[30] = workerEntry(30, "r30")
	state.WorkersByTaskID[31] = workerEntry(31, "r31")

	t30 := task(30, domain.ColumnWIP, "a")
	t31 := task(31, domain.ColumnWIP, "b")
	t40 := task(40, domain.ColumnBacklog, "hotfix", "critical", "repo:server")

	// Tick 1: critical is not yet in WIP; it is promoted ahead of all else
	// and no non-critical work is pulled.
	d := Evaluate(Input{Snapshot: snapshot(t30, t31, t40), State: state, Config: cfg, NowMs: nowMs})
	require.NotNil(t, findGroup(d, "promotion", 40))
	assert.Nil(t, findGroup(d, "critical-pause", 30), "pause waits until the critical occupies WIP")

	// Tick 2: critical in WIP; both non-critical WIP tasks get paused.
	t40.Column = domain.ColumnWIP
	state.WorkersByTaskID[40] = workerEntry(40, "r40")
	d = Evaluate(Input{Snapshot: snapshot(t30, t31, t40), State: state, Config: cfg, NowMs: nowMs})

	for _, id := range []int{30, 31} {
		g := findGroup(d, "critical-pause", id)
		require.NotNil(t, g, "task %d should be paused", id)
		assert.True(t, hasAction(g.Actions, domain.ActionAddTag, id, func(a domain.Action) bool { return a.Tag == domain.TagPaused }))
		assert.True(t, hasAction(g.Actions, domain.ActionAddTag, id, func(a domain.Action) bool { return a.Tag == domain.TagPausedCritical }))
		require.NotNil(t, state.PausedByCritical[id])
		assert.ElementsMatch(t, []string{domain.TagPaused, domain.TagPausedCritical}, state.PausedByCritical[id].WhyTagsAdded)
	}
	assert.Nil(t, findGroup(d, "promotion", 30))

	// Tick 3: critical reached Review; paused tasks resume. Both tags were
	// added by the orchestrator, so both are removed.
	t40.Column = domain.ColumnReview
	t30.Tags = []string{"paused", "paused:critical"}
	t31.Tags = []string{"paused", "paused:critical"}
	delete(state.WorkersByTaskID, 40)
	d = Evaluate(Input{Snapshot: snapshot(t30, t31, t40), State: state, Config: cfg, NowMs: nowMs})

	for _, id := range []int{30, 31} {
		g := findGroup(d, "critical-resume", id)
		require.NotNil(t, g, "task %d should resume", id)
		assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, id, func(a domain.Action) bool { return a.Tag == domain.TagPausedCritical }))
		assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, id, func(a domain.Action) bool { return a.Tag == domain.TagPaused }))
	}
	assert.Empty(t, state.PausedByCritical)
}

func TestCriticalResumeKeepsPreexistingPause(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.WorkersByTaskID[30] = workerEntry(30, "r30")
	state.WorkersByTaskID[40] = workerEntry(40, "r40")

	// 30 was already paused by a human before the critical arrived.
	t30 := task(30, domain.ColumnWIP, "a", "paused")
	t40 := task(40, domain.ColumnWIP, "hotfix", "critical")

	d := Evaluate(Input{Snapshot: snapshot(t30, t40), State: state, Config: cfg, NowMs: nowMs})
	g := findGroup(d, "critical-pause", 30)
	require.NotNil(t, g)
	// Only paused:critical is added; the human's paused tag is not ours.
	assert.Equal(t, []string{domain.TagPausedCritical}, state.PausedByCritical[30].WhyTagsAdded)

	// Critical leaves WIP; only paused:critical is removed.
	t40.Column = domain.ColumnDone
	t30.Tags = []string{"paused", "paused:critical"}
	delete(state.WorkersByTaskID, 40)
	d = Evaluate(Input{Snapshot: snapshot(t30, t40), State: state, Config: cfg, NowMs: nowMs})
	g = findGroup(d, "critical-resume", 30)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, 30, func(a domain.Action) bool { return a.Tag == domain.TagPausedCritical }))
	assert.False(t, hasAction(g.Actions, domain.ActionRemoveTag, 30, func(a domain.Action) bool { return a.Tag == domain.TagPaused }))
}

func TestBlockedCriticalDoesNotFreezeBoard(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	// The critical cannot start: its dependency is not Done. Ordinary work
	// must keep flowing; freezing here would starve the board forever.
	crit := task(40, domain.ColumnBacklog, "hotfix", "critical", "repo:server")
	crit.Description = "Depends on: #99"
	dep := task(99, domain.ColumnReady, "prep", "repo:server")
	other := task(41, domain.ColumnBacklog, "normal work", "repo:server")

	d := Evaluate(Input{Snapshot: snapshot(crit, dep, other), State: state, Config: cfg, NowMs: nowMs})

	g := findGroup(d, "promotion-blocked", 40)
	require.NotNil(t, g, "critical gets its deterministic reason tag")
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 40, func(a domain.Action) bool { return a.Tag == domain.TagBlockedDeps }))
	assert.NotNil(t, findGroup(d, "promotion", 99), "non-critical promotion continues")
}

func TestCriticalInReviewDoesNotFreezeBoard(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	crit := task(40, domain.ColumnReview, "hotfix", "critical", "review:pass")
	other := task(41, domain.ColumnReady, "normal work", "repo:server")

	d := Evaluate(Input{Snapshot: snapshot(crit, other), State: state, Config: cfg, NowMs: nowMs})
	assert.NotNil(t, findGroup(d, "promotion", 41), "a critical past WIP no longer preempts pulls")
}

func TestCriticalInWIPFreezesPromotion(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir
	state.WorkersByTaskID[40] = workerEntry(40, "r40")

	crit := task(40, domain.ColumnWIP, "hotfix", "critical")
	other := task(41, domain.ColumnReady, "normal work", "repo:server")

	d := Evaluate(Input{Snapshot: snapshot(crit, other), State: state, Config: cfg, NowMs: nowMs})
	assert.Nil(t, findGroup(d, "promotion", 41), "no pulls while the critical occupies WIP")
}

func TestCriticalQueueFencing(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	active := task(40, domain.ColumnWIP, "hotfix 1", "critical", "hold:queued-critical")
	queued := task(41, domain.ColumnBacklog, "hotfix 2", "critical", "repo:server")
	state.WorkersByTaskID[40] = workerEntry(40, "r40")

	d := Evaluate(Input{Snapshot: snapshot(active, queued), State: state, Config: cfg, NowMs: nowMs})

	unfence := findGroup(d, "critical-unfence", 40)
	require.NotNil(t, unfence, "active critical loses its fence")
	fence := findGroup(d, "critical-fence", 41)
	require.NotNil(t, fence, "queued critical gains the fence")
	assert.Nil(t, findGroup(d, "promotion", 41), "queued critical stays fenced")
}

// S4: REWORK with WIP capacity moves the task back to WIP.
func TestReviewReworkWithCapacity(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{RunID: "rv1", ResultPath: "/runs/review/task-50/rv1/review.json"}

	t50 := task(50, domain.ColumnReview, "x", "review:inflight")
	other := task(51, domain.ColumnWIP, "y")
	state.WorkersByTaskID[51] = workerEntry(51, "r51")

	facts := Facts{Reviews: map[int]ReviewCompletion{
		50: {Result: &domain.ReviewResult{Score: 60, Verdict: domain.VerdictRework, CriticalItems: []string{"oops"}, ReviewRevision: "rev1"}},
	}}
	d := Evaluate(Input{Snapshot: snapshot(t50, other), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-rework", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewRework }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagNeedsRework }))
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 50, func(a domain.Action) bool { return a.Column == domain.ColumnWIP }))
	assert.True(t, hasAction(g.Actions, domain.ActionClearEntry, 50, func(a domain.Action) bool { return a.RunKind == domain.RunReviewer }))
	require.NotNil(t, state.ReviewResultsByTaskID[50])
	assert.Equal(t, domain.VerdictRework, state.ReviewResultsByTaskID[50].Verdict)
}

func TestReviewReworkAtWIPLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.WIPLimit = 2
	state := domain.NewState()
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{RunID: "rv1", ResultPath: "/r/review.json"}
	state.WorkersByTaskID[51] = workerEntry(51, "r51")
	state.WorkersByTaskID[52] = workerEntry(52, "r52")

	t50 := task(50, domain.ColumnReview, "x")
	w1 := task(51, domain.ColumnWIP, "y")
	w2 := task(52, domain.ColumnWIP, "z")

	facts := Facts{Reviews: map[int]ReviewCompletion{
		50: {Result: &domain.ReviewResult{Score: 60, Verdict: domain.VerdictRework, ReviewRevision: "rev1"}},
	}}
	d := Evaluate(Input{Snapshot: snapshot(t50, w1, w2), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-rework", 50)
	require.NotNil(t, g)
	assert.False(t, hasAction(g.Actions, domain.ActionMoveTask, 50, nil))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewBlockedWIP }))
}

func TestReviewPassToDocumentation(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{RunID: "rv1", ResultPath: "/r/review.json"}

	t50 := task(50, domain.ColumnReview, "x", "review:inflight", "review:pending")
	facts := Facts{Reviews: map[int]ReviewCompletion{
		50: {Result: &domain.ReviewResult{Score: 95, Verdict: domain.VerdictPass, CriticalItems: []string{}}},
	}}
	d := Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-pass", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewPass }))
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 50, func(a domain.Action) bool { return a.Column == domain.ColumnDocumentation }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagDocsAuto }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagDocsPending }))
}

func TestReviewPassAutoDone(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReviewAutoDone = true
	state := domain.NewState()
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{RunID: "rv1", ResultPath: "/r/review.json"}

	t50 := task(50, domain.ColumnReview, "x")
	facts := Facts{Reviews: map[int]ReviewCompletion{
		50: {Result: &domain.ReviewResult{Score: 95, Verdict: domain.VerdictPass, CriticalItems: []string{}}},
	}}
	d := Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-pass", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 50, func(a domain.Action) bool { return a.Column == domain.ColumnDone }))
}

func TestReviewPassWithoutDocsColumnStaysInReview(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{RunID: "rv1", ResultPath: "/r/review.json"}

	t50 := task(50, domain.ColumnReview, "x")
	facts := Facts{Reviews: map[int]ReviewCompletion{
		50: {Result: &domain.ReviewResult{Score: 95, Verdict: domain.VerdictPass, CriticalItems: []string{}}},
	}}
	d := Evaluate(Input{Snapshot: snapshot(t50), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-pass", 50)
	require.NotNil(t, g)
	assert.False(t, hasAction(g.Actions, domain.ActionMoveTask, 50, nil), "no docs column and no auto-done keeps the card for a human")
}

func TestReviewSpawn(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.PatchPathsByTaskID[50] = "/runs/worker/task-50/r1/patch.patch"

	t50 := task(50, domain.ColumnReview, "x", "review:auto", "review:pending")
	d := Evaluate(Input{Snapshot: snapshot(t50), State: state, Config: cfg, NowMs: nowMs})

	g := findGroup(d, "review-spawn", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionSpawnRun, 50, func(a domain.Action) bool {
		return a.RunKind == domain.RunReviewer && a.PatchPath == "/runs/worker/task-50/r1/patch.patch"
	}))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewInflight }))
	assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewPending }))
}

func TestReviewErrorWaitsForHuman(t *testing.T) {
	cfg := testConfig(t)
	t50 := task(50, domain.ColumnReview, "x", "review:error")
	d := Evaluate(Input{Snapshot: snapshot(t50), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	assert.Empty(t, d.Groups)

	// review:rerun is the human request to try again.
	t50.Tags = []string{"review:error", "review:rerun"}
	d = Evaluate(Input{Snapshot: snapshot(t50), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	g := findGroup(d, "review-spawn", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewRerun }))
	assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagReviewError }))
}

func TestReviewRecoveredResult(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()

	t50 := task(50, domain.ColumnReview, "x", "review:auto", "review:pending")
	facts := Facts{Recovered: map[int]*domain.ReviewResult{
		50: {Score: 95, Verdict: domain.VerdictPass, CriticalItems: []string{}, ReviewRevision: "rev1"},
	}}
	d := Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-pass", 50)
	require.NotNil(t, g, "recovered result is consumed without a live entry")
	assert.False(t, hasAction(g.Actions, domain.ActionClearEntry, 50, nil))
	assert.Nil(t, findGroup(d, "review-spawn", 50), "no fresh reviewer when recovery found a result")
}

func TestReviewRecoveredResultSupersedesStaleEntry(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	// The recorded entry never produced a result (reviewer crashed); a
	// newer eligible result from another run supersedes it.
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{
		RunID: "rv-stale", ResultPath: "/runs/review/task-50/rv-stale/review.json", StartedAtMs: nowMs - 600_000,
	}

	t50 := task(50, domain.ColumnReview, "x", "review:inflight")
	facts := Facts{Recovered: map[int]*domain.ReviewResult{
		50: {Score: 95, Verdict: domain.VerdictPass, CriticalItems: []string{}, ReviewRevision: "rev1"},
	}}
	d := Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-pass", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionClearEntry, 50, func(a domain.Action) bool { return a.RunKind == domain.RunReviewer }),
		"the stale entry is cleared along with the outcome")
	assert.Nil(t, findGroup(d, "review-spawn", 50))
}

func TestReviewReworkThrash(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxReworksPerRevision = 2
	state := domain.NewState()
	state.ReviewersByTaskID[50] = &domain.ReviewerEntry{RunID: "rv3", ResultPath: "/r/review.json"}
	state.ReviewReworkHistoryByTaskID[50] = []domain.ReworkEvent{
		{Revision: "rev1", Ms: nowMs - 60_000},
		{Revision: "rev1", Ms: nowMs - 30_000},
	}

	t50 := task(50, domain.ColumnReview, "x")
	facts := Facts{Reviews: map[int]ReviewCompletion{
		50: {Result: &domain.ReviewResult{Score: 40, Verdict: domain.VerdictRework, ReviewRevision: "rev1"}},
	}}
	d := Evaluate(Input{Snapshot: snapshot(t50), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "review-thrash", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 50, func(a domain.Action) bool { return a.Column == domain.ColumnBacklog }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagBlockedThrash }))
}

// S5: missing worker handle with policy=pause.
func TestMissingWorkerPause(t *testing.T) {
	cfg := testConfig(t)
	cfg.MissingWorkerPolicy = domain.MissingWorkerPause

	t60 := task(60, domain.ColumnWIP, "x")
	d := Evaluate(Input{Snapshot: snapshot(t60), State: domain.NewState(), Config: cfg, NowMs: nowMs})

	g := findGroup(d, "wip-missing-worker", 60)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 60, func(a domain.Action) bool { return a.Tag == domain.TagPaused }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 60, func(a domain.Action) bool { return a.Tag == domain.TagPausedMissingWorker }))
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 60, func(a domain.Action) bool { return a.Column == domain.ColumnBlocked }))
}

func TestMissingWorkerSpawnPolicy(t *testing.T) {
	cfg := testConfig(t)
	t60 := task(60, domain.ColumnWIP, "x")
	d := Evaluate(Input{Snapshot: snapshot(t60), State: domain.NewState(), Config: cfg, NowMs: nowMs})

	g := findGroup(d, "wip-respawn", 60)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionSpawnRun, 60, func(a domain.Action) bool { return a.RunKind == domain.RunWorker }))
}

func TestMissingWorkerRespawnThrash(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRespawns = 3
	state := domain.NewState()
	state.RespawnHistoryByTaskID[60] = []int64{nowMs - 180_000, nowMs - 120_000, nowMs - 60_000}

	t60 := task(60, domain.ColumnWIP, "x")
	d := Evaluate(Input{Snapshot: snapshot(t60), State: state, Config: cfg, NowMs: nowMs})

	g := findGroup(d, "wip-thrash", 60)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 60, func(a domain.Action) bool { return a.Tag == domain.TagPausedThrash }))
	assert.Nil(t, findGroup(d, "wip-respawn", 60))
}

func TestPausedWIPTaskIsLeftAlone(t *testing.T) {
	cfg := testConfig(t)
	t60 := task(60, domain.ColumnWIP, "x", "paused", "paused:missing-worker")
	d := Evaluate(Input{Snapshot: snapshot(t60), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	assert.Empty(t, d.Groups, "no new work for a durably paused task")
}

func TestStaleWorkerPausesWithoutKilling(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.WorkersByTaskID[60] = workerEntry(60, "r60")

	t60 := task(60, domain.ColumnWIP, "x")
	facts := Facts{StaleWorkerLogs: map[int]bool{60: true}}
	d := Evaluate(Input{Snapshot: snapshot(t60), State: state, Config: cfg, Facts: facts, NowMs: nowMs})

	g := findGroup(d, "wip-stale-worker", 60)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 60, func(a domain.Action) bool { return a.Tag == domain.TagPausedStaleWorker }))
	assert.False(t, hasAction(g.Actions, domain.ActionClearEntry, 60, nil), "the running child is never killed or dropped")
}

// S6: dependency gating and auto-heal.
func TestDependencyGating(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	t69 := task(69, domain.ColumnReady, "first")
	t69.Tags = []string{"repo:server"}
	t70 := task(70, domain.ColumnBacklog, "second", "repo:server")
	t70.Description = "Depends on: #69"

	d := Evaluate(Input{Snapshot: snapshot(t69, t70), State: state, Config: cfg, NowMs: nowMs})

	// 69 is promoted; 70 is dep-blocked.
	require.NotNil(t, findGroup(d, "promotion", 69))
	g := findGroup(d, "promotion-blocked", 70)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 70, func(a domain.Action) bool { return a.Tag == domain.TagBlockedDeps }))

	// 69 done, 70 carries the block tags: auto-heal removes them.
	t69.Column = domain.ColumnDone
	t70.Tags = []string{"repo:server", "blocked:deps", "auto-blocked"}
	d = Evaluate(Input{Snapshot: snapshot(t69, t70), State: state, Config: cfg, NowMs: nowMs})

	heal := findGroup(d, "auto-heal", 70)
	require.NotNil(t, heal)
	assert.True(t, hasAction(heal.Actions, domain.ActionRemoveTag, 70, func(a domain.Action) bool { return a.Tag == domain.TagBlockedDeps }))
	assert.True(t, hasAction(heal.Actions, domain.ActionRemoveTag, 70, func(a domain.Action) bool { return a.Tag == domain.TagAutoBlocked }))
}

func TestAutoHealFromBlockedColumnMovesToReady(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	t70 := task(70, domain.ColumnBlocked, "x", "repo:server", "blocked:repo", "auto-blocked")
	d := Evaluate(Input{Snapshot: snapshot(t70), State: state, Config: cfg, NowMs: nowMs})

	g := findGroup(d, "auto-heal", 70)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 70, func(a domain.Action) bool { return a.Column == domain.ColumnReady }))
}

func TestExclusivityGating(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir
	state.WorkersByTaskID[80] = workerEntry(80, "r80")

	holder := task(80, domain.ColumnWIP, "running", "exclusive:db")
	waiter := task(81, domain.ColumnBacklog, "waiting", "exclusive:db", "repo:server")

	d := Evaluate(Input{Snapshot: snapshot(holder, waiter), State: state, Config: cfg, NowMs: nowMs})
	g := findGroup(d, "promotion-blocked", 81)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 81, func(a domain.Action) bool { return a.Tag == domain.TagBlockedExclusive }))
}

func TestNoRepoMappingBlocks(t *testing.T) {
	cfg := testConfig(t)
	t90 := task(90, domain.ColumnBacklog, "mystery work")
	d := Evaluate(Input{Snapshot: snapshot(t90), State: domain.NewState(), Config: cfg, NowMs: nowMs})

	g := findGroup(d, "promotion-blocked", 90)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 90, func(a domain.Action) bool { return a.Tag == domain.TagBlockedRepo }))

	// no-repo tasks are exempt.
	t91 := task(91, domain.ColumnBacklog, "meta work", "no-repo")
	d = Evaluate(Input{Snapshot: snapshot(t91), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	assert.NotNil(t, findGroup(d, "promotion", 91))
}

func TestWIPLimitHonored(t *testing.T) {
	cfg := testConfig(t)
	cfg.WIPLimit = 2
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir
	state.WorkersByTaskID[1] = workerEntry(1, "r1")
	state.WorkersByTaskID[2] = workerEntry(2, "r2")

	w1 := task(1, domain.ColumnWIP, "a")
	w2 := task(2, domain.ColumnWIP, "b")
	c := task(3, domain.ColumnReady, "c", "repo:server")

	d := Evaluate(Input{Snapshot: snapshot(w1, w2, c), State: state, Config: cfg, NowMs: nowMs})
	assert.Nil(t, findGroup(d, "promotion", 3), "WIP at limit")
}

func TestHeldTasksAreSkipped(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir

	for _, tag := range []string{"hold", "no-auto", "review:skip", "paused", "paused:thrash"} {
		tt := task(5, domain.ColumnReady, "x", "repo:server", tag)
		d := Evaluate(Input{Snapshot: snapshot(tt), State: domain.NewState(), Config: cfg, NowMs: nowMs})
		assert.Nil(t, findGroup(d, "promotion", 5), "tag %s must hold the task", tag)
	}
}

func TestDocsLifecycle(t *testing.T) {
	cfg := testConfig(t)
	state := domain.NewState()
	state.PatchPathsByTaskID[50] = "/p/patch.patch"

	// Spawn.
	t50 := task(50, domain.ColumnDocumentation, "x", "docs:auto", "docs:pending")
	d := Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, NowMs: nowMs})
	g := findGroup(d, "docs-spawn", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionSpawnRun, 50, func(a domain.Action) bool { return a.RunKind == domain.RunDocs }))
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagDocsInflight }))

	// Completion with a real patch.
	state.DocsByTaskID[50] = &domain.DocsEntry{RunID: "d1", DonePath: "/d/done.json"}
	t50.Tags = []string{"docs:auto", "docs:inflight"}
	facts := Facts{Docs: map[int]WorkerCompletion{
		50: {Report: &domain.DoneReport{OK: true, PatchExists: true, CommentExists: true, PatchBytes: 5}, Comment: "docs updated"},
	}}
	d = Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, Facts: facts, NowMs: nowMs})
	g = findGroup(d, "docs-complete", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagDocsCompleted }))
	assert.True(t, hasAction(g.Actions, domain.ActionMoveTask, 50, func(a domain.Action) bool { return a.Column == domain.ColumnDone }))

	// Zero-byte patch means the docs run deliberately skipped.
	facts.Docs[50] = WorkerCompletion{Report: &domain.DoneReport{OK: true, PatchExists: true, CommentExists: true, PatchBytes: 0}}
	d = Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: state, Config: cfg, Facts: facts, NowMs: nowMs})
	g = findGroup(d, "docs-complete", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionAddTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagDocsSkip }))
}

func TestDocsWIPLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.DocsWIPLimit = 1
	state := domain.NewState()
	state.DocsByTaskID[50] = &domain.DocsEntry{RunID: "d1", DonePath: "/d/done.json"}

	running := task(50, domain.ColumnDocumentation, "x", "docs:inflight")
	waiting := task(51, domain.ColumnDocumentation, "y", "docs:auto", "docs:pending")
	d := Evaluate(Input{Snapshot: withDocs(snapshot(running, waiting)), State: state, Config: cfg, NowMs: nowMs})
	assert.Nil(t, findGroup(d, "docs-spawn", 51))
}

func TestDocsErrorRetryOnlyOnTag(t *testing.T) {
	cfg := testConfig(t)
	t50 := task(50, domain.ColumnDocumentation, "x", "docs:error")
	d := Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	assert.Empty(t, d.Groups)

	t50.Tags = []string{"docs:error", "docs:retry"}
	d = Evaluate(Input{Snapshot: withDocs(snapshot(t50)), State: domain.NewState(), Config: cfg, NowMs: nowMs})
	g := findGroup(d, "docs-spawn", 50)
	require.NotNil(t, g)
	assert.True(t, hasAction(g.Actions, domain.ActionRemoveTag, 50, func(a domain.Action) bool { return a.Tag == domain.TagDocsError }))
}

// Property 4: policy is deterministic.
func TestEvaluateIsDeterministic(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)

	build := func() Input {
		state := domain.NewState()
		state.RepoMap["server"] = dir
		state.WorkersByTaskID[2] = workerEntry(2, "r2")
		return Input{
			Snapshot: snapshot(
				task(1, domain.ColumnBacklog, "a", "repo:server"),
				task(2, domain.ColumnWIP, "b"),
				task(3, domain.ColumnReview, "c", "review:auto", "review:pending"),
				task(4, domain.ColumnBacklog, "E", "epic"),
				task(5, domain.ColumnBacklog, "d", "repo:server"),
			),
			State:  state,
			Config: cfg,
			NowMs:  nowMs,
		}
	}

	d1 := Evaluate(build())
	d2 := Evaluate(build())
	require.Equal(t, len(d1.Groups), len(d2.Groups))
	for i := range d1.Groups {
		assert.Equal(t, d1.Groups[i].Reason, d2.Groups[i].Reason)
		assert.Equal(t, d1.Groups[i].TaskID, d2.Groups[i].TaskID)
		assert.Equal(t, d1.Groups[i].Actions, d2.Groups[i].Actions)
	}
}

// Stage ordering: critical > WIP > review > docs > heal > promotion.
func TestStageOrdering(t *testing.T) {
	cfg := testConfig(t)
	dir := repoDir(t)
	state := domain.NewState()
	state.RepoMap["server"] = dir
	state.WorkersByTaskID[2] = workerEntry(2, "r2")
	state.WorkersByTaskID[9] = workerEntry(9, "r9")

	in := Input{
		Snapshot: withDocs(snapshot(
			task(9, domain.ColumnWIP, "crit", "critical"),
			task(2, domain.ColumnWIP, "b"),
			task(3, domain.ColumnReview, "c", "review:auto", "review:pending"),
			task(5, domain.ColumnDocumentation, "e", "docs:auto", "docs:pending"),
		)),
		State:  state,
		Config: cfg,
		NowMs:  nowMs,
	}
	d := Evaluate(in)

	order := map[string]int{}
	for i, g := range d.Groups {
		if _, seen := order[g.Reason]; !seen {
			order[g.Reason] = i
		}
	}
	require.Contains(t, order, "critical-pause")
	require.Contains(t, order, "review-spawn")
	require.Contains(t, order, "docs-spawn")
	assert.Less(t, order["critical-pause"], order["review-spawn"])
	assert.Less(t, order["review-spawn"], order["docs-spawn"])
}
