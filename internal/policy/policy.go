package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ktsuji/deckhand/internal/classify"
	"github.com/ktsuji/deckhand/internal/domain"
)

// WorkerCompletion is what the reconciler learned about a worker or docs
// run before the policy call: the parsed report, the comment body to post,
// or the fact that a completion file exists but is invalid.
type WorkerCompletion struct {
	Report  *domain.DoneReport
	Comment string
	Invalid bool
}

// ReviewCompletion is the reviewer counterpart.
type ReviewCompletion struct {
	Result  *domain.ReviewResult
	Invalid bool
}

// Facts carries every registry read the policy needs, gathered up front so
// Evaluate stays pure and deterministic.
type Facts struct {
	Workers         map[int]WorkerCompletion
	Docs            map[int]WorkerCompletion
	Reviews         map[int]ReviewCompletion
	Recovered       map[int]*domain.ReviewResult
	PatchRevisions  map[int]string
	StaleWorkerLogs map[int]bool
}

// Input is one tick's worth of world state.
type Input struct {
	Snapshot *domain.BoardSnapshot
	State    *domain.State
	Config   *domain.Config
	Facts    Facts
	NowMs    int64
}

// Group is a set of actions that form one logical mutation for budget
// accounting: a column move plus its accompanying tags, comments, spawns
// and entry bookkeeping count as one.
type Group struct {
	Reason  string
	Actions []domain.Action
	TaskID  int
	// Cooldown marks promotion groups subject to the cross-tick move
	// cooldown (Backlog pulls; Ready -> WIP is exempt).
	Cooldown bool
}

// BoardMutations counts the board calls in the group.
func (g Group) BoardMutations() int {
	n := 0
	for _, a := range g.Actions {
		if a.IsBoardMutation() {
			n++
		}
	}
	return n
}

// Decision is the ordered list of proposed groups. The state document is
// mutated in place for bookkeeping that accompanies the groups.
type Decision struct {
	Groups []Group
}

// Evaluate runs the seven decision stages in priority order: critical
// management, WIP reconciliation, review servicing, docs servicing,
// auto-heal, promotion, epic breakdown. Ties are broken by ascending task
// id. Calling Evaluate twice on the same input yields the same groups.
func Evaluate(in Input) Decision {
	e := &engine{
		in:   in,
		cfg:  in.Config,
		st:   in.State,
		snap: in.Snapshot,
	}
	e.prepare()
	e.selfHealState()
	e.criticalManagement()
	e.reconcileWIP()
	e.serviceReview()
	e.serviceDocs()
	e.autoHeal()
	e.promote()
	e.epicBreakdown()
	return Decision{Groups: e.groups}
}

type engine struct {
	in   Input
	cfg  *domain.Config
	st   *domain.State
	snap *domain.BoardSnapshot

	attrs          map[int]classify.Attributes
	doneIDs        map[int]bool
	swimlaneIndex  map[string]int
	groups         []Group
	wipCount       int
	activeCritical *domain.Task
	hasDocs        bool
}

func (e *engine) prepare() {
	e.st.EnsureMaps()
	e.attrs = map[int]classify.Attributes{}
	e.doneIDs = map[int]bool{}
	e.hasDocs = e.snap.HasColumn(domain.ColumnDocumentation)

	opts := classify.Options{AllowTitleRepoHint: e.cfg.AllowTitleRepoHint}
	for _, t := range e.snap.Tasks {
		a := classify.Classify(t, e.st.RepoMap, opts)
		if isBreakdownTask(t.Title) {
			// The generated breakdown companion is never itself an epic,
			// whatever it is tagged with.
			a.Epic = false
		}
		e.attrs[t.ID] = a
		if t.Column == domain.ColumnDone {
			e.doneIDs[t.ID] = true
		}
	}

	e.wipCount = len(e.snap.TasksIn(domain.ColumnWIP))

	e.swimlaneIndex = map[string]int{}
	priority := e.st.SwimlanePriority
	if len(priority) == 0 {
		priority = e.cfg.SwimlanePriority
	}
	for i, name := range priority {
		e.swimlaneIndex[name] = i
	}
}

func isBreakdownTask(title string) bool {
	return strings.HasPrefix(title, "Break down epic #")
}

// sortKey orders candidates: swimlane priority, then position, then id.
func (e *engine) sortKey(t *domain.Task) (int, int, int) {
	slIdx, ok := e.swimlaneIndex[t.Swimlane]
	if !ok {
		slIdx = len(e.swimlaneIndex)
	}
	return slIdx, t.Position, t.ID
}

func (e *engine) sortTasks(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ai, bi, ci := e.sortKey(tasks[i])
		aj, bj, cj := e.sortKey(tasks[j])
		if ai != aj {
			return ai < aj
		}
		if bi != bj {
			return bi < bj
		}
		return ci < cj
	})
}

func sortByID(tasks []*domain.Task) []*domain.Task {
	out := append([]*domain.Task(nil), tasks...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *engine) emit(g Group) {
	e.groups = append(e.groups, g)
}

// selfHealState drops bookkeeping for tasks that left the column the
// bookkeeping belongs to. No actions are emitted.
func (e *engine) selfHealState() {
	inColumn := func(id int, col domain.Column) bool {
		t := e.snap.Task(id)
		return t != nil && t.Column == col
	}
	for id := range e.st.WorkersByTaskID {
		if !inColumn(id, domain.ColumnWIP) {
			delete(e.st.WorkersByTaskID, id)
		}
	}
	for id := range e.st.ReviewersByTaskID {
		if !inColumn(id, domain.ColumnReview) {
			delete(e.st.ReviewersByTaskID, id)
		}
	}
	for id := range e.st.ReviewResultsByTaskID {
		if !inColumn(id, domain.ColumnReview) {
			delete(e.st.ReviewResultsByTaskID, id)
		}
	}
	for id := range e.st.DocsByTaskID {
		if !inColumn(id, domain.ColumnDocumentation) {
			delete(e.st.DocsByTaskID, id)
		}
	}
	for id := range e.st.RepoByTaskID {
		if e.doneIDs[id] {
			delete(e.st.RepoByTaskID, id)
		}
	}
	for id := range e.st.PatchPathsByTaskID {
		if e.doneIDs[id] {
			delete(e.st.PatchPathsByTaskID, id)
		}
	}
	for id := range e.st.AutoBlockedByTaskID {
		t := e.snap.Task(id)
		if t == nil || (!domain.HasTagPrefix(t.Tags, domain.BlockedTagPrefix) && t.Column != domain.ColumnBlocked) {
			delete(e.st.AutoBlockedByTaskID, id)
		}
	}
}

// --- stage 1: critical management -------------------------------------------

func criticalColumnPriority(col domain.Column) int {
	switch col {
	case domain.ColumnWIP:
		return 0
	case domain.ColumnReview:
		return 1
	case domain.ColumnReady:
		return 2
	default:
		return 3
	}
}

func (e *engine) criticalManagement() {
	var candidates []*domain.Task
	for _, t := range e.snap.Tasks {
		a := e.attrs[t.ID]
		if !a.Critical || a.HardHold || t.Column == domain.ColumnDone {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		e.resumeFromCriticalPause()
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := criticalColumnPriority(candidates[i].Column), criticalColumnPriority(candidates[j].Column)
		if pi != pj {
			return pi < pj
		}
		ai, bi, ci := e.sortKey(candidates[i])
		aj, bj, cj := e.sortKey(candidates[j])
		if ai != aj {
			return ai < aj
		}
		if bi != bj {
			return bi < bj
		}
		return ci < cj
	})
	e.activeCritical = candidates[0]

	// Unfence the single active critical; fence every other critical.
	if e.activeCritical.HasTag(domain.TagHoldQueuedCritical) {
		g := Group{Reason: "critical-unfence", TaskID: e.activeCritical.ID}
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: e.activeCritical.ID, Tag: domain.TagHoldQueuedCritical})
		if e.activeCritical.HasTag(domain.TagHold) {
			// Legacy pair added by older runs alongside the fence.
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: e.activeCritical.ID, Tag: domain.TagHold})
		}
		e.emit(g)
	}
	for _, t := range sortByID(candidates[1:]) {
		if !t.HasTag(domain.TagHoldQueuedCritical) {
			e.emit(Group{
				Reason: "critical-fence",
				TaskID: t.ID,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: t.ID, Tag: domain.TagHoldQueuedCritical},
				},
			})
		}
	}

	// While a critical occupies WIP, pause all other WIP tasks (tag only).
	if e.activeCritical.Column != domain.ColumnWIP {
		e.resumeFromCriticalPause()
		return
	}
	for _, t := range sortByID(e.snap.TasksIn(domain.ColumnWIP)) {
		if e.attrs[t.ID].Critical {
			continue
		}
		if _, already := e.st.PausedByCritical[t.ID]; already {
			continue
		}
		var added []string
		g := Group{Reason: "critical-pause", TaskID: t.ID}
		if !t.HasTag(domain.TagPaused) {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: t.ID, Tag: domain.TagPaused})
			added = append(added, domain.TagPaused)
		}
		if !t.HasTag(domain.TagPausedCritical) {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: t.ID, Tag: domain.TagPausedCritical})
			added = append(added, domain.TagPausedCritical)
		}
		e.st.PausedByCritical[t.ID] = &domain.CriticalPause{WhyTagsAdded: added, PausedAtMs: e.in.NowMs}
		if len(g.Actions) > 0 {
			e.emit(g)
		}
	}
}

// resumeFromCriticalPause removes critical-preemption tags once no critical
// remains in WIP. Only tags this orchestrator added are removed.
func (e *engine) resumeFromCriticalPause() {
	ids := make([]int, 0, len(e.st.PausedByCritical))
	for id := range e.st.PausedByCritical {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		pause := e.st.PausedByCritical[id]
		t := e.snap.Task(id)
		if t == nil {
			delete(e.st.PausedByCritical, id)
			continue
		}
		g := Group{Reason: "critical-resume", TaskID: id}
		if t.HasTag(domain.TagPausedCritical) {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: domain.TagPausedCritical})
		}
		removePaused := false
		for _, tag := range pause.WhyTagsAdded {
			if tag == domain.TagPaused {
				removePaused = true
			}
		}
		if removePaused && t.HasTag(domain.TagPaused) {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: domain.TagPaused})
		}
		delete(e.st.PausedByCritical, id)
		if len(g.Actions) > 0 {
			e.emit(g)
		}
	}
}

// --- stage 2: WIP reconciliation --------------------------------------------

func (e *engine) reconcileWIP() {
	for _, t := range sortByID(e.snap.TasksIn(domain.ColumnWIP)) {
		id := t.ID
		entry := e.st.WorkersByTaskID[id]

		if entry != nil {
			fact, haveFact := e.in.Facts.Workers[id]
			switch {
			case haveFact && fact.Invalid:
				e.emit(Group{
					Reason: "wip-artifact-invalid",
					TaskID: id,
					Actions: []domain.Action{
						{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnBacklog},
						{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagBlockedArtifact},
						{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagAutoBlocked},
						{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunWorker},
					},
				})
				e.st.AutoBlockedByTaskID[id] = "artifact"
			case haveFact && fact.Report != nil:
				e.st.PatchPathsByTaskID[id] = entry.PatchPath
				g := Group{Reason: "wip-complete", TaskID: id}
				if fact.Comment != "" {
					g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionPostComment, TaskID: id, Text: fact.Comment})
				}
				g.Actions = append(g.Actions,
					domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewAuto},
					domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewPending},
					domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnReview},
					domain.Action{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunWorker},
				)
				e.emit(g)
			case e.in.Facts.StaleWorkerLogs[id] && !t.HasTag(domain.TagPausedStaleWorker):
				g := Group{Reason: "wip-stale-worker", TaskID: id}
				if !t.HasTag(domain.TagPaused) {
					g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagPaused})
				}
				g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagPausedStaleWorker})
				e.emit(g)
			}
			continue
		}

		// No handle recorded. A durable pause tag keeps the task where it is.
		if domain.HasTagPrefix(t.Tags, domain.PausedTagPrefix) || t.HasTag(domain.TagPaused) {
			continue
		}

		if e.cfg.MissingWorkerPolicy == domain.MissingWorkerPause {
			e.emit(Group{
				Reason: "wip-missing-worker",
				TaskID: id,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagPaused},
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagPausedMissingWorker},
					{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnBlocked},
				},
			})
			e.st.AutoBlockedByTaskID[id] = "missing-worker"
			continue
		}

		// Policy "spawn": guard against respawn thrash first.
		if RespawnThrashed(e.st.RespawnHistoryByTaskID[id], e.in.NowMs, e.cfg.ThrashWindowMin, e.cfg.MaxRespawns) {
			e.emit(Group{
				Reason: "wip-thrash",
				TaskID: id,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagPaused},
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagPausedThrash},
					{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d paused: worker respawn thrash", id)},
				},
			})
			continue
		}
		a := e.attrs[id]
		e.emit(Group{
			Reason: "wip-respawn",
			TaskID: id,
			Actions: []domain.Action{
				{Kind: domain.ActionSpawnRun, TaskID: id, RunKind: domain.RunWorker, RepoKey: a.RepoKey, RepoPath: a.RepoPath},
			},
		})
	}
}

// --- stage 3: review servicing ----------------------------------------------

func (e *engine) serviceReview() {
	for _, t := range sortByID(e.snap.TasksIn(domain.ColumnReview)) {
		id := t.ID
		if t.HasTag(domain.TagReviewSkip) {
			continue
		}
		entry := e.st.ReviewersByTaskID[id]

		if entry == nil {
			if recovered := e.in.Facts.Recovered[id]; recovered != nil {
				e.applyReviewResult(t, recovered, false)
				continue
			}
			e.maybeSpawnReviewer(t)
			continue
		}

		fact, haveFact := e.in.Facts.Reviews[id]
		switch {
		case haveFact && fact.Invalid:
			e.emit(Group{
				Reason: "review-artifact-invalid",
				TaskID: id,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewError},
					{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunReviewer},
					{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d: reviewer wrote an invalid result", id)},
				},
			})
		case haveFact && fact.Result != nil:
			e.applyReviewResult(t, fact.Result, true)
		default:
			// The entry produced nothing, but a newer eligible result under
			// the task's review root supersedes it; the stale entry is
			// cleared along with the outcome.
			if recovered := e.in.Facts.Recovered[id]; recovered != nil {
				e.applyReviewResult(t, recovered, true)
			}
		}
	}
}

// maybeSpawnReviewer spawns the reviewer for a pending auto review, or for
// an errored review a human asked to rerun.
func (e *engine) maybeSpawnReviewer(t *domain.Task) {
	id := t.ID
	rerun := t.HasTag(domain.TagReviewRerun) || t.HasTag(domain.TagReviewRetry)
	pending := t.HasTag(domain.TagReviewPending) && t.HasTag(domain.TagReviewAuto)
	if t.HasTag(domain.TagReviewError) && !rerun {
		// Errored review without a stored result: wait for a human.
		return
	}
	if !pending && !rerun {
		return
	}

	if e.st.ReviewerSpawnFailuresByTaskID[id] >= e.cfg.MaxSpawnFailures && !rerun {
		if !t.HasTag(domain.TagReviewError) {
			e.emit(Group{
				Reason: "review-spawn-exhausted",
				TaskID: id,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewError},
					{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d: reviewer spawn failed %d times", id, e.st.ReviewerSpawnFailuresByTaskID[id])},
				},
			})
		}
		return
	}

	a := e.attrs[id]
	patchPath := e.st.PatchPathsByTaskID[id]
	g := Group{Reason: "review-spawn", TaskID: id}
	g.Actions = append(g.Actions, domain.Action{
		Kind: domain.ActionSpawnRun, TaskID: id, RunKind: domain.RunReviewer,
		RepoKey: a.RepoKey, RepoPath: a.RepoPath, PatchPath: patchPath,
	})
	g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewInflight})
	if t.HasTag(domain.TagReviewPending) {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: domain.TagReviewPending})
	}
	for _, tag := range []string{domain.TagReviewRerun, domain.TagReviewRetry, domain.TagReviewError} {
		if t.HasTag(tag) {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: tag})
		}
	}
	if rerun {
		delete(e.st.ReviewerSpawnFailuresByTaskID, id)
	}
	e.emit(g)
}

// applyReviewResult converges tags and column for a review outcome.
// clearEntry is false for recovered results that have no live entry.
func (e *engine) applyReviewResult(t *domain.Task, result *domain.ReviewResult, clearEntry bool) {
	id := t.ID
	e.st.ReviewResultsByTaskID[id] = &domain.StoredReview{
		Score:          result.Score,
		Verdict:        result.EffectiveVerdict(e.cfg.ReviewThreshold),
		CriticalItems:  result.CriticalItems,
		Notes:          result.Notes,
		ReviewRevision: result.ReviewRevision,
		StoredAtMs:     e.in.NowMs,
	}

	if result.Passed(e.cfg.ReviewThreshold) {
		g := Group{Reason: "review-pass", TaskID: id}
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewPass})
		for _, tag := range domain.ReviewPhaseTags() {
			if t.HasTag(tag) {
				g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: tag})
			}
		}
		switch {
		case e.cfg.ReviewAutoDone:
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnDone})
		case e.hasDocs:
			g.Actions = append(g.Actions,
				domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnDocumentation},
				domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagDocsAuto},
				domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagDocsPending},
			)
		}
		if clearEntry {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunReviewer})
		}
		e.emit(g)
		return
	}

	// REWORK or BLOCKER.
	revision := result.ReviewRevision
	if revision == "" {
		revision = e.in.Facts.PatchRevisions[id]
	}
	history := PruneReworkWindow(e.st.ReviewReworkHistoryByTaskID[id], e.in.NowMs, e.cfg.ThrashWindowMin)
	history = append(history, domain.ReworkEvent{Revision: revision, Ms: e.in.NowMs})
	e.st.ReviewReworkHistoryByTaskID[id] = history

	if ReworkThrashed(history, revision, e.in.NowMs, e.cfg.ThrashWindowMin, e.cfg.MaxReworksPerRevision) {
		g := Group{Reason: "review-thrash", TaskID: id}
		g.Actions = append(g.Actions,
			domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnBacklog},
			domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagBlockedThrash},
			domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagAutoBlocked},
			domain.Action{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d blocked: same revision reworked too often", id)},
		)
		if clearEntry {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunReviewer})
		}
		e.st.AutoBlockedByTaskID[id] = "thrash"
		e.emit(g)
		return
	}

	g := Group{Reason: "review-rework", TaskID: id}
	if !t.HasTag(domain.TagReviewRework) {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewRework})
	}
	if !t.HasTag(domain.TagNeedsRework) {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagNeedsRework})
	}
	if t.HasTag(domain.TagReviewInflight) {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: domain.TagReviewInflight})
	}
	if e.wipCount < e.cfg.WIPLimit {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnWIP})
		e.wipCount++
	} else if !t.HasTag(domain.TagReviewBlockedWIP) {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagReviewBlockedWIP})
	}
	if result.EffectiveVerdict(e.cfg.ReviewThreshold) == domain.VerdictBlocker {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d review BLOCKER: %s", id, firstLine(result.Notes))})
	}
	if clearEntry {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunReviewer})
	}
	e.emit(g)
}

// --- stage 4: docs servicing ------------------------------------------------

func (e *engine) serviceDocs() {
	if !e.hasDocs {
		return
	}
	docsTasks := sortByID(e.snap.TasksIn(domain.ColumnDocumentation))
	inflight := 0
	for _, t := range docsTasks {
		if e.st.DocsByTaskID[t.ID] != nil {
			inflight++
		}
	}

	for _, t := range docsTasks {
		id := t.ID
		entry := e.st.DocsByTaskID[id]

		if entry == nil {
			retry := t.HasTag(domain.TagDocsRetry)
			if t.HasTag(domain.TagDocsError) && !retry {
				continue
			}
			pending := t.HasTag(domain.TagDocsAuto) && t.HasTag(domain.TagDocsPending)
			if !pending && !retry {
				continue
			}
			if e.st.DocsSpawnFailuresByTaskID[id] >= e.cfg.MaxSpawnFailures && !retry {
				if !t.HasTag(domain.TagDocsError) {
					e.emit(Group{
						Reason: "docs-spawn-exhausted",
						TaskID: id,
						Actions: []domain.Action{
							{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagDocsError},
							{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d: docs spawn failed %d times", id, e.st.DocsSpawnFailuresByTaskID[id])},
						},
					})
				}
				continue
			}
			if inflight >= e.cfg.DocsWIPLimit {
				continue
			}
			a := e.attrs[id]
			g := Group{Reason: "docs-spawn", TaskID: id}
			g.Actions = append(g.Actions, domain.Action{
				Kind: domain.ActionSpawnRun, TaskID: id, RunKind: domain.RunDocs,
				RepoKey: a.RepoKey, RepoPath: a.RepoPath, PatchPath: e.st.PatchPathsByTaskID[id],
			})
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagDocsInflight})
			for _, tag := range []string{domain.TagDocsPending, domain.TagDocsRetry, domain.TagDocsError} {
				if t.HasTag(tag) {
					g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: tag})
				}
			}
			if retry {
				delete(e.st.DocsSpawnFailuresByTaskID, id)
			}
			inflight++
			e.emit(g)
			continue
		}

		fact, haveFact := e.in.Facts.Docs[id]
		switch {
		case haveFact && fact.Invalid:
			e.emit(Group{
				Reason: "docs-failed",
				TaskID: id,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagDocsError},
					{Kind: domain.ActionRemoveTag, TaskID: id, Tag: domain.TagDocsInflight},
					{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunDocs},
					{Kind: domain.ActionNotifyBlocker, TaskID: id, Text: fmt.Sprintf("task #%d: docs run failed", id)},
				},
			})
		case haveFact && fact.Report != nil:
			g := Group{Reason: "docs-complete", TaskID: id}
			if fact.Comment != "" {
				g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionPostComment, TaskID: id, Text: fact.Comment})
			}
			outcome := domain.TagDocsCompleted
			if fact.Report.PatchBytes == 0 {
				outcome = domain.TagDocsSkip
			}
			g.Actions = append(g.Actions,
				domain.Action{Kind: domain.ActionAddTag, TaskID: id, Tag: outcome},
				domain.Action{Kind: domain.ActionRemoveTag, TaskID: id, Tag: domain.TagDocsInflight},
				domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnDone},
				domain.Action{Kind: domain.ActionClearEntry, TaskID: id, RunKind: domain.RunDocs},
			)
			e.emit(g)
		}
	}
}

// --- stage 5: auto-heal -----------------------------------------------------

func (e *engine) autoHeal() {
	wipExclusive := e.exclusiveKeysInWIP()
	for _, t := range sortByID(e.snap.Tasks) {
		if t.Column == domain.ColumnDone {
			continue
		}
		reason := blockedReason(t.Tags)
		if reason == "" {
			continue
		}
		a := e.attrs[t.ID]
		healed := false
		switch reason {
		case domain.TagBlockedDeps:
			healed = e.depsSatisfied(a.Dependencies)
		case domain.TagBlockedExclusive:
			healed = !anyKeyHeld(a.ExclusiveKeys, wipExclusive, t.ID)
		case domain.TagBlockedRepo:
			healed = a.NoRepo || a.RepoPath != ""
		}
		if !healed {
			continue
		}
		g := Group{Reason: "auto-heal", TaskID: t.ID}
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: t.ID, Tag: reason})
		if t.HasTag(domain.TagAutoBlocked) {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionRemoveTag, TaskID: t.ID, Tag: domain.TagAutoBlocked})
		}
		if t.Column == domain.ColumnBlocked {
			g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionMoveTask, TaskID: t.ID, Column: domain.ColumnReady})
		}
		delete(e.st.AutoBlockedByTaskID, t.ID)
		e.emit(g)
	}
}

// blockedReason returns the deterministic reason tag a task carries, if it
// is one auto-heal owns.
func blockedReason(tags []string) string {
	for _, reason := range []string{domain.TagBlockedDeps, domain.TagBlockedExclusive, domain.TagBlockedRepo} {
		if domain.HasTag(tags, reason) {
			return reason
		}
	}
	return ""
}

// --- stage 6: promotion -----------------------------------------------------

func (e *engine) depsSatisfied(deps []int) bool {
	for _, dep := range deps {
		if !e.doneIDs[dep] {
			return false
		}
	}
	return true
}

func (e *engine) exclusiveKeysInWIP() map[string]int {
	held := map[string]int{}
	for _, t := range e.snap.TasksIn(domain.ColumnWIP) {
		for _, k := range e.attrs[t.ID].ExclusiveKeys {
			held[k] = t.ID
		}
	}
	return held
}

func anyKeyHeld(keys []string, held map[string]int, selfID int) bool {
	for _, k := range keys {
		if owner, ok := held[k]; ok && owner != selfID {
			return true
		}
	}
	return false
}

func (e *engine) promote() {
	heldExclusive := e.exclusiveKeysInWIP()

	// The freeze is scoped to a critical actually occupying WIP. A critical
	// that cannot start (blocked deps, no repo) or that already advanced to
	// Review must not starve the board.
	crit := e.activeCritical
	if crit != nil && crit.Column == domain.ColumnWIP {
		return
	}
	if crit != nil && (crit.Column == domain.ColumnBacklog || crit.Column == domain.ColumnReady) {
		// A startable critical goes ahead of anything else and may exceed
		// the WIP limit; once it is heading to WIP nothing else is pulled.
		if e.promoteOne(crit, heldExclusive) {
			return
		}
	}

	capacity := e.cfg.WIPLimit - e.wipCount
	if capacity <= 0 {
		return
	}

	ready := e.snap.TasksIn(domain.ColumnReady)
	backlog := e.snap.TasksIn(domain.ColumnBacklog)
	e.sortTasks(ready)
	e.sortTasks(backlog)

	for _, t := range append(ready, backlog...) {
		if capacity <= 0 {
			return
		}
		// Criticals were handled above; queued ones stay behind the fence.
		if e.attrs[t.ID].Critical {
			continue
		}
		if e.promoteOne(t, heldExclusive) {
			capacity--
		}
	}
}

// promoteOne pulls a single task toward WIP, or tags the deterministic
// reason it cannot start. Returns true when a promotion was emitted.
func (e *engine) promoteOne(t *domain.Task, heldExclusive map[string]int) bool {
	id := t.ID
	a := e.attrs[id]
	if a.Epic {
		return false
	}
	if a.Critical {
		if a.HardHold {
			return false
		}
		// hold:queued-critical on the active critical is being stripped this
		// tick; every other held state still blocks.
		if classify.IsHeld(stripOrchestratorFence(t.Tags)) {
			return false
		}
	} else if a.Held {
		return false
	}
	if t.HasTag(domain.TagReviewSkip) {
		return false
	}

	blockReason := ""
	switch {
	case !e.depsSatisfied(a.Dependencies):
		blockReason = domain.TagBlockedDeps
	case anyKeyHeld(a.ExclusiveKeys, heldExclusive, id):
		blockReason = domain.TagBlockedExclusive
	case !a.NoRepo && a.RepoPath == "":
		blockReason = domain.TagBlockedRepo
	}
	if blockReason != "" {
		if !domain.HasTag(t.Tags, blockReason) {
			e.emit(Group{
				Reason: "promotion-blocked",
				TaskID: id,
				Actions: []domain.Action{
					{Kind: domain.ActionAddTag, TaskID: id, Tag: blockReason},
					{Kind: domain.ActionAddTag, TaskID: id, Tag: domain.TagAutoBlocked},
				},
			})
			e.st.AutoBlockedByTaskID[id] = strings.TrimPrefix(blockReason, domain.BlockedTagPrefix)
		}
		return false
	}

	g := Group{Reason: "promotion", TaskID: id, Cooldown: t.Column == domain.ColumnBacklog}
	if t.Column == domain.ColumnBacklog {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnReady})
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnWIP, SameTickMove: true})
	} else {
		g.Actions = append(g.Actions, domain.Action{Kind: domain.ActionMoveTask, TaskID: id, Column: domain.ColumnWIP})
	}
	g.Actions = append(g.Actions, domain.Action{
		Kind: domain.ActionSpawnRun, TaskID: id, RunKind: domain.RunWorker,
		RepoKey: a.RepoKey, RepoPath: a.RepoPath,
	})
	e.emit(g)

	for _, k := range a.ExclusiveKeys {
		heldExclusive[k] = id
	}
	e.wipCount++
	if a.RepoKey != "" {
		e.st.RepoByTaskID[id] = a.RepoKey
	}
	return true
}

// stripOrchestratorFence drops hold:queued-critical (and its legacy plain
// hold companion) so the active critical is not considered held by its own
// fence.
func stripOrchestratorFence(tags []string) []string {
	fenced := domain.HasTag(tags, domain.TagHoldQueuedCritical)
	var out []string
	for _, t := range tags {
		lt := strings.ToLower(t)
		if lt == domain.TagHoldQueuedCritical {
			continue
		}
		if fenced && lt == domain.TagHold {
			continue
		}
		out = append(out, t)
	}
	return out
}

// --- stage 7: epic breakdown ------------------------------------------------

func (e *engine) epicBreakdown() {
	backlog := e.snap.TasksIn(domain.ColumnBacklog)
	if len(backlog) == 0 {
		return
	}
	e.sortTasks(backlog)
	top := backlog[0]
	if !e.attrs[top.ID].Epic {
		return
	}

	title := domain.BreakdownTitle(top.ID, top.Title)
	for _, col := range []domain.Column{domain.ColumnBacklog, domain.ColumnReady, domain.ColumnWIP, domain.ColumnReview} {
		for _, t := range e.snap.TasksIn(col) {
			if t.Title == title {
				return
			}
		}
	}
	e.emit(Group{
		Reason: "epic-breakdown",
		TaskID: top.ID,
		Actions: []domain.Action{{
			Kind:        domain.ActionCreateTask,
			Column:      domain.ColumnBacklog,
			Title:       title,
			Description: fmt.Sprintf("Plan and split epic #%d into actionable tasks.", top.ID),
		}},
	})
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
