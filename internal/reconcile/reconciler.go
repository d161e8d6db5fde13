// Package reconcile drives one tick of the orchestrator: lock, snapshot,
// classify, policy, clamp, apply, persist, heartbeat.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
	"github.com/ktsuji/deckhand/internal/infra/config"
	"github.com/ktsuji/deckhand/internal/policy"
)

// Result summarizes what a tick did; it is also the input for the operator
// notification digest.
type Result struct {
	Errors        []string
	GroupsApplied int
	GroupsSkipped int
	Moves         int
	Spawns        int
	DryRun        bool
}

// Summary renders the one-line operator digest.
func (r *Result) Summary() string {
	line := fmt.Sprintf("%d moves, %d spawns, %d errors", r.Moves, r.Spawns, len(r.Errors))
	if len(r.Errors) > 0 {
		line += ": " + firstLine(r.Errors[0])
	}
	return line
}

// Reconciler owns the tick loop's collaborators.
type Reconciler struct {
	cfg      *domain.Config
	board    domain.Board
	store    domain.StateStore
	lock     domain.TickLock
	registry domain.RunRegistry
	spawner  domain.Spawner
	notifier domain.Notifier
	log      domain.Logger
	clock    domain.Clock
	version  string
}

// New wires a Reconciler.
func New(cfg *domain.Config, board domain.Board, store domain.StateStore, lock domain.TickLock,
	registry domain.RunRegistry, spawner domain.Spawner, notifier domain.Notifier,
	log domain.Logger, clock domain.Clock, version string,
) *Reconciler {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Reconciler{
		cfg: cfg, board: board, store: store, lock: lock, registry: registry,
		spawner: spawner, notifier: notifier, log: log, clock: clock, version: version,
	}
}

// Tick runs one reconciliation pass. ErrLockContention means another tick
// is running and nothing was done.
func (r *Reconciler) Tick(ctx context.Context) (*Result, error) {
	release, err := r.lock.Acquire()
	if err != nil {
		if errors.Is(err, domain.ErrLockContention) {
			r.info("tick", "lock contention; skipping tick")
		}
		return nil, err
	}
	defer release()

	if r.cfg.TickBudgetMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TickBudgetMs)*time.Millisecond)
		defer cancel()
	}

	state, err := r.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	state.EnsureMaps()
	r.refreshRepoMap(state)

	snapshot, err := r.board.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("board snapshot: %w", err)
	}
	if missing := missingColumns(snapshot); len(missing) > 0 {
		msg := "missing board columns: " + strings.Join(missing, ", ")
		r.error("tick", msg)
		return &Result{Errors: []string{msg}}, nil
	}

	nowMs := r.clock.NowMs()
	facts := r.gatherFacts(snapshot, state, nowMs)

	working := state.Clone()
	decision := policy.Evaluate(policy.Input{
		Snapshot: snapshot,
		State:    working,
		Config:   r.cfg,
		Facts:    facts,
		NowMs:    nowMs,
	})

	result := &Result{}
	if working.DryRun {
		r.dryRun(working, decision, result)
	} else {
		r.apply(ctx, working, decision, result, nowMs)
	}

	r.updateNotifyDigest(working, result, nowMs)

	if err := r.store.Save(working); err != nil {
		r.error("tick", fmt.Sprintf("state persist failed: %v", err))
		return result, fmt.Errorf("%w: %v", domain.ErrStatePersist, err)
	}
	if err := WriteHeartbeat(r.cfg.EffectiveHeartbeatPath(), domain.Heartbeat{
		TS:          r.clock.Now().UTC().Format("2006-01-02T15:04:05Z"),
		TSEpochS:    r.clock.Now().Unix(),
		PID:         os.Getpid(),
		Version:     r.version,
		Phase:       "idle",
		TickSeconds: r.cfg.TickSeconds,
	}); err != nil {
		r.warn("tick", fmt.Sprintf("heartbeat write failed: %v", err))
	}

	r.info("tick", result.Summary())
	return result, nil
}

func missingColumns(s *domain.BoardSnapshot) []string {
	var missing []string
	for _, col := range domain.RequiredColumns() {
		if !s.HasColumn(col) {
			missing = append(missing, string(col))
		}
	}
	return missing
}

// refreshRepoMap merges the persisted map with the optional map file and
// the repos discovered under repoRoot (self-healing).
func (r *Reconciler) refreshRepoMap(state *domain.State) {
	fileMap, err := config.LoadRepoMapFile(r.cfg.RepoMapPath)
	if err != nil {
		r.warn("repo-map", err.Error())
		fileMap = nil
	}
	discovered := config.DiscoverRepos(r.cfg.RepoRoot)
	// Persisted entries are pruned first and merged last, so they win on
	// conflict only while their path still exists.
	persisted := config.MergeRepoMaps(state.RepoMap)
	merged := config.MergeRepoMaps(fileMap, discovered, persisted)
	if len(merged) > 0 {
		state.RepoMap = merged
	}
}

// gatherFacts performs every registry read the policy needs up front so the
// policy call stays pure. Only paths recorded in current entries are
// consulted (stale-path rule), plus the explicit reviewer recovery scan.
func (r *Reconciler) gatherFacts(snapshot *domain.BoardSnapshot, state *domain.State, nowMs int64) policy.Facts {
	facts := policy.Facts{
		Workers:         map[int]policy.WorkerCompletion{},
		Docs:            map[int]policy.WorkerCompletion{},
		Reviews:         map[int]policy.ReviewCompletion{},
		Recovered:       map[int]*domain.ReviewResult{},
		PatchRevisions:  map[int]string{},
		StaleWorkerLogs: map[int]bool{},
	}

	for _, t := range snapshot.TasksIn(domain.ColumnWIP) {
		entry := state.WorkersByTaskID[t.ID]
		if entry == nil {
			continue
		}
		report, err := r.registry.WorkerDone(entry)
		switch {
		case errors.Is(err, domain.ErrArtifactInvalid):
			r.warn("runs", fmt.Sprintf("task %d: %v", t.ID, err))
			facts.Workers[t.ID] = policy.WorkerCompletion{Invalid: true}
			continue
		case err != nil:
			r.warn("runs", fmt.Sprintf("task %d: read done: %v", t.ID, err))
			continue
		case report != nil:
			facts.Workers[t.ID] = policy.WorkerCompletion{
				Report:  report,
				Comment: r.readComment(entry.CommentPath),
			}
			continue
		}
		if r.cfg.StaleWorkerLogMin > 0 && entry.LogPath != "" {
			if mtime, err := r.registry.LogMtime(entry.LogPath); err == nil {
				if nowMs-mtime.UnixMilli() > int64(r.cfg.StaleWorkerLogMin)*60_000 {
					facts.StaleWorkerLogs[t.ID] = true
				}
			}
		}
	}

	for _, t := range snapshot.TasksIn(domain.ColumnReview) {
		if rev, err := r.registry.PatchRevision(state.PatchPathsByTaskID[t.ID]); err == nil && rev != "" {
			facts.PatchRevisions[t.ID] = rev
		}
		entry := state.ReviewersByTaskID[t.ID]
		if entry != nil {
			result, err := r.registry.ReviewResult(entry)
			switch {
			case errors.Is(err, domain.ErrArtifactInvalid):
				r.warn("runs", fmt.Sprintf("task %d: %v", t.ID, err))
				facts.Reviews[t.ID] = policy.ReviewCompletion{Invalid: true}
				continue
			case err != nil:
				r.warn("runs", fmt.Sprintf("task %d: read review: %v", t.ID, err))
				continue
			case result != nil:
				facts.Reviews[t.ID] = policy.ReviewCompletion{Result: result}
				continue
			}
			// The entry has no result yet. A result is still recovery-
			// eligible when the stored entry is older than the file, so
			// scan for one written after this entry's run started; a hit
			// supersedes the stale entry.
		}
		revision := facts.PatchRevisions[t.ID]
		if revision == "" {
			continue
		}
		var newerThan int64
		if entry != nil {
			newerThan = entry.StartedAtMs
		}
		if stored := state.ReviewResultsByTaskID[t.ID]; stored != nil && stored.StoredAtMs > newerThan {
			newerThan = stored.StoredAtMs
		}
		if result, _, err := r.registry.RecoverReview(t.ID, revision, newerThan); err == nil && result != nil {
			r.info("runs", fmt.Sprintf("task %d: recovered review result", t.ID))
			facts.Recovered[t.ID] = result
		}
	}

	for _, t := range snapshot.TasksIn(domain.ColumnDocumentation) {
		entry := state.DocsByTaskID[t.ID]
		if entry == nil {
			continue
		}
		report, err := r.registry.DocsDone(entry)
		switch {
		case errors.Is(err, domain.ErrArtifactInvalid):
			r.warn("runs", fmt.Sprintf("task %d: %v", t.ID, err))
			facts.Docs[t.ID] = policy.WorkerCompletion{Invalid: true}
		case err != nil:
			r.warn("runs", fmt.Sprintf("task %d: read docs done: %v", t.ID, err))
		case report != nil:
			facts.Docs[t.ID] = policy.WorkerCompletion{
				Report:  report,
				Comment: r.readComment(entry.CommentPath),
			}
		}
	}

	return facts
}

func (r *Reconciler) readComment(path string) string {
	if path == "" {
		return ""
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(content)
}

// dryRun logs the decision without applying it and counts down the armed
// dry-run ticks.
func (r *Reconciler) dryRun(state *domain.State, decision policy.Decision, result *Result) {
	result.DryRun = true
	for _, g := range decision.Groups {
		for _, a := range g.Actions {
			r.info("dry-run", a.String())
		}
	}
	result.GroupsSkipped = len(decision.Groups)
	if state.DryRunRunsRemaining > 0 {
		state.DryRunRunsRemaining--
	}
	if state.DryRunRunsRemaining == 0 {
		state.DryRun = false
		r.info("dry-run", "dry-run exhausted; arming live mode")
	}
}

// apply executes the decision groups in order, clamped by the per-tick
// action budget and the cross-tick move cooldown.
func (r *Reconciler) apply(ctx context.Context, state *domain.State, decision policy.Decision, result *Result, nowMs int64) {
	budget := r.cfg.ActionBudget
	for _, g := range decision.Groups {
		if g.Cooldown && policy.UnderCooldown(state.LastActionsByTaskID[g.TaskID], nowMs, r.cfg.CooldownMin) {
			r.debug(g.TaskID, "tick", "skipped by cooldown: "+g.Reason)
			result.GroupsSkipped++
			continue
		}
		if budget <= 0 {
			result.GroupsSkipped++
			continue
		}
		budget--
		result.GroupsApplied++
		r.applyGroup(ctx, state, g, result, nowMs)
	}
}

func (r *Reconciler) applyGroup(ctx context.Context, state *domain.State, g policy.Group, result *Result, nowMs int64) {
	for _, a := range g.Actions {
		if err := r.applyAction(ctx, state, g, a, result, nowMs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", a, err))
			r.error("apply", fmt.Sprintf("%s: %v", a, err))
			if a.Kind == domain.ActionSpawnRun {
				// Spawn failures change the rest of the group's meaning;
				// stop here and let the next tick reconcile.
				return
			}
		}
	}
}

func (r *Reconciler) applyAction(ctx context.Context, state *domain.State, g policy.Group, a domain.Action, result *Result, nowMs int64) error {
	switch a.Kind {
	case domain.ActionMoveTask:
		if err := r.board.MoveTask(ctx, a.TaskID, a.Column, a.Position); err != nil {
			return err
		}
		result.Moves++
		state.LastActionsByTaskID[a.TaskID] = nowMs
		r.info2(a.TaskID, "board", fmt.Sprintf("moved to %s", a.Column))
	case domain.ActionAddTag:
		if err := r.board.AddTag(ctx, a.TaskID, a.Tag); err != nil {
			return err
		}
		state.LastActionsByTaskID[a.TaskID] = nowMs
	case domain.ActionRemoveTag:
		if err := r.board.RemoveTag(ctx, a.TaskID, a.Tag); err != nil {
			return err
		}
		state.LastActionsByTaskID[a.TaskID] = nowMs
	case domain.ActionPostComment:
		if err := r.board.PostComment(ctx, a.TaskID, a.Text); err != nil {
			return err
		}
	case domain.ActionCreateTask:
		id, err := r.board.CreateTask(ctx, a.Column, a.Title, a.Description, a.Tags)
		if err != nil {
			return err
		}
		r.info("board", fmt.Sprintf("created task #%d %q", id, a.Title))
	case domain.ActionSpawnRun:
		return r.applySpawn(ctx, state, g, a, result, nowMs)
	case domain.ActionClearEntry:
		r.clearEntry(state, a)
	case domain.ActionNotifyBlocker:
		if r.notifier != nil {
			r.notifier.Notify(a.Text)
		}
	}
	return nil
}

// applySpawn creates the run, invokes the spawn command and records the
// entry. Promotion spawns that fail reverse the WIP move so the task is
// eligible again next tick (a single logical step with the move).
func (r *Reconciler) applySpawn(ctx context.Context, state *domain.State, g policy.Group, a domain.Action, result *Result, nowMs int64) error {
	r.archiveExisting(state, a)

	if a.RunKind == domain.RunWorker {
		history := policy.PruneWindow(state.RespawnHistoryByTaskID[a.TaskID], nowMs, r.cfg.ThrashWindowMin)
		state.RespawnHistoryByTaskID[a.TaskID] = append(history, nowMs)
	}

	run, err := r.registry.Create(a.RunKind, a.TaskID)
	if err != nil {
		r.recordSpawnFailure(state, a)
		return fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	spawnCtx := ctx
	if r.cfg.Spawn.HandshakeMs > 0 {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.Spawn.HandshakeMs+2000)*time.Millisecond)
		defer cancel()
	}
	hs, err := r.spawner.Spawn(spawnCtx, a.RunKind, domain.SpawnRequest{
		Run:       run,
		TaskID:    a.TaskID,
		RepoKey:   a.RepoKey,
		RepoPath:  a.RepoPath,
		PatchPath: a.PatchPath,
	})
	if err != nil {
		r.recordSpawnFailure(state, a)
		r.reverseIfPromotion(ctx, state, g, a, result)
		return err
	}
	if r.runIDInUse(state, hs.RunID) {
		r.recordSpawnFailure(state, a)
		r.reverseIfPromotion(ctx, state, g, a, result)
		return fmt.Errorf("%w: run id %q already recorded", domain.ErrHandshakeInvalid, hs.RunID)
	}

	r.recordEntry(state, a, run, hs, nowMs)
	result.Spawns++
	r.info2(a.TaskID, "spawn", fmt.Sprintf("%s run %s started", a.RunKind, hs.RunID))
	return nil
}

func (r *Reconciler) archiveExisting(state *domain.State, a domain.Action) {
	var oldDir string
	switch a.RunKind {
	case domain.RunWorker:
		if e := state.WorkersByTaskID[a.TaskID]; e != nil {
			oldDir = e.RunDir
		}
	case domain.RunReviewer:
		if e := state.ReviewersByTaskID[a.TaskID]; e != nil {
			oldDir = e.RunDir
		}
	case domain.RunDocs:
		if e := state.DocsByTaskID[a.TaskID]; e != nil {
			oldDir = e.RunDir
		}
	}
	if oldDir != "" {
		if err := r.registry.Archive(a.RunKind, a.TaskID, oldDir); err != nil {
			r.warn("runs", fmt.Sprintf("task %d: archive previous run: %v", a.TaskID, err))
		}
	}
}

func (r *Reconciler) runIDInUse(state *domain.State, runID string) bool {
	for _, e := range state.WorkersByTaskID {
		if e.RunID == runID {
			return true
		}
	}
	for _, e := range state.ReviewersByTaskID {
		if e.RunID == runID {
			return true
		}
	}
	for _, e := range state.DocsByTaskID {
		if e.RunID == runID {
			return true
		}
	}
	return false
}

func (r *Reconciler) recordEntry(state *domain.State, a domain.Action, run *domain.Run, hs *domain.Handshake, nowMs int64) {
	startedAt := hs.StartedAtMs
	if startedAt == 0 {
		startedAt = nowMs
	}
	switch a.RunKind {
	case domain.RunWorker:
		state.WorkersByTaskID[a.TaskID] = &domain.WorkerEntry{
			RunID:         hs.RunID,
			RunDir:        hs.RunDir,
			DonePath:      hs.DonePath,
			PatchPath:     coalesce(hs.PatchPath, run.PatchPath),
			CommentPath:   coalesce(hs.CommentPath, run.CommentPath),
			LogPath:       hs.LogPath,
			ExecSessionID: hs.ExecSessionID,
			RepoKey:       a.RepoKey,
			RepoPath:      a.RepoPath,
			StartedAtMs:   startedAt,
		}
	case domain.RunReviewer:
		revision := ""
		if a.PatchPath != "" {
			if rev, err := r.registry.PatchRevision(a.PatchPath); err == nil {
				revision = rev
			}
		}
		state.ReviewersByTaskID[a.TaskID] = &domain.ReviewerEntry{
			RunID:         hs.RunID,
			RunDir:        hs.RunDir,
			ResultPath:    hs.ResultPath,
			LogPath:       hs.LogPath,
			ExecSessionID: hs.ExecSessionID,
			PatchRevision: revision,
			StartedAtMs:   startedAt,
		}
		delete(state.ReviewerSpawnFailuresByTaskID, a.TaskID)
	case domain.RunDocs:
		state.DocsByTaskID[a.TaskID] = &domain.DocsEntry{
			RunID:         hs.RunID,
			RunDir:        hs.RunDir,
			DonePath:      hs.DonePath,
			PatchPath:     coalesce(hs.PatchPath, run.PatchPath),
			CommentPath:   coalesce(hs.CommentPath, run.CommentPath),
			LogPath:       hs.LogPath,
			ExecSessionID: hs.ExecSessionID,
			StartedAtMs:   startedAt,
		}
		delete(state.DocsSpawnFailuresByTaskID, a.TaskID)
	}
}

func (r *Reconciler) recordSpawnFailure(state *domain.State, a domain.Action) {
	switch a.RunKind {
	case domain.RunReviewer:
		state.ReviewerSpawnFailuresByTaskID[a.TaskID]++
	case domain.RunDocs:
		state.DocsSpawnFailuresByTaskID[a.TaskID]++
	}
}

// reverseIfPromotion undoes the Ready -> WIP move when a promotion's worker
// spawn fails, so the promotion is retried cleanly next tick.
func (r *Reconciler) reverseIfPromotion(ctx context.Context, state *domain.State, g policy.Group, a domain.Action, result *Result) {
	if g.Reason != "promotion" || a.RunKind != domain.RunWorker {
		return
	}
	if err := r.board.MoveTask(ctx, a.TaskID, domain.ColumnReady, 0); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reverse promotion #%d: %v", a.TaskID, err))
		r.error("apply", fmt.Sprintf("task %d: reverse promotion: %v", a.TaskID, err))
		return
	}
	result.Moves++
	r.warn("apply", fmt.Sprintf("task %d: worker spawn failed; returned to Ready", a.TaskID))
}

func (r *Reconciler) clearEntry(state *domain.State, a domain.Action) {
	switch a.RunKind {
	case domain.RunWorker:
		delete(state.WorkersByTaskID, a.TaskID)
	case domain.RunReviewer:
		delete(state.ReviewersByTaskID, a.TaskID)
	case domain.RunDocs:
		delete(state.DocsByTaskID, a.TaskID)
	}
}

// updateNotifyDigest sends the per-tick operator summary unless the same
// digest was sent within the repeat window.
func (r *Reconciler) updateNotifyDigest(state *domain.State, result *Result, nowMs int64) {
	if r.notifier == nil || result.DryRun {
		return
	}
	if result.Moves == 0 && result.Spawns == 0 && len(result.Errors) == 0 {
		return
	}
	digest := result.Summary()
	repeatMs := int64(r.cfg.Notify.RepeatMin) * 60_000
	if digest == state.LastNotifyDigest && nowMs-state.LastNotifyMs < repeatMs {
		return
	}
	state.LastNotifyDigest = digest
	state.LastNotifyMs = nowMs
	r.notifier.Notify(digest)
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func (r *Reconciler) info(category, msg string) {
	if r.log != nil {
		r.log.Info(0, category, msg)
	}
}

func (r *Reconciler) info2(taskID int, category, msg string) {
	if r.log != nil {
		r.log.Info(taskID, category, msg)
	}
}

func (r *Reconciler) debug(taskID int, category, msg string) {
	if r.log != nil {
		r.log.Debug(taskID, category, msg)
	}
}

func (r *Reconciler) warn(category, msg string) {
	if r.log != nil {
		r.log.Warn(0, category, msg)
	}
}

func (r *Reconciler) error(category, msg string) {
	if r.log != nil {
		r.log.Error(0, category, msg)
	}
}
