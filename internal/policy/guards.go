// Package policy decides, per tick, which board mutations to propose. All
// decisions are pure functions of the snapshot, the state document and the
// run facts the reconciler gathered; nothing here touches I/O.
package policy

import "github.com/ktsuji/deckhand/internal/domain"

// PruneWindow drops history entries older than windowMin minutes.
func PruneWindow(history []int64, nowMs int64, windowMin int) []int64 {
	cutoff := nowMs - int64(windowMin)*60_000
	var kept []int64
	for _, ms := range history {
		if ms >= cutoff {
			kept = append(kept, ms)
		}
	}
	return kept
}

// RespawnThrashed reports whether the history already holds maxRespawns or
// more worker spawns inside the window, so that one more spawn would exceed
// the limit. The history records every worker spawn, the first included.
func RespawnThrashed(history []int64, nowMs int64, windowMin, maxRespawns int) bool {
	if maxRespawns <= 0 {
		return false
	}
	return len(PruneWindow(history, nowMs, windowMin)) >= maxRespawns
}

// PruneReworkWindow drops rework events older than windowMin minutes.
func PruneReworkWindow(history []domain.ReworkEvent, nowMs int64, windowMin int) []domain.ReworkEvent {
	cutoff := nowMs - int64(windowMin)*60_000
	var kept []domain.ReworkEvent
	for _, ev := range history {
		if ev.Ms >= cutoff {
			kept = append(kept, ev)
		}
	}
	return kept
}

// ReworkThrashed reports whether the same patch revision has hit REWORK
// more than maxReworks times inside the window.
func ReworkThrashed(history []domain.ReworkEvent, revision string, nowMs int64, windowMin, maxReworks int) bool {
	if maxReworks <= 0 || revision == "" {
		return false
	}
	count := 0
	for _, ev := range PruneReworkWindow(history, nowMs, windowMin) {
		if ev.Revision == revision {
			count++
		}
	}
	return count > maxReworks
}

// UnderCooldown reports whether a task acted on at lastMs is still inside
// the cross-tick move cooldown.
func UnderCooldown(lastMs, nowMs int64, cooldownMin int) bool {
	if lastMs == 0 || cooldownMin <= 0 {
		return false
	}
	return nowMs-lastMs < int64(cooldownMin)*60_000
}
