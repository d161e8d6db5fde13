// Package guardian watches the reconciler heartbeat from a separate
// process and restarts the loop through a configured bring-up command when
// the heartbeat goes stale. A windowed restart limiter prevents restart
// loops when the reconciler keeps dying.
package guardian

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
	"github.com/ktsuji/deckhand/internal/reconcile"
)

// minStaleSeconds floors the staleness threshold so very short ticks do not
// cause restart storms.
const minStaleSeconds = 60

// bringUpTimeout bounds one bring-up command invocation.
const bringUpTimeout = 2 * time.Minute

// Guardian evaluates heartbeat freshness and restarts the reconciler.
type Guardian struct {
	clock         domain.Clock
	log           domain.Logger
	notifier      domain.Notifier
	runner        func(ctx context.Context, cmdline string) error
	heartbeatPath string
	cfg           domain.GuardianConfig
	tickSeconds   int
	restarts      []time.Time
}

// New creates a Guardian.
func New(heartbeatPath string, tickSeconds int, cfg domain.GuardianConfig,
	clock domain.Clock, log domain.Logger, notifier domain.Notifier,
) *Guardian {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Guardian{
		heartbeatPath: heartbeatPath,
		tickSeconds:   tickSeconds,
		cfg:           cfg,
		clock:         clock,
		log:           log,
		notifier:      notifier,
		runner:        runBringUp,
	}
}

// SetRunner overrides the bring-up executor; used by tests.
func (g *Guardian) SetRunner(runner func(ctx context.Context, cmdline string) error) {
	g.runner = runner
}

// StaleAfter returns the staleness threshold.
func (g *Guardian) StaleAfter() time.Duration {
	factor := g.cfg.StaleFactor
	if factor <= 0 {
		factor = 3
	}
	secs := factor * g.tickSeconds
	if secs < minStaleSeconds {
		secs = minStaleSeconds
	}
	return time.Duration(secs) * time.Second
}

// heartbeatStale reports whether the heartbeat is missing, unreadable or
// older than the threshold.
func (g *Guardian) heartbeatStale() (bool, string) {
	hb, err := reconcile.ReadHeartbeat(g.heartbeatPath)
	if err != nil {
		return true, fmt.Sprintf("heartbeat unreadable: %v", err)
	}
	if hb == nil {
		return true, "heartbeat missing"
	}
	age := g.clock.Now().Unix() - hb.TSEpochS
	if age > int64(g.StaleAfter().Seconds()) {
		return true, fmt.Sprintf("heartbeat %ds old (threshold %s)", age, g.StaleAfter())
	}
	return false, ""
}

// restartAllowed applies the windowed restart limiter.
func (g *Guardian) restartAllowed() bool {
	maxRestarts := g.cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	windowMin := g.cfg.RestartWindowMin
	if windowMin <= 0 {
		windowMin = 30
	}
	cutoff := g.clock.Now().Add(-time.Duration(windowMin) * time.Minute)
	var recent []time.Time
	for _, t := range g.restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	g.restarts = recent
	return len(recent) < maxRestarts
}

// Check runs one evaluation: restart if stale and the limiter allows.
// Returns whether a restart was attempted.
func (g *Guardian) Check(ctx context.Context) (bool, error) {
	stale, reason := g.heartbeatStale()
	if !stale {
		return false, nil
	}
	g.warn("guardian", reason)

	if g.cfg.BringUpCmd == "" {
		return false, fmt.Errorf("%w: guardian.bring_up_cmd is not configured", domain.ErrConfig)
	}
	if !g.restartAllowed() {
		msg := fmt.Sprintf("orchestrator heartbeat stale (%s) but restart limit reached; manual intervention required", reason)
		g.warn("guardian", msg)
		if g.notifier != nil {
			g.notifier.Notify(msg)
		}
		return false, nil
	}

	g.restarts = append(g.restarts, g.clock.Now())
	g.warn("guardian", "restarting reconciler: "+strings.TrimSpace(g.cfg.BringUpCmd))
	if err := g.runner(ctx, g.cfg.BringUpCmd); err != nil {
		g.warn("guardian", fmt.Sprintf("bring-up failed: %v", err))
		return true, err
	}
	if g.notifier != nil {
		g.notifier.Notify("guardian restarted the orchestrator: " + reason)
	}
	return true, nil
}

// Run evaluates the heartbeat on the configured interval until the context
// is cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	interval := g.cfg.IntervalSec
	if interval <= 0 {
		interval = 60
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Check(ctx); err != nil {
				g.warn("guardian", err.Error())
			}
		}
	}
}

func (g *Guardian) warn(category, msg string) {
	if g.log != nil {
		g.log.Warn(0, category, msg)
	}
}

func runBringUp(ctx context.Context, cmdline string) error {
	ctx, cancel := context.WithTimeout(ctx, bringUpTimeout)
	defer cancel()
	// #nosec G204 - bring-up command is operator configuration
	out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		return fmt.Errorf("bring-up: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
