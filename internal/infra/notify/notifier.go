// Package notify delivers best-effort operator alerts through a configured
// command. Notification failures are logged and swallowed; they must never
// fail a tick.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
)

// Ensure Notifier implements domain.Notifier.
var _ domain.Notifier = (*Notifier)(nil)

// sendTimeout bounds a single notification attempt.
const sendTimeout = 10 * time.Second

// Notifier runs the configured notify command with the message as its
// final argument. Templates may reference {target} and {message}.
type Notifier struct {
	log         domain.Logger
	cmd         string
	target      string
	denyTargets []string
}

// New creates a Notifier. An empty cmd disables notifications.
func New(cfg domain.NotifyConfig, log domain.Logger) *Notifier {
	return &Notifier{
		cmd:         cfg.Cmd,
		denyTargets: cfg.DenyTargets,
		log:         log,
	}
}

// WithTarget returns a copy that sends to an explicit target.
func (n *Notifier) WithTarget(target string) *Notifier {
	clone := *n
	clone.target = target
	return &clone
}

// Notify sends the message, best-effort. Deny-listed targets are dropped.
func (n *Notifier) Notify(message string) {
	if n.cmd == "" || strings.TrimSpace(message) == "" {
		return
	}
	if n.denied(n.target) {
		n.warn(fmt.Sprintf("notification to %q suppressed by deny list", n.target))
		return
	}

	cmdline := strings.NewReplacer(
		"{target}", shellQuote(n.target),
		"{message}", shellQuote(message),
	).Replace(n.cmd)
	if !strings.Contains(n.cmd, "{message}") {
		cmdline = cmdline + " " + shellQuote(message)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	// #nosec G204 - notify command is operator configuration
	out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		n.warn(fmt.Sprintf("notify failed: %v: %s", err, strings.TrimSpace(string(out))))
	}
}

func (n *Notifier) denied(target string) bool {
	for _, t := range n.denyTargets {
		if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(target)) && t != "" {
			return true
		}
	}
	return false
}

func (n *Notifier) warn(msg string) {
	if n.log != nil {
		n.log.Warn(0, "notify", msg)
	}
}

func shellQuote(v string) string {
	if v == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
