// Package spawner invokes the configured spawn command for a run kind and
// parses the one-line JSON handshake the child prints on stdout. The child
// keeps running after the handshake; the orchestrator never kills it.
package spawner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
)

// Ensure Spawner implements domain.Spawner.
var _ domain.Spawner = (*Spawner)(nil)

// maxStderr bounds how much child stderr is kept for error messages.
const maxStderr = 8 * 1024

// Commands maps each run kind to its spawn command template. Templates may
// reference {task_id}, {repo_key}, {repo_path}, {patch_path}, {run_dir}
// and {run_id}.
type Commands struct {
	Worker   string
	Reviewer string
	Docs     string
}

// Spawner executes spawn commands through the shell.
type Spawner struct {
	log         domain.Logger
	commands    Commands
	handshakeMs int
}

// New creates a Spawner. handshakeMs bounds how long the child may take to
// print its handshake line.
func New(commands Commands, handshakeMs int, log domain.Logger) *Spawner {
	if handshakeMs <= 0 {
		handshakeMs = 3000
	}
	return &Spawner{commands: commands, handshakeMs: handshakeMs, log: log}
}

// Spawn starts the child for (kind, req) and returns its validated
// handshake. Failure modes map onto the spec's error kinds: a command that
// cannot start or exits before the handshake is ErrSpawnFailed; a handshake
// that does not arrive in time or does not parse is ErrHandshakeInvalid.
func (s *Spawner) Spawn(ctx context.Context, kind domain.RunKind, req domain.SpawnRequest) (*domain.Handshake, error) {
	tmpl := s.commandFor(kind)
	if tmpl == "" {
		return nil, fmt.Errorf("%w: no spawn command configured for %s", domain.ErrSpawnFailed, kind)
	}
	cmdline := expand(tmpl, req)

	// #nosec G204 - spawn command templates are operator configuration
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	var stderr limitedBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailed, cmdline, err)
	}

	lineCh := make(chan string, 1)
	exitCh := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(stdout)
		line, readErr := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			lineCh <- line
		} else if readErr != nil {
			// Child closed stdout without a handshake; surface its exit.
			exitCh <- cmd.Wait()
			return
		}
		// Drain the rest so the child never blocks on a full pipe, then reap.
		_, _ = io.Copy(io.Discard, reader)
		_ = cmd.Wait()
	}()

	timer := time.NewTimer(time.Duration(s.handshakeMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case line := <-lineCh:
		hs := &domain.Handshake{}
		if err := json.Unmarshal([]byte(line), hs); err != nil {
			return nil, fmt.Errorf("%w: first stdout line is not a JSON object: %v", domain.ErrHandshakeInvalid, err)
		}
		if err := hs.Validate(kind); err != nil {
			return nil, err
		}
		s.info(req.TaskID, fmt.Sprintf("spawned %s run %s (session %s)", kind, hs.RunID, hs.ExecSessionID))
		return hs, nil
	case exitErr := <-exitCh:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && exitErr != nil {
			msg = exitErr.Error()
		}
		return nil, fmt.Errorf("%w: %s exited before handshake: %s", domain.ErrSpawnFailed, kind, msg)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no handshake within %dms", domain.ErrHandshakeInvalid, s.handshakeMs)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, ctx.Err())
	}
}

func (s *Spawner) commandFor(kind domain.RunKind) string {
	switch kind {
	case domain.RunWorker:
		return s.commands.Worker
	case domain.RunReviewer:
		return s.commands.Reviewer
	case domain.RunDocs:
		return s.commands.Docs
	default:
		return ""
	}
}

func (s *Spawner) info(taskID int, msg string) {
	if s.log != nil {
		s.log.Info(taskID, "spawn", msg)
	}
}

// expand substitutes the template placeholders with shell-quoted values.
func expand(tmpl string, req domain.SpawnRequest) string {
	pairs := []string{
		"{task_id}", strconv.Itoa(req.TaskID),
		"{repo_key}", shellQuote(req.RepoKey),
		"{repo_path}", shellQuote(req.RepoPath),
		"{patch_path}", shellQuote(req.PatchPath),
	}
	if req.Run != nil {
		pairs = append(pairs,
			"{run_dir}", shellQuote(req.Run.RunDir),
			"{run_id}", shellQuote(req.Run.RunID),
		)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// shellQuote single-quotes a value for sh -c.
func shellQuote(v string) string {
	if v == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// limitedBuffer keeps only the first maxStderr bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := maxStderr - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
