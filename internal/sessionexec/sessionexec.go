// Package sessionexec runs shell commands on the host the remote agent is
// running on, preserving working-directory and environment state across
// calls by driving one persistent tmux session — generalized from the base
// repository's terminal.LocalSession, which bridged one raw PTY to one
// WebSocket connection byte-for-byte. Here the shell is driven through
// tmux's own control commands (send-keys/capture-pane) instead of a PTY
// file descriptor, so output can be framed with markers and polled instead
// of streamed.
package sessionexec

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	sessionName        = "nanobot"
	defaultExecTimeout = 60 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// Result is the outcome of one Exec call.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
	Error    string
}

// Executor is satisfied by both the tmux-backed and the fresh-process
// fallback implementations, so RemoteAgent's dispatcher does not need to
// know which one it holds.
type Executor interface {
	Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (Result, error)
	Close() error
}

// TmuxExecutor drives one persistent tmux session. Exec calls are
// serialized: the on-host multiplexer session is a critical section per
// connection (spec.md §5).
type TmuxExecutor struct {
	log zerolog.Logger
	mu  sync.Mutex
}

// NewTmuxExecutor creates the "nanobot" tmux session, destroying any
// pre-existing session of the same name first (spec.md §4.9).
func NewTmuxExecutor(log zerolog.Logger) (*TmuxExecutor, error) {
	e := &TmuxExecutor{log: log.With().Str("component", "sessionexec").Logger()}

	exec.Command("tmux", "kill-session", "-t", sessionName).Run()

	cmd := exec.Command("tmux", "new-session", "-d", "-s", sessionName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("sessionexec: create tmux session: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return e, nil
}

// Exec wraps command in unique start/end markers, sends it to the tmux
// pane, and polls captured pane output until the end marker appears or the
// deadline expires.
func (e *TmuxExecutor) Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timeout == 0 {
		timeout = defaultExecTimeout
	}

	id := markerID()
	effective := command
	if workingDir != "" {
		effective = fmt.Sprintf("cd %s && { %s; }", shellQuote(workingDir), command)
	}

	wrapped := fmt.Sprintf(
		"echo __START_%s__\n%s\n__ec=$?\necho\necho __END_%s__$__ec\n",
		id, effective, id,
	)

	if out, err := exec.Command("tmux", "send-keys", "-t", sessionName, wrapped, "Enter").CombinedOutput(); err != nil {
		return Result{}, fmt.Errorf("sessionexec: send-keys: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	deadline := time.Now().Add(timeout)
	endPrefix := "__END_" + id + "__"

	for {
		if ctx.Err() != nil {
			return Result{Success: false, Error: "timeout"}, nil
		}
		if time.Now().After(deadline) {
			return Result{Success: false, Error: "timeout"}, nil
		}

		pane, err := capturePane()
		if err != nil {
			return Result{}, fmt.Errorf("sessionexec: capture-pane: %w", err)
		}

		if output, exitCode, found := extractFramed(pane, id, endPrefix); found {
			return Result{Success: exitCode == 0, Output: output, ExitCode: exitCode}, nil
		}

		time.Sleep(pollInterval)
	}
}

// Close gracefully ends the shell (sends "exit") and destroys the tmux
// session (spec.md §4.9 cleanup).
func (e *TmuxExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec.Command("tmux", "send-keys", "-t", sessionName, "exit", "Enter").Run()
	time.Sleep(200 * time.Millisecond)
	return exec.Command("tmux", "kill-session", "-t", sessionName).Run()
}

func capturePane() (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-t", sessionName, "-p", "-S", "-").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// extractFramed scans pane for the start/end marker pair and returns the
// text between them (trailing echo blank line stripped) plus the parsed
// exit code.
func extractFramed(pane, id, endPrefix string) (output string, exitCode int, found bool) {
	startMarker := "__START_" + id + "__"

	scanner := bufio.NewScanner(strings.NewReader(pane))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	startIdx := -1
	endIdx := -1
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		// The shell's own echo of the marker is a bare line with nothing
		// else on it; the pty's echo of the typed send-keys command (e.g.
		// "$ echo __START_<id>__") is not, so an exact match after
		// trimming skips past that echoed line instead of anchoring on it.
		if startIdx == -1 && strings.TrimSpace(line) == startMarker {
			startIdx = len(lines) - 1
		}
		if startIdx != -1 && strings.HasPrefix(strings.TrimSpace(line), endPrefix) {
			endIdx = len(lines) - 1
			break
		}
	}

	if startIdx == -1 || endIdx == -1 {
		return "", 0, false
	}

	codeStr := strings.TrimPrefix(strings.TrimSpace(lines[endIdx]), endPrefix)
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return "", 0, false
	}

	body := lines[startIdx+1 : endIdx]
	// The wrapped command echoes one trailing blank line before the end
	// marker; drop it if present.
	if len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == "" {
		body = body[:len(body)-1]
	}

	return strings.Join(body, "\n"), code, true
}

func markerID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano())[:8]
	}
	return hex.EncodeToString(buf)
}

// shellQuote single-quotes s for safe interpolation into a remote shell
// command (spec.md §9 "Shell quoting").
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
