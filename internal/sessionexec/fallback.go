package sessionexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// ProcessExecutor runs each Exec call as a fresh child process with no
// preserved state between calls. Used when tmux is unavailable or
// explicitly disabled via --no-tmux (spec.md §4.9 "Non-mux mode"). The
// command runs under a pseudo-terminal, the same way the base repository's
// LocalSession bridges a PTY to a WebSocket, so output matches what an
// interactive shell would have produced (tools that branch on isatty).
type ProcessExecutor struct{}

// NewProcessExecutor constructs a ProcessExecutor.
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{}
}

func (e *ProcessExecutor) Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (Result, error) {
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	effective := command
	if workingDir != "" {
		effective = fmt.Sprintf("cd %s && { %s; }", shellQuote(workingDir), command)
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", effective)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{}, err
	}
	defer ptmx.Close()

	var out bytes.Buffer
	copyDone := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := ptmx.Read(buf)
			if n > 0 {
				out.Write(buf[:n])
			}
			if rerr != nil {
				break
			}
		}
		close(copyDone)
	}()

	waitErr := cmd.Wait()
	<-copyDone

	if runCtx.Err() != nil {
		return Result{Success: false, Error: "timeout"}, nil
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		return Result{}, waitErr
	}

	return Result{Success: exitCode == 0, Output: out.String(), ExitCode: exitCode}, nil
}

// Close is a no-op: ProcessExecutor holds no persistent state.
func (e *ProcessExecutor) Close() error { return nil }
