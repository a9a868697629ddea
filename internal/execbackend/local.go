package execbackend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/websoft9/remotehost/internal/fileutil"
	"github.com/websoft9/remotehost/internal/wireproto"
)

const defaultReadCap = 5 * 1024 * 1024 // 5 MiB, matches the remote agent's read_file cap.

// LocalBackend runs exec and file operations directly on the gateway's own
// machine via os/exec and os file calls — the same shape as the base
// repository's LocalExecutor, widened to the full ExecutionBackend surface.
type LocalBackend struct{}

// NewLocalBackend constructs a LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

func (b *LocalBackend) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := req.Command
	if req.WorkingDir != "" {
		command = fmt.Sprintf("cd %s && { %s; }", shellQuote(req.WorkingDir), command)
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil {
		return ExecResult{Success: false, Error: "timeout"}, nil
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return ExecResult{}, wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}

	return ExecResult{
		Success:  exitCode == 0,
		Output:   stdout.String() + stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func (b *LocalBackend) ReadFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", wireproto.NewCodedError(wireproto.ErrNotFound, path)
		}
		return "", wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}
	if info.Size() > defaultReadCap {
		return "", wireproto.NewCodedError(wireproto.ErrIOError, "file exceeds read size cap")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}
	return string(data), nil
}

func (b *LocalBackend) WriteFile(ctx context.Context, path, content string) (int, error) {
	if err := fileutil.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return 0, wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}
	return len(content), nil
}

func (b *LocalBackend) EditFile(ctx context.Context, path, oldText, newText string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return wireproto.NewCodedError(wireproto.ErrNotFound, path)
		}
		return wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}

	content := string(data)
	count := strings.Count(content, oldText)
	switch count {
	case 0:
		return wireproto.NewCodedError(wireproto.ErrNotFound, "oldText not found")
	case 1:
		// exactly one match, proceed
	default:
		return wireproto.NewCodedError(wireproto.ErrNotUnique, "oldText matches more than once")
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := fileutil.WriteFileAtomic(path, []byte(updated), 0o644); err != nil {
		return wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}
	return nil
}

func (b *LocalBackend) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wireproto.NewCodedError(wireproto.ErrNotFound, path)
		}
		return nil, wireproto.NewCodedError(wireproto.ErrIOError, err.Error())
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		entryType := "other"
		var size int64
		var mtime int64
		if err == nil {
			size = info.Size()
			mtime = info.ModTime().Unix()
			switch {
			case info.Mode()&os.ModeSymlink != 0:
				entryType = "symlink"
			case e.IsDir():
				entryType = "dir"
			case info.Mode().IsRegular():
				entryType = "file"
			}
		}
		out = append(out, DirEntry{Name: e.Name(), Type: entryType, Size: size, Mtime: mtime})
	}
	return out, nil
}

// shellQuote single-quotes s for safe interpolation into a shell command
// (spec.md §9 "Shell quoting").
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
