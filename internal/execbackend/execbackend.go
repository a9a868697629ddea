// Package execbackend decides, for each call, whether a command or file
// operation runs on the local machine or is routed to a remote host — the
// capability-set generalization of the base repository's docker.Executor
// (Run/RunStream/Ping/Host over os/exec or SSH), widened from "shell
// commands only" to the full exec/read/write/edit/list surface and wired to
// remotehost.RemoteHost instead of a bare *ssh.Client.
package execbackend

import (
	"context"
	"time"

	"github.com/websoft9/remotehost/internal/wireproto"
)

// ExecRequest is one exec call.
type ExecRequest struct {
	Command    string
	WorkingDir string
	Timeout    time.Duration
}

// ExecResult is the outcome of one exec call.
type ExecResult struct {
	Success  bool
	Output   string
	ExitCode int
	Error    string
}

// DirEntry describes one entry returned by ListDir.
type DirEntry struct {
	Name  string
	Type  string
	Size  int64
	Mtime int64
}

// ExecutionBackend is the capability set every tool call goes through.
// Tools never branch on "is this remote" themselves; they hold a backend
// obtained from a Router and call it (spec.md §4.7, §9 "Dynamic dispatch
// over tools").
type ExecutionBackend interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) (bytesWritten int, err error)
	EditFile(ctx context.Context, path, oldText, newText string) error
	ListDir(ctx context.Context, path string) ([]DirEntry, error)
}

// fromWireDirEntries converts wireproto.DirEntry to the backend-facing
// DirEntry, decoupling callers from the wire representation.
func fromWireDirEntries(in []wireproto.DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(in))
	for _, e := range in {
		out = append(out, DirEntry{Name: e.Name, Type: e.Type, Size: e.Size, Mtime: e.Mtime})
	}
	return out
}
