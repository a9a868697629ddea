package execbackend

import (
	"context"
	"strings"

	"github.com/websoft9/remotehost/internal/wireproto"
)

// rpcCaller is the subset of remotehost.RemoteHost that RemoteBackend needs.
// Declaring it here instead of importing remotehost directly keeps this
// package free to be exercised with a fake in tests without spinning up a
// real tunnel+wire stack.
type rpcCaller interface {
	Rpc(ctx context.Context, req wireproto.Request) (wireproto.Response, error)
}

// RemoteBackend routes exec and file operations through one RemoteHost's
// rpc method.
type RemoteBackend struct {
	host rpcCaller
	// workspace is the host's configured default working directory
	// (spec.md §3 HostConfig.workspace). The remote agent applies the same
	// default on its side once bootstrapped with --workspace, but callers
	// that build a Router directly against an already-running agent (e.g.
	// one bootstrapped before a workspace was configured) still get a
	// correct relative WorkingDir/path here.
	workspace string
}

// NewRemoteBackend wraps host, defaulting relative WorkingDir/path RPC
// fields to workspace when the caller leaves them unset.
func NewRemoteBackend(host rpcCaller, workspace string) *RemoteBackend {
	return &RemoteBackend{host: host, workspace: workspace}
}

// withWorkspace joins a relative path under workspace; an absolute path, or
// any path when no workspace is configured, passes through unchanged.
func (b *RemoteBackend) withWorkspace(path string) string {
	if path == "" || strings.HasPrefix(path, "/") || b.workspace == "" {
		return path
	}
	return strings.TrimRight(b.workspace, "/") + "/" + path
}

func (b *RemoteBackend) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = b.workspace
	}
	wireReq := wireproto.Request{
		Type:       wireproto.TypeExec,
		RequestID:  wireproto.NewRequestID(),
		Command:    req.Command,
		WorkingDir: workingDir,
	}
	if req.Timeout > 0 {
		wireReq.TimeoutMs = req.Timeout.Milliseconds()
	}

	resp, err := b.host.Rpc(ctx, wireReq)
	if err != nil {
		return ExecResult{}, err
	}

	exitCode := 0
	if resp.ExitCode != nil {
		exitCode = *resp.ExitCode
	}
	return ExecResult{
		Success:  resp.Success,
		Output:   resp.Output,
		ExitCode: exitCode,
		Error:    resp.Error,
	}, nil
}

func (b *RemoteBackend) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := b.host.Rpc(ctx, wireproto.Request{
		Type:      wireproto.TypeReadFile,
		RequestID: wireproto.NewRequestID(),
		Path:      b.withWorkspace(path),
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", wireproto.NewCodedError(resp.Code, resp.Error)
	}
	return resp.Content, nil
}

func (b *RemoteBackend) WriteFile(ctx context.Context, path, content string) (int, error) {
	resp, err := b.host.Rpc(ctx, wireproto.Request{
		Type:      wireproto.TypeWriteFile,
		RequestID: wireproto.NewRequestID(),
		Path:      b.withWorkspace(path),
		Content:   content,
	})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, wireproto.NewCodedError(resp.Code, resp.Error)
	}
	return resp.Bytes, nil
}

func (b *RemoteBackend) EditFile(ctx context.Context, path, oldText, newText string) error {
	resp, err := b.host.Rpc(ctx, wireproto.Request{
		Type:      wireproto.TypeEditFile,
		RequestID: wireproto.NewRequestID(),
		Path:      b.withWorkspace(path),
		OldText:   oldText,
		NewText:   newText,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return wireproto.NewCodedError(resp.Code, resp.Error)
	}
	return nil
}

func (b *RemoteBackend) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	resp, err := b.host.Rpc(ctx, wireproto.Request{
		Type:      wireproto.TypeListDir,
		RequestID: wireproto.NewRequestID(),
		Path:      b.withWorkspace(path),
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, wireproto.NewCodedError(resp.Code, resp.Error)
	}
	return fromWireDirEntries(resp.Entries), nil
}
