package remoteagent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/remotehost/internal/fileutil"
	"github.com/websoft9/remotehost/internal/wireproto"
)

// dispatcher owns one accepted connection's full lifecycle: handshake,
// read loop, idempotency-gated handler dispatch.
type dispatcher struct {
	server *Server
	conn   *websocket.Conn
	cache  *idempotencyCache
	log    zerolog.Logger
}

func (d *dispatcher) run() {
	if !d.handshake() {
		return
	}

	for {
		var req wireproto.Request
		if err := d.conn.ReadJSON(&req); err != nil {
			d.log.Info().Err(err).Msg("connection closed")
			return
		}

		switch req.Type {
		case wireproto.TypePing:
			d.conn.WriteJSON(wireproto.Response{Type: wireproto.TypePong, RequestID: req.RequestID})
		case wireproto.TypeClose:
			d.conn.WriteJSON(wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: true})
			return
		case wireproto.TypeShutdown:
			d.conn.WriteJSON(wireproto.Response{Type: wireproto.TypeShutdownAck, RequestID: req.RequestID})
			d.server.requestShutdown()
			return
		default:
			d.dispatchIdempotent(req)
		}
	}
}

// handshake reads the first frame, verifies the auth token, and replies.
func (d *dispatcher) handshake() bool {
	var req wireproto.Request
	if err := d.conn.ReadJSON(&req); err != nil {
		return false
	}
	if req.Type != wireproto.TypeAuth {
		d.conn.WriteJSON(wireproto.Response{Type: wireproto.TypeError, Code: wireproto.ErrUnauthorized, Message: "first frame must be auth"})
		return false
	}
	if d.server.cfg.AuthToken != "" && req.Token != d.server.cfg.AuthToken {
		d.conn.WriteJSON(wireproto.Response{Type: wireproto.TypeError, Code: wireproto.ErrUnauthorized, Message: "token mismatch"})
		return false
	}
	return d.conn.WriteJSON(wireproto.Response{Type: wireproto.TypeAuthenticated}) == nil
}

// dispatchIdempotent routes req through the idempotency cache before
// reaching a handler (spec.md §4.8).
func (d *dispatcher) dispatchIdempotent(req wireproto.Request) {
	if req.RequestID == "" {
		resp := d.handle(req)
		d.conn.WriteJSON(resp)
		return
	}

	fp := fingerprintOf(req)
	outcome, entry := d.cache.lookup(req.RequestID, fp)

	switch outcome {
	case outcomeConflict:
		d.conn.WriteJSON(wireproto.Response{
			Type: wireproto.TypeError, RequestID: req.RequestID,
			Code: wireproto.ErrRequestIDConflict, Message: "requestId reused with a different payload",
		})
		return
	case outcomeCached:
		d.conn.WriteJSON(entry.result)
		return
	case outcomeAwait:
		<-entry.futureCh
		d.conn.WriteJSON(entry.result)
		return
	case outcomeRun:
		resp := d.handle(req)
		d.cache.complete(entry, resp)
		d.conn.WriteJSON(resp)
	}
}

func (d *dispatcher) handle(req wireproto.Request) wireproto.Response {
	switch req.Type {
	case wireproto.TypeExec:
		return d.handleExec(req)
	case wireproto.TypeReadFile:
		return d.handleReadFile(req)
	case wireproto.TypeWriteFile:
		return d.handleWriteFile(req)
	case wireproto.TypeEditFile:
		return d.handleEditFile(req)
	case wireproto.TypeListDir:
		return d.handleListDir(req)
	default:
		return wireproto.Response{Type: wireproto.TypeError, RequestID: req.RequestID, Code: wireproto.ErrIOError, Message: "unknown request type " + req.Type}
	}
}

func (d *dispatcher) handleExec(req wireproto.Request) wireproto.Response {
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = d.server.cfg.Workspace
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := d.server.executor.Exec(context.Background(), req.Command, workingDir, timeout)
	if err != nil {
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: false, Error: err.Error()}
	}
	exitCode := result.ExitCode
	return wireproto.Response{
		Type: wireproto.TypeResult, RequestID: req.RequestID,
		Success: result.Success, Output: result.Output, ExitCode: &exitCode, Error: result.Error,
	}
}

// resolvePath jails a relative path to the server's configured workspace
// root via fileutil.ResolveSafePath; an absolute path, or any path when no
// workspace is configured, passes through unchanged (spec.md §3 workspace
// is a default, not a universal sandbox — file RPCs still operate on
// whatever absolute path the caller names).
func (d *dispatcher) resolvePath(requestID, path string) (string, *wireproto.Response) {
	if path == "" {
		return "", &wireproto.Response{Type: wireproto.TypeResult, RequestID: requestID, Success: false, Code: wireproto.ErrNotFound, Error: "path required"}
	}
	if strings.HasPrefix(path, "/") || d.server.cfg.Workspace == "" {
		return path, nil
	}
	resolved, err := fileutil.ResolveSafePath(d.server.cfg.Workspace, path, nil)
	if err != nil {
		return "", &wireproto.Response{Type: wireproto.TypeResult, RequestID: requestID, Success: false, Code: wireproto.ErrIOError, Error: err.Error()}
	}
	return resolved, nil
}

func (d *dispatcher) handleReadFile(req wireproto.Request) wireproto.Response {
	path, errResp := d.resolvePath(req.RequestID, req.Path)
	if errResp != nil {
		return *errResp
	}

	info, err := os.Stat(path)
	if err != nil {
		return notFoundOrIOError(req.RequestID, path, err)
	}
	if info.Size() > d.server.cfg.ReadCap {
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: false, Code: wireproto.ErrIOError, Error: "file exceeds read size cap"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return notFoundOrIOError(req.RequestID, path, err)
	}
	return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: true, Content: string(data)}
}

func (d *dispatcher) handleWriteFile(req wireproto.Request) wireproto.Response {
	path, errResp := d.resolvePath(req.RequestID, req.Path)
	if errResp != nil {
		return *errResp
	}

	if err := fileutil.WriteFileAtomic(path, []byte(req.Content), 0o644); err != nil {
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: false, Code: wireproto.ErrIOError, Error: err.Error()}
	}
	return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: true, Bytes: len(req.Content)}
}

func (d *dispatcher) handleEditFile(req wireproto.Request) wireproto.Response {
	path, errResp := d.resolvePath(req.RequestID, req.Path)
	if errResp != nil {
		return *errResp
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return notFoundOrIOError(req.RequestID, path, err)
	}

	content := string(data)
	switch strings.Count(content, req.OldText) {
	case 0:
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: false, Code: wireproto.ErrNotFound, Error: "oldText not found"}
	case 1:
		// exactly one match, proceed
	default:
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: false, Code: wireproto.ErrNotUnique, Error: "oldText matches more than once"}
	}

	updated := strings.Replace(content, req.OldText, req.NewText, 1)
	if err := fileutil.WriteFileAtomic(path, []byte(updated), 0o644); err != nil {
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: false, Code: wireproto.ErrIOError, Error: err.Error()}
	}
	return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: true}
}

func (d *dispatcher) handleListDir(req wireproto.Request) wireproto.Response {
	path, errResp := d.resolvePath(req.RequestID, req.Path)
	if errResp != nil {
		return *errResp
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return notFoundOrIOError(req.RequestID, path, err)
	}

	out := make([]wireproto.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, ierr := e.Info()
		entryType := "other"
		var size int64
		var mtime int64
		if ierr == nil {
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
		out = append(out, wireproto.DirEntry{Name: e.Name(), Type: entryType, Size: size, Mtime: mtime})
	}
	return wireproto.Response{Type: wireproto.TypeResult, RequestID: req.RequestID, Success: true, Entries: out}
}

func notFoundOrIOError(requestID, path string, err error) wireproto.Response {
	if os.IsNotExist(err) {
		return wireproto.Response{Type: wireproto.TypeResult, RequestID: requestID, Success: false, Code: wireproto.ErrNotFound, Error: fmt.Sprintf("not found: %s", path)}
	}
	return wireproto.Response{Type: wireproto.TypeResult, RequestID: requestID, Success: false, Code: wireproto.ErrIOError, Error: err.Error()}
}
