// Package wireproto defines the JSON frames exchanged between the gateway's
// WireClient and the on-host RemoteAgent, and the error codes surfaced to the
// execution-backend router.
package wireproto

import "github.com/google/uuid"

// Frame types, client to server.
const (
	TypeAuth       = "auth"
	TypeExec       = "exec"
	TypeReadFile   = "read_file"
	TypeWriteFile  = "write_file"
	TypeEditFile   = "edit_file"
	TypeListDir    = "list_dir"
	TypePing       = "ping"
	TypeClose      = "close"
	TypeShutdown   = "shutdown"
)

// Frame types, server to client.
const (
	TypeAuthenticated = "authenticated"
	TypeResult        = "result"
	TypePong          = "pong"
	TypeShutdownAck   = "shutdown_ack"
	TypeError         = "error"
)

// Request is one client-to-server frame. Fields unused by a given Type are
// left zero-valued; encoding/json omits them via `omitempty`.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Token     string `json:"token,omitempty"`

	// exec
	Command    string `json:"command,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	TimeoutMs  int64  `json:"timeout,omitempty"`

	// read_file / write_file / edit_file / list_dir
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`
}

// NewRequestID returns a fresh uuid v4, as spec.md §4.4 requires for every
// outgoing request.
func NewRequestID() string {
	return uuid.NewString()
}

// DirEntry describes one entry returned by list_dir.
type DirEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // file | dir | symlink | other
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"` // unix seconds
}

// Response is one server-to-client frame.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	Success bool `json:"success,omitempty"`

	Output   string     `json:"output,omitempty"`
	Content  string     `json:"content,omitempty"`
	Entries  []DirEntry `json:"entries,omitempty"`
	Bytes    int        `json:"bytes,omitempty"`
	ExitCode *int       `json:"exitCode,omitempty"`

	Error string `json:"error,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error codes surfaced to the router layer (spec.md §6).
const (
	ErrHostNotFound             = "HostNotFound"
	ErrAlreadyExists            = "AlreadyExists"
	ErrNetworkUnreachable       = "NetworkUnreachable"
	ErrRemoteServerUnresponsive = "RemoteServerUnresponsive"
	ErrUnauthorized             = "Unauthorized"
	ErrReadinessTimeout         = "ReadinessTimeout"
	ErrTimeout                  = "Timeout"
	ErrRequestIDConflict        = "RequestIdConflict"
	ErrNotFound                 = "NotFound"
	ErrNotUnique                = "NotUnique"
	ErrIOError                  = "IOError"
)

// CodedError pairs one of the error codes above with a human-readable
// message. RemoteHost, HostManager, and the execution backends return these
// so the router layer can branch on Code without parsing strings; the
// RemoteAgent dispatcher carries the same codes in Response.Code.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewCodedError builds a CodedError.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}
