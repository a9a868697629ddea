// Package remoteagent is the on-host WebSocket server bootstrapped onto a
// target machine: it accepts one client connection at a time, authenticates
// it, and dispatches exec/file RPCs to a session executor and the local
// filesystem — the server-side mirror of the gateway's wire.Client,
// generalized from the base repository's terminal package (which bridged
// one PTY to one WebSocket) into a typed request/response dispatcher with
// an idempotency layer in front of it.
package remoteagent

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/remotehost/internal/sessionexec"
	"github.com/websoft9/remotehost/internal/wireproto"
)

// Config configures one Server instance.
type Config struct {
	Port      int
	AuthToken string
	NoTmux    bool
	ReadCap   int64 // read_file size cap in bytes, default 5 MiB

	// Workspace is the host's default working directory (spec.md §3
	// HostConfig.workspace), staged down from the gateway at bootstrap
	// time. A relative file-RPC path is resolved against it via
	// fileutil.ResolveSafePath; an empty exec workingDir defaults to it (a
	// non-empty exec workingDir is handed to the executor unchanged).
	// Absolute paths are never jailed to it — file RPCs operate on
	// whatever absolute path the caller names, the same as the gateway's
	// own LocalBackend.
	Workspace string
}

// Server is the on-host WebSocket server. It accepts exactly one client
// connection at a time; additional connections are refused while one is
// active (spec.md §4.8).
type Server struct {
	cfg Config
	log zerolog.Logger

	executor sessionexec.Executor

	mu         sync.Mutex
	active     bool
	shutdownCh chan struct{}

	httpServer *http.Server
	listener   net.Listener
}

// New constructs a Server. Exec dispatch goes to a TmuxExecutor unless
// cfg.NoTmux is set, in which case it falls back to a fresh-process
// executor per call.
func New(cfg Config, log zerolog.Logger) (*Server, error) {
	log = log.With().Str("component", "remoteagent").Logger()

	var executor sessionexec.Executor
	if cfg.NoTmux {
		executor = sessionexec.NewProcessExecutor()
	} else {
		tmuxExec, err := sessionexec.NewTmuxExecutor(log)
		if err != nil {
			log.Warn().Err(err).Msg("tmux unavailable, falling back to per-call processes")
			executor = sessionexec.NewProcessExecutor()
		} else {
			executor = tmuxExec
		}
	}

	if cfg.ReadCap == 0 {
		cfg.ReadCap = 5 * 1024 * 1024
	}

	return &Server{
		cfg:        cfg,
		log:        log,
		executor:   executor,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Listen binds 127.0.0.1:Port (an ephemeral port if Port is 0). Call Serve
// afterward to start accepting connections; splitting the two lets callers
// (and tests) learn the bound address before the accept loop starts.
func (s *Server) Listen() error {
	addr := "127.0.0.1:0"
	if s.cfg.Port != 0 {
		addr = "127.0.0.1:" + strconv.Itoa(s.cfg.Port)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	s.httpServer = &http.Server{Handler: mux}
	return nil
}

// Serve accepts connections until the process is asked to shut down (via
// the wire shutdown RPC) or ctx is cancelled. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-s.shutdownCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.executor.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.executor.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// ListenAndServe is the convenience entrypoint cmd/remote-agent uses.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// requestShutdown signals Serve to begin graceful shutdown. Safe
// to call more than once.
func (s *Server) requestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdownCh:
		// already closed
	default:
		close(s.shutdownCh)
	}
}

// Addr returns the bound listener address; nil until Listen has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		http.Error(w, "connection already active", http.StatusServiceUnavailable)
		return
	}
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	d := &dispatcher{
		server: s,
		conn:   conn,
		cache:  newIdempotencyCache(),
		log:    s.log,
	}
	d.run()
}
