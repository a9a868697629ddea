// Package remotehost owns one remote host's tunnel, wire connection, and
// remote session, presenting a single rpc entry point with built-in
// transport recovery — the generalization of the base repository's
// terminal.Session, which owned one PTY plus one websocket relay; here one
// RemoteHost owns one SSHTunnel plus one wire.Client plus one bootstrapped
// session.
package remotehost

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/websoft9/remotehost/internal/bootstrap"
	"github.com/websoft9/remotehost/internal/hostregistry"
	"github.com/websoft9/remotehost/internal/sshtunnel"
	"github.com/websoft9/remotehost/internal/wire"
	"github.com/websoft9/remotehost/internal/wireproto"
)

// State is the RemoteHost lifecycle state (spec.md §4.5 state machine).
type State int

const (
	Disconnected State = iota
	Connected
	Recovering
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps collects the constructor inputs a RemoteHost needs beyond its own
// HostConfig: where to persist session state, what binary to stage, and how
// long to wait for various stages. Grouping these avoids a constructor with
// a dozen positional arguments.
type Deps struct {
	Registry         *hostregistry.Registry
	AgentBinaryPath  string
	TmuxFallbackURL  string
	KnownHostsPath   string
	TunnelDialTimeout time.Duration
	ReadinessTimeout time.Duration
	RPCTimeout       time.Duration
}

// RemoteHost owns exactly one SSHTunnel, one wire.Client, and at most one
// remote session at a time. It is safe for concurrent rpc calls: a single
// internal mutex enforces that at most one transport recovery runs at once,
// per spec.md §5.
type RemoteHost struct {
	name string
	cfg  hostregistry.HostConfig
	deps Deps
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	tunnel    *sshtunnel.Tunnel
	wireConn  *wire.Client
	sessionID string
	remoteDir string

	// recoverLimiter throttles recoverTransport the same way the base
	// repository's tunnel server throttles inbound connection attempts,
	// turned around to bound outbound reconnect storms when a host is
	// flapping: at most one recovery attempt every two seconds.
	recoverLimiter *rate.Limiter
}

// New constructs a RemoteHost bound to cfg. Call Setup before Rpc.
func New(cfg hostregistry.HostConfig, deps Deps, log zerolog.Logger) *RemoteHost {
	return &RemoteHost{
		name:           cfg.Name,
		cfg:            cfg,
		deps:           deps,
		log:            log.With().Str("component", "remotehost").Str("host", cfg.Name).Logger(),
		state:          Disconnected,
		recoverLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Name returns the host name this instance is bound to.
func (h *RemoteHost) Name() string { return h.name }

// Workspace returns the host's configured default working directory
// (spec.md §3 HostConfig.workspace), or "" if none was set.
func (h *RemoteHost) Workspace() string { return h.cfg.Workspace }

// State returns the current lifecycle state.
func (h *RemoteHost) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Setup is idempotent: if already Connected, it returns immediately.
// Otherwise it allocates a sessionId, opens the tunnel, bootstraps the
// remote agent, opens the wire, authenticates, and persists activeSession.
func (h *RemoteHost) Setup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Connected {
		return nil
	}

	sessionID := randomSessionID()
	remoteDir := fmt.Sprintf("/tmp/nanobot-%s", sessionID)

	tunnel := sshtunnel.New(sshtunnel.Config{
		SSHTarget:      h.cfg.SSHTarget,
		SSHPort:        h.cfg.SSHPort,
		SSHKeyPath:     h.cfg.SSHKeyPath,
		RemotePort:     h.cfg.RemotePort,
		DialTimeout:    h.deps.TunnelDialTimeout,
		KnownHostsPath: h.deps.KnownHostsPath,
	}, h.log)

	localPort, err := tunnel.Open(ctx)
	if err != nil {
		return err
	}

	bootstrapper := bootstrap.New(h.log, h.deps.ReadinessTimeout)
	_, err = bootstrapper.Run(bootstrap.Request{
		Client:          tunnel.Client(),
		SessionID:       sessionID,
		RemoteDir:       remoteDir,
		RemotePort:      h.cfg.RemotePort,
		AuthToken:       h.cfg.AuthToken,
		Workspace:       h.cfg.Workspace,
		AgentBinaryPath: h.deps.AgentBinaryPath,
		TmuxFallbackURL: h.deps.TmuxFallbackURL,
	})
	if err != nil {
		tunnel.Close()
		return err
	}

	wireConn, err := wire.Dial(ctx, localPort, h.cfg.AuthToken, h.log)
	if err != nil {
		tunnel.Close()
		return err
	}

	h.tunnel = tunnel
	h.wireConn = wireConn
	h.sessionID = sessionID
	h.remoteDir = remoteDir
	h.state = Connected

	if h.deps.Registry != nil {
		sess := hostregistry.ActiveSession{
			SessionID:  sessionID,
			RemoteDir:  remoteDir,
			RemotePort: h.cfg.RemotePort,
			LocalPort:  localPort,
			AuthToken:  h.cfg.AuthToken,
		}
		if err := h.deps.Registry.SaveSession(h.name, sess); err != nil {
			h.log.Warn().Err(err).Msg("failed to persist active session")
		}
	}

	h.log.Info().Str("sessionId", sessionID).Msg("remote host set up")
	return nil
}

// bindExisting binds h to a session already recorded in the registry,
// without allocating a new sessionId or re-bootstrapping — the success leg
// of HostManager's resume-then-deploy.
func (h *RemoteHost) bindExisting(ctx context.Context, sess hostregistry.ActiveSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Connected {
		return nil
	}

	tunnel := sshtunnel.New(sshtunnel.Config{
		SSHTarget:      h.cfg.SSHTarget,
		SSHPort:        h.cfg.SSHPort,
		SSHKeyPath:     h.cfg.SSHKeyPath,
		RemotePort:     sess.RemotePort,
		DialTimeout:    h.deps.TunnelDialTimeout,
		KnownHostsPath: h.deps.KnownHostsPath,
	}, h.log)

	localPort, err := tunnel.Open(ctx)
	if err != nil {
		return err
	}

	wireConn, err := wire.Dial(ctx, localPort, sess.AuthToken, h.log)
	if err != nil {
		tunnel.Close()
		return err
	}

	if err := wireConn.Ping(ctx, h.deps.RPCTimeout); err != nil {
		wireConn.Close()
		tunnel.Close()
		return err
	}

	h.tunnel = tunnel
	h.wireConn = wireConn
	h.sessionID = sess.SessionID
	h.remoteDir = sess.RemoteDir
	h.state = Connected

	h.log.Info().Str("sessionId", sess.SessionID).Msg("resumed existing remote session")
	return nil
}

// Resume attempts to bind to a previously recorded session without
// redeploying. It is exported so HostManager can drive the resume leg of
// resume-then-deploy (spec.md §4.6) directly against this host's recorded
// ActiveSession.
func (h *RemoteHost) Resume(ctx context.Context, sess hostregistry.ActiveSession) error {
	return h.bindExisting(ctx, sess)
}

// Ping issues a liveness RPC.
func (h *RemoteHost) Ping(ctx context.Context) error {
	h.mu.Lock()
	wireConn := h.wireConn
	h.mu.Unlock()

	if wireConn == nil {
		return wireproto.NewCodedError(wireproto.ErrRemoteServerUnresponsive, "not connected")
	}
	return wireConn.Ping(ctx, h.deps.RPCTimeout)
}

// Rpc is the single entry point for all call types. On a transport-level
// failure it attempts one recovery, then retries the same request once
// before surfacing a typed error.
func (h *RemoteHost) Rpc(ctx context.Context, req wireproto.Request) (wireproto.Response, error) {
	if req.RequestID == "" {
		req.RequestID = wireproto.NewRequestID()
	}

	resp, err := h.attemptRpc(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !isTransportError(err) {
		return resp, err
	}

	if recErr := h.recoverTransport(ctx); recErr != nil {
		return wireproto.Response{}, recErr
	}

	return h.attemptRpc(ctx, req)
}

func (h *RemoteHost) attemptRpc(ctx context.Context, req wireproto.Request) (wireproto.Response, error) {
	h.mu.Lock()
	wireConn := h.wireConn
	h.mu.Unlock()

	if wireConn == nil {
		return wireproto.Response{}, wireproto.NewCodedError(wireproto.ErrRemoteServerUnresponsive, "not connected")
	}
	return wireConn.Call(ctx, req, h.deps.RPCTimeout)
}

// recoverTransport tears down wire and tunnel and re-establishes both
// against the same sessionId, holding h.mu for the duration so concurrent
// callers see either the recovered transport or the same final error
// (spec.md §5).
func (h *RemoteHost) recoverTransport(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Connected && h.wireConn != nil {
		// Another caller already recovered while we waited for the lock.
		if pingErr := h.wireConn.Ping(ctx, h.deps.RPCTimeout); pingErr == nil {
			return nil
		}
	}

	if !h.recoverLimiter.Allow() {
		h.log.Warn().Msg("transport recovery throttled")
		return wireproto.NewCodedError(wireproto.ErrRemoteServerUnresponsive, "recovery attempted too recently")
	}

	h.state = Recovering
	h.log.Warn().Msg("recovering transport")

	if h.wireConn != nil {
		h.wireConn.Close()
		h.wireConn = nil
	}
	if h.tunnel != nil {
		h.tunnel.Close()
		h.tunnel = nil
	}

	tunnel := sshtunnel.New(sshtunnel.Config{
		SSHTarget:      h.cfg.SSHTarget,
		SSHPort:        h.cfg.SSHPort,
		SSHKeyPath:     h.cfg.SSHKeyPath,
		RemotePort:     h.cfg.RemotePort,
		DialTimeout:    h.deps.TunnelDialTimeout,
		KnownHostsPath: h.deps.KnownHostsPath,
	}, h.log)

	localPort, err := tunnel.Open(ctx)
	if err != nil {
		h.state = Failed
		return err
	}

	wireConn, err := wire.Dial(ctx, localPort, h.cfg.AuthToken, h.log)
	if err != nil {
		tunnel.Close()
		h.state = Failed
		return wireproto.NewCodedError(wireproto.ErrRemoteServerUnresponsive, err.Error())
	}

	h.tunnel = tunnel
	h.wireConn = wireConn
	h.state = Connected
	h.log.Info().Msg("transport recovered")
	return nil
}

// Teardown runs the ordered shutdown sequence: graceful shutdown RPC, then
// forceful SSH-side kill if that failed, then removal of the remote session
// directory, then closing the tunnel. activeSession is cleared only after
// every step succeeds.
func (h *RemoteHost) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Disconnected {
		return nil
	}

	gracefulOK := false
	if h.wireConn != nil {
		if err := h.wireConn.Shutdown(ctx); err == nil {
			gracefulOK = true
			time.Sleep(2 * time.Second)
		}
	}

	var client *ssh.Client
	if h.tunnel != nil {
		client = h.tunnel.Client()
	}
	if !gracefulOK && client != nil {
		h.forceKill(client)
	}

	var dirErr error
	if client != nil {
		dirErr = h.removeSessionDir(client)
	}

	if h.wireConn != nil {
		h.wireConn.Close()
		h.wireConn = nil
	}
	if h.tunnel != nil {
		if err := h.tunnel.Close(); err != nil {
			return wireproto.NewCodedError(wireproto.ErrIOError, errors.Join(dirErr, err).Error())
		}
		h.tunnel = nil
	}
	if dirErr != nil {
		return wireproto.NewCodedError(wireproto.ErrIOError, dirErr.Error())
	}

	h.state = Disconnected
	if h.deps.Registry != nil {
		if err := h.deps.Registry.ClearSession(h.name); err != nil {
			h.log.Warn().Err(err).Msg("failed to clear active session record")
		}
	}
	h.log.Info().Msg("torn down")
	return nil
}

// forceKill is the fallback path when the graceful shutdown RPC failed or
// was never acked: SIGTERM the server by recorded PID, give it a second,
// SIGKILL, then free the port. Best-effort — errors are logged, not
// returned, since Teardown must still proceed to directory removal and
// tunnel close.
func (h *RemoteHost) forceKill(client *ssh.Client) {
	pidFile := h.remoteDir + "/server.pid"
	cmd := fmt.Sprintf(
		`PID=$(cat %s 2>/dev/null); if [ -n "$PID" ]; then kill -TERM "$PID" 2>/dev/null; sleep 1; kill -KILL "$PID" 2>/dev/null; fi; fuser -k %d/tcp 2>/dev/null; tmux kill-session -t nanobot 2>/dev/null`,
		shellQuotePath(pidFile), h.cfg.RemotePort,
	)
	h.runBestEffort(client, cmd)
}

// removeSessionDir runs the remote rm -rf and, unlike forceKill's cleanup
// commands, reports failure to its caller: spec.md §8 property #5 requires
// that teardown either removes the session directory entirely or returns a
// failure, never reporting partial cleanup as success.
func (h *RemoteHost) removeSessionDir(client *ssh.Client) error {
	return h.runStep(client, fmt.Sprintf("rm -rf %s", shellQuotePath(h.remoteDir)))
}

// runStep runs cmd over client and returns its failure instead of only
// logging it, for steps whose outcome the caller must act on.
func (h *RemoteHost) runStep(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		h.log.Warn().Err(err).Str("cmd", cmd).Msg("teardown step: could not open session")
		return err
	}
	defer session.Close()
	if err := session.Run(cmd); err != nil {
		h.log.Warn().Err(err).Str("cmd", cmd).Msg("teardown step failed")
		return err
	}
	return nil
}

// runBestEffort runs cmd over client, logging any failure without
// surfacing it — used for forceKill's SIGTERM/SIGKILL/fuser/tmux cleanup,
// which teardown proceeds past regardless of outcome.
func (h *RemoteHost) runBestEffort(client *ssh.Client, cmd string) {
	_ = h.runStep(client, cmd)
}

// shellQuotePath single-quotes a path for safe interpolation into a remote
// shell command (spec.md §9 "Shell quoting"), mirroring bootstrap.shellQuote.
func shellQuotePath(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// isTransportError reports whether err reflects the transport itself being
// down, as opposed to an ordinary per-call deadline. ErrTimeout is
// deliberately excluded: it's what wire.Client.Call returns for a plain RPC
// deadline expiry, and an RPC timing out does not mean the connection is
// broken (spec.md §4.4, §7 "Timeouts ... do not tear down the transport").
func isTransportError(err error) bool {
	coded, ok := err.(*wireproto.CodedError)
	if !ok {
		return false
	}
	switch coded.Code {
	case wireproto.ErrNetworkUnreachable, wireproto.ErrRemoteServerUnresponsive:
		return true
	default:
		return false
	}
}

// randomSessionID returns a random 8-hex-character session identifier
// (spec.md §3 RemoteSession).
func randomSessionID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// time-derived id rather than panicking mid-setup.
		return fmt.Sprintf("%08x", time.Now().UnixNano())[:8]
	}
	return hex.EncodeToString(buf)
}
