// Package sshtunnel establishes a local TCP listener that forwards
// connections to a fixed loopback port on a remote host over SSH — the
// client side of a local port-forward, the mirror image of the base
// repository's reverse-tunnel server in internal/tunnel.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/websoft9/remotehost/internal/wireproto"
)

// Config carries everything needed to open one tunnel.
type Config struct {
	// SSHTarget is "user@host".
	SSHTarget string
	SSHPort   int
	// SSHKeyPath, if set, is a private-key file used for authentication.
	// If empty, the tunnel falls back to SSH_AUTH_SOCK (ssh-agent).
	SSHKeyPath string
	// RemotePort is the loopback port on the target host to forward to.
	RemotePort int
	// DialTimeout bounds the SSH handshake (spec.md §4.2 default 20s).
	DialTimeout time.Duration
	// KnownHostsPath, if set, enables host-key verification against a
	// known_hosts file, trust-on-first-use: an unknown host key is
	// accepted and appended; a changed host key is rejected.
	KnownHostsPath string
}

// Tunnel owns one local listener forwarding to one remote loopback port. A
// single instance belongs to exactly one RemoteHost; it is never shared.
type Tunnel struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	client    *ssh.Client
	listener  net.Listener
	localPort int
	closed    bool

	wg sync.WaitGroup
}

// New constructs a Tunnel. Call Open to establish it.
func New(cfg Config, log zerolog.Logger) *Tunnel {
	return &Tunnel{
		cfg: cfg,
		log: log.With().Str("component", "sshtunnel").Str("target", cfg.SSHTarget).Logger(),
	}
}

// Open dials the SSH transport, binds an ephemeral local port, and starts
// forwarding accepted connections to 127.0.0.1:<RemotePort> on the target.
// Returns the bound local port.
func (t *Tunnel) Open(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.localPort, nil
	}

	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}

	clientCfg, err := t.clientConfig(timeout)
	if err != nil {
		return 0, wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, err.Error())
	}

	addr := fmt.Sprintf("%s:%d", sshHost(t.cfg.SSHTarget), t.cfg.SSHPort)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			resultCh <- dialResult{nil, err}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			resultCh <- dialResult{nil, err}
			return
		}
		resultCh <- dialResult{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	var res dialResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return 0, wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, ctx.Err().Error())
	case <-time.After(timeout):
		return 0, wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, "ssh dial timed out")
	}
	if res.err != nil {
		return 0, wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, res.err.Error())
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		res.client.Close()
		return 0, wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, err.Error())
	}

	t.client = res.client
	t.listener = listener
	t.localPort = listener.Addr().(*net.TCPAddr).Port
	t.closed = false

	t.wg.Add(1)
	go t.acceptLoop(listener, res.client)

	t.log.Info().Int("localPort", t.localPort).Int("remotePort", t.cfg.RemotePort).Msg("tunnel open")
	return t.localPort, nil
}

func (t *Tunnel) acceptLoop(listener net.Listener, client *ssh.Client) {
	defer t.wg.Done()
	remoteAddr := fmt.Sprintf("127.0.0.1:%d", t.cfg.RemotePort)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.forward(conn, client, remoteAddr)
		}()
	}
}

func (t *Tunnel) forward(local net.Conn, client *ssh.Client, remoteAddr string) {
	defer local.Close()

	remote, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		t.log.Warn().Err(err).Msg("forward: dial remote failed")
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		remote.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		local.Close()
	}()
	wg.Wait()
}

// Probe performs a cheap liveness check by opening and immediately closing
// a session channel over the existing SSH connection.
func (t *Tunnel) Probe(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, "tunnel not open")
	}

	done := make(chan error, 1)
	go func() {
		session, err := client.NewSession()
		if err != nil {
			done <- err
			return
		}
		session.Close()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, err.Error())
		}
		return nil
	case <-ctx.Done():
		return wireproto.NewCodedError(wireproto.ErrNetworkUnreachable, ctx.Err().Error())
	}
}

// Close is idempotent: it guarantees the listener and SSH client are
// released, even if called more than once or called before Open succeeded.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	t.client = nil
	t.listener = nil

	return errors.Join(errs...)
}

// LocalPort returns the bound local port, or 0 if the tunnel is not open.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPort
}

// Client exposes the underlying SSH connection so RemoteBootstrapper can
// reuse it for file staging and launcher invocation instead of dialing a
// second connection to the same host.
func (t *Tunnel) Client() *ssh.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Tunnel) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	user, _ := splitSSHTarget(t.cfg.SSHTarget)

	auth, err := authMethods(t.cfg.SSHKeyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// hostKeyCallback returns a trust-on-first-use verifier against
// KnownHostsPath when configured. With no KnownHostsPath, host keys are
// accepted without verification — acceptable here because the gateway
// operator supplies the target explicitly (sshTarget in HostConfig), the
// same "single operator, explicit targets" trust model the base repository
// already assumes for its own SSH connector.
func (t *Tunnel) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if err := os.MkdirAll(filepath.Dir(t.cfg.KnownHostsPath), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.OpenFile(t.cfg.KnownHostsPath, os.O_CREATE|os.O_APPEND, 0o600); err != nil {
		return nil, err
	}

	strict, err := knownhosts.New(t.cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := strict(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// Unknown host: trust on first use, append and accept.
			line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
			f, ferr := os.OpenFile(t.cfg.KnownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			if _, werr := f.WriteString(line + "\n"); werr != nil {
				return werr
			}
			return nil
		}
		return err
	}, nil
}
