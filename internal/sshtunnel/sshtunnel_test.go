package sshtunnel_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/websoft9/remotehost/internal/sshtunnel"
)

// writeTestClientKey writes a throwaway RSA private key in PEM form to a
// temp file and returns its path. The test SSH server accepts any auth
// (NoClientAuth), so only parseability matters.
func writeTestClientKey(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	path := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startEchoSSHServer starts an in-process SSH server on 127.0.0.1 that
// supports direct-tcpip channels (what ssh.Client.Dial uses), echoing each
// one back in place rather than forwarding it, plus "session" channels so
// Probe's NewSession succeeds. It returns the listen address, the port of a
// separate local echo listener, and a stop function.
func startEchoSSHServer(t *testing.T) (addr string, echoPort int, stop func()) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleSSHConn(conn, cfg)
		}
	}()

	stop = func() {
		close(done)
		ln.Close()
		echoLn.Close()
	}
	return ln.Addr().String(), echoLn.Addr().(*net.TCPAddr).Port, stop
}

func handleSSHConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			ch, reqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)
			go func() {
				// The forwarded destination is the echo listener; since the
				// test server only has one, just relay the channel as an
				// echo itself.
				io.Copy(ch, ch)
				ch.Close()
			}()
		case "session":
			ch, reqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range reqs {
					if req.WantReply {
						req.Reply(true, nil)
					}
				}
			}()
			ch.Close()
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func TestTunnelOpenProbeClose(t *testing.T) {
	addr, _, stop := startEchoSSHServer(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("could not parse port from %q: %v", portStr, err)
	}

	keyPath := writeTestClientKey(t)

	tun := sshtunnel.New(sshtunnel.Config{
		SSHTarget:   "test@" + host,
		SSHPort:     port,
		SSHKeyPath:  keyPath,
		RemotePort:  1, // unused by this fake server; direct-tcpip is echoed locally
		DialTimeout: 5 * time.Second,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	localPort, err := tun.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if localPort == 0 {
		t.Fatal("Open returned port 0")
	}

	if err := tun.Probe(ctx); err != nil {
		t.Errorf("Probe: %v", err)
	}

	if err := tun.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	// Idempotent.
	if err := tun.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
