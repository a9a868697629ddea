// Package bootstrap stages the remote agent binary and launcher script onto
// a target host over an existing SSH connection, runs the launcher, and
// waits for it to report readiness.
package bootstrap

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/websoft9/remotehost/internal/wireproto"
)

//go:embed deploy.sh.tmpl
var deployScriptTemplate string

// Request describes one bootstrap attempt.
type Request struct {
	// Client is an already-established SSH connection to the target host
	// (reused from SSHTunnel.Client so bootstrap does not open a second
	// connection).
	Client *ssh.Client

	SessionID  string
	RemoteDir  string // /tmp/<prefix>-<sessionId>/
	RemotePort int
	AuthToken  string
	NoTmux     bool
	// Workspace, if set, is staged down as the remote agent's default
	// working directory / file-RPC jail root (spec.md §3 HostConfig.workspace).
	Workspace string

	// AgentBinaryPath is the local path to the remote_server binary built
	// for the target's OS/architecture (cmd/remote-agent, cross-compiled
	// as a release step; see DESIGN.md).
	AgentBinaryPath string

	// TmuxFallbackURL, if set, is where the launcher downloads a static
	// tmux build from when no package manager is present.
	TmuxFallbackURL string
}

// Result carries what the bootstrapper observed.
type Result struct {
	RemoteDir string
	// LauncherLog is the tail of remote_server.log captured on failure.
	LauncherLog string
}

type deployVars struct {
	RemoteDir       string
	RemotePort      int
	AuthToken       string
	NoTmux          bool
	TmuxFallbackURL string
	Workspace       string
}

// Bootstrapper implements spec.md §4.3.
type Bootstrapper struct {
	log              zerolog.Logger
	readinessTimeout time.Duration
}

// New constructs a Bootstrapper. readinessTimeout bounds step 5 of the
// algorithm (launcher invocation); the launcher script itself also bounds
// its own internal poll to 60s, so this is a belt-and-suspenders ceiling.
func New(log zerolog.Logger, readinessTimeout time.Duration) *Bootstrapper {
	if readinessTimeout == 0 {
		readinessTimeout = 75 * time.Second
	}
	return &Bootstrapper{
		log:              log.With().Str("component", "bootstrap").Logger(),
		readinessTimeout: readinessTimeout,
	}
}

// Run executes the full bootstrap algorithm: create the remote directory,
// bulk-upload the agent binary and launcher script, execute the launcher,
// and surface readiness or a typed failure.
func (b *Bootstrapper) Run(req Request) (*Result, error) {
	if req.Client == nil {
		return nil, fmt.Errorf("bootstrap: no SSH client provided")
	}

	if err := b.mkdir(req.Client, req.RemoteDir); err != nil {
		return nil, wireproto.NewCodedError(wireproto.ErrIOError, "StageFailed: "+err.Error())
	}

	script, err := renderLauncher(deployVars{
		RemoteDir:       req.RemoteDir,
		RemotePort:      req.RemotePort,
		AuthToken:       req.AuthToken,
		NoTmux:          req.NoTmux,
		TmuxFallbackURL: req.TmuxFallbackURL,
		Workspace:       req.Workspace,
	})
	if err != nil {
		return nil, wireproto.NewCodedError(wireproto.ErrIOError, "StageFailed: "+err.Error())
	}

	if err := b.uploadFiles(req.Client, req.RemoteDir, req.AgentBinaryPath, script); err != nil {
		return nil, wireproto.NewCodedError(wireproto.ErrIOError, "UploadFailed: "+err.Error())
	}

	log, err := b.runLauncher(req.Client, req.RemoteDir, req.RemotePort, req.AuthToken, req.Workspace, req.NoTmux)
	if err != nil {
		return &Result{RemoteDir: req.RemoteDir, LauncherLog: log}, wireproto.NewCodedError(wireproto.ErrReadinessTimeout, err.Error()+": "+log)
	}

	return &Result{RemoteDir: req.RemoteDir}, nil
}

func (b *Bootstrapper) mkdir(client *ssh.Client, remoteDir string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir)))
}

// uploadFiles performs a bulk upload: one SFTP client session carries both
// files, rather than reconnecting per file (spec.md §4.3 step 2).
func (b *Bootstrapper) uploadFiles(client *ssh.Client, remoteDir, agentBinaryPath, launcherScript string) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	if err := b.uploadFile(sftpClient, agentBinaryPath, remoteDir+"/remote_server", 0o755); err != nil {
		return fmt.Errorf("upload remote_server: %w", err)
	}
	if err := b.uploadBytes(sftpClient, []byte(launcherScript), remoteDir+"/deploy.sh", 0o755); err != nil {
		return fmt.Errorf("upload deploy.sh: %w", err)
	}
	return nil
}

func (b *Bootstrapper) uploadFile(client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return err
	}
	return client.Chmod(remotePath, mode)
}

func (b *Bootstrapper) uploadBytes(client *sftp.Client, data []byte, remotePath string, mode os.FileMode) error {
	remote, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer remote.Close()

	if _, err := remote.Write(data); err != nil {
		return err
	}
	return client.Chmod(remotePath, mode)
}

func (b *Bootstrapper) runLauncher(client *ssh.Client, remoteDir string, remotePort int, authToken, workspace string, noTmux bool) (log string, err error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	args := fmt.Sprintf("--port %d", remotePort)
	if authToken != "" {
		args += " --token " + shellQuote(authToken)
	}
	if workspace != "" {
		args += " --workspace " + shellQuote(workspace)
	}
	if noTmux {
		args += " --no-tmux"
	}

	cmd := fmt.Sprintf("sh %s/deploy.sh %s", shellQuote(remoteDir), args)

	type sessionResult struct {
		err error
	}
	done := make(chan sessionResult, 1)
	go func() {
		done <- sessionResult{session.Run(cmd)}
	}()

	select {
	case res := <-done:
		return stderr.String(), res.err
	case <-time.After(b.readinessTimeout):
		session.Signal(ssh.SIGKILL)
		return stderr.String(), fmt.Errorf("launcher exceeded readiness timeout")
	}
}

func renderLauncher(vars deployVars) (string, error) {
	tmpl, err := template.New("deploy.sh").Parse(deployScriptTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// shellQuote single-quotes s for safe interpolation into a remote shell
// command, escaping embedded single quotes (spec.md §9 "Shell quoting").
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
