package sshtunnel

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// splitSSHTarget splits "user@host" into its parts. If there is no "@", the
// whole target is the host and user is returned empty; no default user is
// filled in.
func splitSSHTarget(target string) (user, host string) {
	idx := strings.IndexByte(target, '@')
	if idx < 0 {
		return "", target
	}
	return target[:idx], target[idx+1:]
}

func sshHost(target string) string {
	_, host := splitSSHTarget(target)
	return host
}

// authMethods builds the SSH auth methods for a tunnel dial. No interactive
// password prompting per spec.md §4.2: either a configured private key file
// or the running ssh-agent.
func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	if keyPath != "" {
		signer, err := signerFromFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("sshtunnel: load key %s: %w", keyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("sshtunnel: no sshKeyPath configured and SSH_AUTH_SOCK is unset")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("sshtunnel: dial ssh-agent: %w", err)
	}
	agentClient := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)}, nil
}

func signerFromFile(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}
