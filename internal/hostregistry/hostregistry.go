// Package hostregistry persists the set of registered remote hosts to a
// single JSON file, atomically, the same way the base repository's tunnel
// manager persists its runtime map: write to a temp file in the target
// directory, fsync, rename.
package hostregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/websoft9/remotehost/internal/cryptoutil"
	"github.com/websoft9/remotehost/internal/fileutil"
)

var (
	// ErrNotFound is returned by Get/Remove/SaveSession/ClearSession when
	// name is not registered.
	ErrNotFound = errors.New("hostregistry: host not found")
	// ErrAlreadyExists is returned by Add when name is already registered.
	ErrAlreadyExists = errors.New("hostregistry: host already exists")
)

// ActiveSession is the on-disk record of a resumable remote session,
// persisted into a HostConfig during RemoteHost.setup so a later gateway
// restart can attempt resume-then-deploy (spec.md §4.6).
type ActiveSession struct {
	SessionID  string `json:"sessionId"`
	RemoteDir  string `json:"remoteDir"`
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort"`
	AuthToken  string `json:"authToken,omitempty"`
}

// HostConfig is immutable after registration except for the ActiveSession
// field, which HostManager/RemoteHost update on setup/teardown.
type HostConfig struct {
	Name       string `json:"name"`
	SSHTarget  string `json:"sshTarget"`
	SSHPort    int    `json:"sshPort"`
	SSHKeyPath string `json:"sshKeyPath,omitempty"`
	RemotePort int    `json:"remotePort"`
	LocalPort  int    `json:"localPort,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
	Workspace  string `json:"workspace,omitempty"`

	ActiveSession *ActiveSession `json:"activeSession,omitempty"`
}

// onDiskFormat is the JSON shape of the registry file (spec.md §6).
type onDiskFormat struct {
	Hosts map[string]*HostConfig `json:"hosts"`
}

// Registry is the persisted map of HostConfigs, keyed by name. All mutation
// methods take an exclusive lock; reads take a shared lock, matching
// spec.md §5's "HostRegistry is written only by HostManager under an
// exclusive lock; reads take a shared lock".
type Registry struct {
	mu   sync.RWMutex
	path string
	log  zerolog.Logger

	hosts map[string]*HostConfig
}

// New creates a Registry backed by path. Call Load before using it.
func New(path string, log zerolog.Logger) *Registry {
	return &Registry{
		path:  path,
		log:   log.With().Str("component", "hostregistry").Logger(),
		hosts: make(map[string]*HostConfig),
	}
}

// Load reads the registry file. A missing file is not an error — it means
// an empty registry. A corrupt file is preserved with a ".bak" suffix and
// the registry starts empty, with a warning logged (spec.md §4.1).
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.hosts = make(map[string]*HostConfig)
		return nil
	}
	if err != nil {
		return fmt.Errorf("hostregistry: read %s: %w", r.path, err)
	}

	var disk onDiskFormat
	if err := json.Unmarshal(data, &disk); err != nil {
		backupPath := r.path + ".bak"
		if werr := os.WriteFile(backupPath, data, 0o600); werr != nil {
			r.log.Error().Err(werr).Str("path", r.path).Msg("failed to preserve corrupt registry file")
		}
		r.log.Warn().Err(err).Str("backup", backupPath).Msg("registry file corrupt, starting empty")
		r.hosts = make(map[string]*HostConfig)
		return nil
	}

	if disk.Hosts == nil {
		disk.Hosts = make(map[string]*HostConfig)
	}
	r.decryptSecrets(disk.Hosts)
	r.hosts = disk.Hosts
	return nil
}

// decryptSecrets turns the at-rest ciphertext of AuthToken and
// ActiveSession.AuthToken back into plaintext after Load. A field that fails to decrypt (e.g. the
// registry predates encryption, or the key rotated) is left empty rather
// than used as garbage — the host then needs re-registering.
func (r *Registry) decryptSecrets(hosts map[string]*HostConfig) {
	for name, cfg := range hosts {
		if cfg.AuthToken != "" {
			plain, err := cryptoutil.Decrypt(cfg.AuthToken)
			if err != nil {
				r.log.Warn().Err(err).Str("host", name).Msg("failed to decrypt stored auth token")
				cfg.AuthToken = ""
			} else {
				cfg.AuthToken = plain
			}
		}
		if cfg.ActiveSession != nil && cfg.ActiveSession.AuthToken != "" {
			plain, err := cryptoutil.Decrypt(cfg.ActiveSession.AuthToken)
			if err != nil {
				r.log.Warn().Err(err).Str("host", name).Msg("failed to decrypt stored session token")
				cfg.ActiveSession.AuthToken = ""
			} else {
				cfg.ActiveSession.AuthToken = plain
			}
		}
	}
}

// save persists the registry atomically. Caller must hold r.mu (read or
// write — save takes its own snapshot under lock already held by the
// caller's write path; called only from methods that already hold the
// write lock). Secrets are encrypted in the snapshot handed to json, never
// in r.hosts itself, so in-memory callers keep seeing plaintext.
func (r *Registry) save() error {
	encrypted := make(map[string]*HostConfig, len(r.hosts))
	for name, cfg := range r.hosts {
		cp := *cfg
		if cp.AuthToken != "" {
			ct, err := cryptoutil.Encrypt(cp.AuthToken)
			if err != nil {
				return fmt.Errorf("hostregistry: encrypt auth token: %w", err)
			}
			cp.AuthToken = ct
		}
		if cp.ActiveSession != nil {
			sess := *cp.ActiveSession
			if sess.AuthToken != "" {
				ct, err := cryptoutil.Encrypt(sess.AuthToken)
				if err != nil {
					return fmt.Errorf("hostregistry: encrypt session token: %w", err)
				}
				sess.AuthToken = ct
			}
			cp.ActiveSession = &sess
		}
		encrypted[name] = &cp
	}

	disk := onDiskFormat{Hosts: encrypted}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("hostregistry: marshal: %w", err)
	}
	if err := fileutil.WriteFileAtomic(r.path, data, 0o600); err != nil {
		return fmt.Errorf("hostregistry: persist: %w", err)
	}
	return nil
}

// Save exposes an explicit, lock-guarded persist for callers that mutate a
// HostConfig obtained from Get in place (e.g. resume logic tweaking fields
// in between registry operations).
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save()
}

// Add registers a new host. Returns ErrAlreadyExists if name is taken.
func (r *Registry) Add(cfg HostConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Name == "" {
		return fmt.Errorf("hostregistry: name must not be empty")
	}
	if _, exists := r.hosts[cfg.Name]; exists {
		return ErrAlreadyExists
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.RemotePort == 0 {
		cfg.RemotePort = 8765
	}

	cp := cfg
	r.hosts[cfg.Name] = &cp
	return r.save()
}

// Remove deletes name from the registry. Callers (HostManager) are
// responsible for tearing down any live connection first — removal here is
// registry-only.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hosts[name]; !exists {
		return ErrNotFound
	}
	delete(r.hosts, name)
	return r.save()
}

// Get returns a copy of the HostConfig for name.
func (r *Registry) Get(name string) (HostConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.hosts[name]
	if !exists {
		return HostConfig{}, ErrNotFound
	}
	return *cfg, nil
}

// List returns a copy of every registered HostConfig.
func (r *Registry) List() []HostConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HostConfig, 0, len(r.hosts))
	for _, cfg := range r.hosts {
		out = append(out, *cfg)
	}
	return out
}

// SaveSession records sess as name's ActiveSession and persists it.
func (r *Registry) SaveSession(name string, sess ActiveSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, exists := r.hosts[name]
	if !exists {
		return ErrNotFound
	}
	s := sess
	cfg.ActiveSession = &s
	return r.save()
}

// ClearSession removes name's ActiveSession. Per spec.md §4.1, this is only
// ever called after a successful teardown — a failed resume leaves the
// session in place so a later attempt may still succeed.
func (r *Registry) ClearSession(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, exists := r.hosts[name]
	if !exists {
		return ErrNotFound
	}
	cfg.ActiveSession = nil
	return r.save()
}
