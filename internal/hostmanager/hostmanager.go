// Package hostmanager keeps a pool of remotehost.RemoteHost instances keyed
// by name, deciding when to connect, resume, or redeploy — the same
// "runtime map guarded by a mutex, entries owned by their creator for the
// call's duration" shape as the base repository's tunnel registry,
// generalized from tunnel sessions to remote hosts.
package hostmanager

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/websoft9/remotehost/internal/hostregistry"
	"github.com/websoft9/remotehost/internal/remotehost"
	"github.com/websoft9/remotehost/internal/wireproto"
)

// HostInfo is what List reports for one registered host.
type HostInfo struct {
	Config    hostregistry.HostConfig
	Connected bool
}

// ConnectResult describes the outcome of Connect, distinguishing between a
// host that was already connected and one that just got a fresh session.
type ConnectResult struct {
	AlreadyConnected bool
	NewSession       bool
}

// Manager owns the set of live RemoteHost connections. HostRegistry is the
// durable backing store; connections is the in-memory runtime map.
type Manager struct {
	registry *hostregistry.Registry
	deps     remotehost.Deps
	log      zerolog.Logger

	mu          sync.Mutex
	connections map[string]*remotehost.RemoteHost
}

// New constructs a Manager. deps.Registry is overwritten with registry so
// callers need not set it twice.
func New(registry *hostregistry.Registry, deps remotehost.Deps, log zerolog.Logger) *Manager {
	deps.Registry = registry
	return &Manager{
		registry:    registry,
		deps:        deps,
		log:         log.With().Str("component", "hostmanager").Logger(),
		connections: make(map[string]*remotehost.RemoteHost),
	}
}

// AddHost writes cfg to the registry. It does not connect.
func (m *Manager) AddHost(cfg hostregistry.HostConfig) error {
	return m.registry.Add(cfg)
}

// RemoveHost disconnects name if present, then removes it from the
// registry. Per spec.md §9 Open Question 1: the registry entry (including
// any activeSession) is removed only if teardown succeeds; on teardown
// failure the entry is left in place and an error is returned, so a later
// retry can still find and finish the job.
func (m *Manager) RemoveHost(ctx context.Context, name string) error {
	m.mu.Lock()
	host, connected := m.connections[name]
	m.mu.Unlock()

	if connected {
		if err := host.Teardown(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.connections, name)
		m.mu.Unlock()
	}

	return m.registry.Remove(name)
}

// Connect is the explicit user-requested connect. If name is already
// connected, it pings; on success it reports AlreadyConnected, on failure it
// disconnects and falls through to resume-then-deploy. If not connected, it
// goes straight to resume-then-deploy.
func (m *Manager) Connect(ctx context.Context, name string) (ConnectResult, error) {
	m.mu.Lock()
	host, exists := m.connections[name]
	m.mu.Unlock()

	if exists {
		if err := host.Ping(ctx); err == nil {
			return ConnectResult{AlreadyConnected: true}, nil
		}
		m.mu.Lock()
		delete(m.connections, name)
		m.mu.Unlock()
		host.Teardown(ctx)
	}

	if err := m.resumeThenDeploy(ctx, name); err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{NewSession: true}, nil
}

// GetOrConnect is the implicit connect used by the execution-backend
// router. If name is already connected, it is returned immediately with no
// ping — RemoteHost heals its own transport inside Rpc. Otherwise it
// attempts resume-then-deploy.
func (m *Manager) GetOrConnect(ctx context.Context, name string) (*remotehost.RemoteHost, error) {
	m.mu.Lock()
	host, exists := m.connections[name]
	m.mu.Unlock()

	if exists {
		return host, nil
	}

	if err := m.resumeThenDeploy(ctx, name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	host = m.connections[name]
	m.mu.Unlock()
	return host, nil
}

// Disconnect tears down name's live connection and removes it from the
// in-memory pool. The registry entry (and any activeSession) is left
// intact.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	host, exists := m.connections[name]
	if exists {
		delete(m.connections, name)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return host.Teardown(ctx)
}

// List returns (config, connected?) for every registered host.
func (m *Manager) List() []HostInfo {
	cfgs := m.registry.List()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HostInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		_, connected := m.connections[cfg.Name]
		out = append(out, HostInfo{Config: cfg, Connected: connected})
	}
	return out
}

// resumeThenDeploy implements spec.md §4.6's resume-then-deploy: if the
// registered config carries an activeSession, try to rebind to it; on any
// failure (tunnel, auth, or ping), discard the attempt and perform a fresh
// Setup, which allocates a new sessionId. A failing resume never clears
// activeSession from the registry — only a successful Teardown does that.
func (m *Manager) resumeThenDeploy(ctx context.Context, name string) error {
	cfg, err := m.registry.Get(name)
	if err != nil {
		if err == hostregistry.ErrNotFound {
			return wireproto.NewCodedError(wireproto.ErrHostNotFound, name)
		}
		return err
	}

	host := remotehost.New(cfg, m.deps, m.log)

	if cfg.ActiveSession != nil {
		if err := host.Resume(ctx, *cfg.ActiveSession); err == nil {
			m.mu.Lock()
			m.connections[name] = host
			m.mu.Unlock()
			m.log.Info().Str("host", name).Msg("resumed active session")
			return nil
		}
		m.log.Warn().Str("host", name).Msg("resume failed, falling back to fresh deploy")
		host = remotehost.New(cfg, m.deps, m.log)
	}

	if err := host.Setup(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.connections[name] = host
	m.mu.Unlock()
	return nil
}
