package execbackend

import (
	"context"

	"github.com/websoft9/remotehost/internal/remotehost"
)

// hostResolver is the subset of hostmanager.Manager the router needs.
type hostResolver interface {
	GetOrConnect(ctx context.Context, name string) (*remotehost.RemoteHost, error)
}

// Router is the single place callers decide local-vs-remote; individual
// tools never branch on host themselves (spec.md §4.7, §9).
type Router struct {
	local   ExecutionBackend
	manager hostResolver
}

// NewRouter constructs a Router. manager may be nil if only local execution
// is needed (e.g. a gateway instance with no hosts configured yet).
func NewRouter(local ExecutionBackend, manager hostResolver) *Router {
	if local == nil {
		local = NewLocalBackend()
	}
	return &Router{local: local, manager: manager}
}

// Resolve returns LocalBackend when host is empty, otherwise resolves host
// through the manager's getOrConnect and wraps it in a RemoteBackend.
func (r *Router) Resolve(ctx context.Context, host string) (ExecutionBackend, error) {
	if host == "" {
		return r.local, nil
	}
	remoteHost, err := r.manager.GetOrConnect(ctx, host)
	if err != nil {
		return nil, err
	}
	return NewRemoteBackend(remoteHost, remoteHost.Workspace()), nil
}
