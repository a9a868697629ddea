package hostmanager_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websoft9/remotehost/internal/hostmanager"
	"github.com/websoft9/remotehost/internal/hostregistry"
	"github.com/websoft9/remotehost/internal/remotehost"
	"github.com/websoft9/remotehost/internal/wireproto"
)

func newTestManager(t *testing.T) *hostmanager.Manager {
	t.Helper()
	reg := hostregistry.New(filepath.Join(t.TempDir(), "hosts.json"), zerolog.Nop())
	require.NoError(t, reg.Load())
	return hostmanager.New(reg, remotehost.Deps{}, zerolog.Nop())
}

func TestAddHostThenList(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.AddHost(hostregistry.HostConfig{Name: "s", SSHTarget: "u@h"}))

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "s", infos[0].Config.Name)
	assert.False(t, infos[0].Connected)
}

func TestRemoveHostNotConnected(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddHost(hostregistry.HostConfig{Name: "s", SSHTarget: "u@h"}))

	require.NoError(t, m.RemoveHost(context.Background(), "s"))
	assert.Empty(t, m.List())
}

func TestGetOrConnectUnregisteredHostFails(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetOrConnect(context.Background(), "nope")
	require.Error(t, err)

	coded, ok := err.(*wireproto.CodedError)
	require.True(t, ok, "expected *wireproto.CodedError, got %T", err)
	assert.Equal(t, wireproto.ErrHostNotFound, coded.Code)
}

func TestDisconnectUnconnectedHostIsNoop(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.Disconnect(context.Background(), "never-connected"))
}
