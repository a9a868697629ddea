package remotehost

import (
	"github.com/rs/zerolog"

	"github.com/websoft9/remotehost/internal/hostregistry"
)

func hostConfigFixture() hostregistry.HostConfig {
	return hostregistry.HostConfig{
		Name:       "test-host",
		SSHTarget:  "test@127.0.0.1",
		SSHPort:    22,
		RemotePort: 8765,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
