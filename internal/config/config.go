// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds gateway-wide settings. CLI-only per the agent/launcher
// surface; this struct governs the gateway process, not the remote agent.
type Config struct {
	LogLevel  string
	LogFormat string

	// RegistryPath is the on-disk location of the host registry file.
	RegistryPath string

	// DefaultRemotePort is the loopback port the remote agent binds to
	// when a HostConfig does not specify one.
	DefaultRemotePort int

	// TunnelDialTimeout bounds SSHTunnel.open.
	TunnelDialTimeout time.Duration

	// RPCTimeout is the default per-call deadline for RemoteHost.rpc.
	RPCTimeout time.Duration

	// ReadinessTimeout bounds RemoteBootstrapper's wait for the agent port.
	ReadinessTimeout time.Duration

	// TmuxFallbackURL is where the launcher downloads a static tmux build
	// from when no package manager is available on the remote host.
	TmuxFallbackURL string

	// AgentBinaryPath is the local path to the remote_server binary staged
	// onto each target host by RemoteBootstrapper.
	AgentBinaryPath string

	// KnownHostsPath is the known_hosts file SSHTunnel verifies host keys
	// against, trust-on-first-use. Empty disables verification.
	KnownHostsPath string
}

// Load reads configuration from a .env file (if present) and the process
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:          getEnv("REMOTEHOST_LOG_LEVEL", "info"),
		LogFormat:         getEnv("REMOTEHOST_LOG_FORMAT", "console"),
		RegistryPath:      getEnv("REMOTEHOST_REGISTRY_PATH", defaultRegistryPath()),
		DefaultRemotePort: getEnvAsInt("REMOTEHOST_DEFAULT_REMOTE_PORT", 8765),
		TunnelDialTimeout: getEnvAsDuration("REMOTEHOST_TUNNEL_DIAL_TIMEOUT", 20*time.Second),
		RPCTimeout:        getEnvAsDuration("REMOTEHOST_RPC_TIMEOUT", 60*time.Second),
		ReadinessTimeout:  getEnvAsDuration("REMOTEHOST_READINESS_TIMEOUT", 60*time.Second),
		TmuxFallbackURL:   getEnv("REMOTEHOST_TMUX_FALLBACK_URL", ""),
		AgentBinaryPath:   getEnv("REMOTEHOST_AGENT_BINARY_PATH", defaultAgentBinaryPath()),
		KnownHostsPath:    getEnv("REMOTEHOST_KNOWN_HOSTS_PATH", defaultKnownHostsPath()),
	}

	return cfg, nil
}

func defaultRegistryPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "remotehost", "hosts.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hosts.json"
	}
	return filepath.Join(home, ".config", "remotehost", "hosts.json")
}

func defaultAgentBinaryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "remote-agent"
	}
	return filepath.Join(home, ".config", "remotehost", "bin", "remote-agent")
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return defaultValue
}
