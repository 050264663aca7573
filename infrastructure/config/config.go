// Package config is the core's only configuration input: a parsed struct.
// Loading a config.toml file and CLI argument parsing are external
// collaborators per spec.md §1; this package only defines the struct and
// the environment-variable overlay, the same split the teacher's
// server_configuration.reader applies over its JSON file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/emil45/phantom/domain/session"
	"github.com/emil45/phantom/domain/trust"
)

// Config is the parsed configuration the core consumes, per spec.md §6.
type Config struct {
	BindAddress        string
	IdleTimeout        time.Duration
	KeepaliveInterval  time.Duration
	ConnectionRateN    int
	ConnectionRateT    time.Duration
	AuthFailureRateM   int
	AuthFailureRateU   time.Duration
	ReaperInterval     time.Duration
	ScrollbackBytes    int
	StateDir           string
	IPCSocketPath      string
	ALPN               string
	PairingTokenTTL    time.Duration
}

// Default returns the configuration the daemon falls back to when no
// config.toml was supplied by the external loader, mirroring the shape of
// the teacher's NewDefaultConfiguration.
func Default() Config {
	home, _ := os.UserHomeDir()
	stateDir := home + "/.local/state/phantom"

	return Config{
		BindAddress:       "0.0.0.0:4455",
		IdleTimeout:       60 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		ConnectionRateN:   10,
		ConnectionRateT:   60 * time.Second,
		AuthFailureRateM:  5,
		AuthFailureRateU:  300 * time.Second,
		ReaperInterval:    session.DefaultReaperInterval,
		ScrollbackBytes:   session.DefaultScrollbackBytes,
		StateDir:          stateDir,
		IPCSocketPath:     stateDir + "/phantom.sock",
		ALPN:              "phantom/1",
		PairingTokenTTL:   trust.DefaultTokenTTL,
	}
}

// ApplyEnv overlays process environment variables onto cfg, in the same
// spirit as the teacher's setEnvServerAddress/setEnvEnabledProtocols.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("PHANTOM_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("PHANTOM_STATE_DIR"); v != "" {
		cfg.StateDir = v
		cfg.IPCSocketPath = v + "/phantom.sock"
	}
	if v := os.Getenv("PHANTOM_IPC_SOCKET"); v != "" {
		cfg.IPCSocketPath = v
	}
	if v := os.Getenv("PHANTOM_SCROLLBACK_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ScrollbackBytes = n
		}
	}
	if v := os.Getenv("PHANTOM_REAPER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReaperInterval = time.Duration(n) * time.Second
		}
	}
	return cfg
}
