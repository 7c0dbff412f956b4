// Package config loads gateway settings from the environment, with an
// optional YAML file overlay for deployments that prefer files over env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds every tunable the gateway reads at startup.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080" yaml:"listen_addr"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogPath    string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`

	// SSH connector timeouts. ReadyTimeout bounds the transport's own
	// connect+handshake; OuterTimeout is the fallback deadline in case the
	// transport timeout hangs.
	SSHReadyTimeout string `envconfig:"SSH_READY_TIMEOUT" default:"20s" yaml:"ssh_ready_timeout"`
	SSHOuterTimeout string `envconfig:"SSH_OUTER_TIMEOUT" default:"25s" yaml:"ssh_outer_timeout"`

	// Backpressure thresholds for the shell-to-client direction.
	PauseThresholdBytes  int64  `envconfig:"PAUSE_THRESHOLD_BYTES" default:"4194304" yaml:"pause_threshold_bytes"`
	ResumeThresholdBytes int64  `envconfig:"RESUME_THRESHOLD_BYTES" default:"2097152" yaml:"resume_threshold_bytes"`
	TransferStaleAfter   string `envconfig:"TRANSFER_STALE_AFTER" default:"5m" yaml:"transfer_stale_after"`

	// Detached sessions older than this are torn down by the janitor.
	SessionIdleTimeout string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m" yaml:"session_idle_timeout"`
}

// Cfg is the loaded configuration, populated by Load.
var Cfg Settings

// Load populates Cfg from environment variables (with defaults), then
// overlays a YAML file named by SHELLGATE_CONFIG when one is set. File
// values win over the environment.
func Load() error {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		return fmt.Errorf("load config from env: %w", err)
	}
	if path := os.Getenv("SHELLGATE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &Cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return nil
}

// Duration parses one of the duration-typed settings, falling back to def on
// an empty or malformed value.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
