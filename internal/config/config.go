// Package config loads the relay configuration from relay.toml with
// environment variable overrides (SCREENWIRE_*).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the top-level configuration loaded from relay.toml.
type Config struct {
	Relay     RelayConfig     `toml:"relay"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Limits    LimitsConfig    `toml:"limits"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
}

// RelayConfig describes this instance's identity and network surface.
type RelayConfig struct {
	// Listen is the HTTP listen address (default ":8080").
	Listen string `toml:"listen"`
	// PublicURL is the externally reachable websocket address handed to
	// devices through the push/notification boundary.
	PublicURL string `toml:"public_url"`
	// InstanceID identifies this relay process in the session store.
	// Generated and persisted on first start when empty.
	InstanceID string `toml:"instance_id"`
	// AuthMode selects the credential verifier: "store" (local registry)
	// or "remote" (verify endpoint).
	AuthMode string `toml:"auth_mode"`
	// VerifyURL is the remote verification endpoint when AuthMode is "remote".
	VerifyURL string `toml:"verify_url"`
	// AdminToken gates the admin HTTP API. Empty disables the admin API.
	AdminToken string `toml:"admin_token"`
	// PushURL, when set, receives connect notifications for offline devices.
	PushURL string `toml:"push_url"`
}

// SessionsConfig selects and tunes the session store backend.
type SessionsConfig struct {
	// Backend is "memory" (single instance) or "nats" (shared).
	Backend string `toml:"backend"`
	// NATSURL is the server address when Backend is "nats".
	NATSURL string `toml:"nats_url"`
	// MaxPending caps the per-device pending queue depth.
	MaxPending int `toml:"max_pending"`
	// ResponseTTL bounds how long cached command responses live.
	ResponseTTL Duration `toml:"response_ttl"`
}

// LimitsConfig holds the operational limits enforced at submission.
type LimitsConfig struct {
	CommandsPerMinute    int `toml:"commands_per_minute"`
	ScreenshotsPerMinute int `toml:"screenshots_per_minute"`
	MaxPayloadBytes      int `toml:"max_payload_bytes"`
}

// HeartbeatConfig tunes the per-connection liveness timers. PongTimeout
// must exceed PingInterval so a peer survives one missed ping.
type HeartbeatConfig struct {
	PingInterval Duration `toml:"ping_interval"`
	PongTimeout  Duration `toml:"pong_timeout"`
	AuthTimeout  Duration `toml:"auth_timeout"`
}

var validIdentity = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIdentity checks that a device identity is non-empty and contains
// only alphanumerics, hyphens, or underscores. Dots are forbidden because
// the NATS backend uses them as key delimiters.
func ValidateIdentity(id string) error {
	if id == "" || !validIdentity.MatchString(id) {
		return fmt.Errorf("identity must be non-empty and alphanumeric (with - or _), got: %q", id)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:   ":8080",
			AuthMode: "store",
		},
		Sessions: SessionsConfig{
			Backend:     "memory",
			MaxPending:  50,
			ResponseTTL: Duration{5 * time.Minute},
		},
		Limits: LimitsConfig{
			CommandsPerMinute:    120,
			ScreenshotsPerMinute: 30,
			MaxPayloadBytes:      256 * 1024,
		},
		Heartbeat: HeartbeatConfig{
			PingInterval: Duration{30 * time.Second},
			PongTimeout:  Duration{60 * time.Second},
			AuthTimeout:  Duration{10 * time.Second},
		},
	}
}

// Load reads relay.toml from dataDir (if present), applies environment
// variable overrides, fills the instance id, and validates.
func Load(dataDir string) (*Config, error) {
	cfg := defaults()

	path := filepath.Join(dataDir, "relay.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Relay.InstanceID == "" {
		id, err := loadOrCreateInstanceID(dataDir)
		if err != nil {
			return nil, err
		}
		cfg.Relay.InstanceID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SCREENWIRE_LISTEN"); v != "" {
		cfg.Relay.Listen = v
	}
	if v := os.Getenv("SCREENWIRE_PUBLIC_URL"); v != "" {
		cfg.Relay.PublicURL = v
	}
	if v := os.Getenv("SCREENWIRE_INSTANCE_ID"); v != "" {
		cfg.Relay.InstanceID = v
	}
	if v := os.Getenv("SCREENWIRE_AUTH_MODE"); v != "" {
		cfg.Relay.AuthMode = v
	}
	if v := os.Getenv("SCREENWIRE_VERIFY_URL"); v != "" {
		cfg.Relay.VerifyURL = v
	}
	if v := os.Getenv("SCREENWIRE_ADMIN_TOKEN"); v != "" {
		cfg.Relay.AdminToken = v
	}
	if v := os.Getenv("SCREENWIRE_PUSH_URL"); v != "" {
		cfg.Relay.PushURL = v
	}
	if v := os.Getenv("SCREENWIRE_SESSION_BACKEND"); v != "" {
		cfg.Sessions.Backend = v
	}
	if v := os.Getenv("SCREENWIRE_NATS_URL"); v != "" {
		cfg.Sessions.NATSURL = v
	}
}

func (cfg *Config) validate() error {
	switch cfg.Relay.AuthMode {
	case "store":
	case "remote":
		if cfg.Relay.VerifyURL == "" {
			return fmt.Errorf("auth_mode %q requires verify_url", cfg.Relay.AuthMode)
		}
	default:
		return fmt.Errorf("unknown auth_mode %q (want store or remote)", cfg.Relay.AuthMode)
	}

	switch cfg.Sessions.Backend {
	case "memory":
	case "nats":
		if cfg.Sessions.NATSURL == "" {
			return fmt.Errorf("session backend %q requires nats_url", cfg.Sessions.Backend)
		}
	default:
		return fmt.Errorf("unknown session backend %q (want memory or nats)", cfg.Sessions.Backend)
	}

	if cfg.Heartbeat.PongTimeout.Duration <= cfg.Heartbeat.PingInterval.Duration {
		return fmt.Errorf("pong_timeout (%s) must exceed ping_interval (%s)",
			cfg.Heartbeat.PongTimeout, cfg.Heartbeat.PingInterval)
	}
	return nil
}

// loadOrCreateInstanceID reads dataDir/instance_id, generating and
// persisting a fresh uuid on first start so the id survives restarts.
func loadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := "relay-" + uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing instance id: %w", err)
	}
	return id, nil
}
