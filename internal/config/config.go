// Package config implements the single structured configuration object
// named in spec §6: "listener endpoints per protocol, limits, recording
// toggle, login-protection policy, retention days, external URL base". How
// that object is produced (file discovery, env overlays, secret-manager
// wiring) is out of scope per spec §1; this package only defines its shape
// and how to parse it from YAML.
//
// Grounded on the teacher's own CheckAndSetDefaults idiom (see every
// package's Config) and gopkg.in/yaml.v3, the library named for this
// purpose in SPEC_FULL.md's Ambient Stack.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// ListenerConfig is one protocol front end's bind address, shared shape
// across SSH/Postgres/Kubernetes/HTTP (spec §6: "listener endpoints per
// protocol").
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SSHListenerConfig adds the host-key material SSH needs beyond a bind
// address.
type SSHListenerConfig struct {
	ListenerConfig `yaml:",inline"`
	HostKeyFiles   []string `yaml:"host_key_files"`
}

// TLSListenerConfig adds the certificate/key pair HTTPS and the Kubernetes
// proxy need beyond a bind address.
type TLSListenerConfig struct {
	ListenerConfig `yaml:",inline"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
}

// LimitsConfig bounds the PostgreSQL idle timeout and the HTTP upstream
// request timeout (spec §6: "limits").
type LimitsConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoginProtectionConfig mirrors internal/limiter.Config's policy knobs
// (spec §6: "login-protection policy").
type LoginProtectionConfig struct {
	IPMaxAttempts        int           `yaml:"ip_max_attempts"`
	IPTimeWindow          time.Duration `yaml:"ip_time_window"`
	IPBaseDuration        time.Duration `yaml:"ip_base_duration"`
	IPMultiplier          float64       `yaml:"ip_multiplier"`
	IPMaxDuration         time.Duration `yaml:"ip_max_duration"`
	IPCooldownResetAfter  time.Duration `yaml:"ip_cooldown_reset_after"`
	UserMaxAttempts       int           `yaml:"user_max_attempts"`
	UserTimeWindow        time.Duration `yaml:"user_time_window"`
	UserLockoutFor        time.Duration `yaml:"user_lockout_for"`
	UserAutoUnlock        bool          `yaml:"user_auto_unlock"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
}

// RecordingConfig toggles and locates the recording pipeline (spec §6:
// "recording toggle").
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"`
}

// StoreConfig locates the durable SQLite store backing identity and
// login-protection (SPEC_FULL.md's Storage ambient-stack entry).
type StoreConfig struct {
	// Path is a sqlite3 DSN; ":memory:" is valid for tests.
	Path string `yaml:"path"`
}

// Config is the top-level structured configuration object.
type Config struct {
	SSH        SSHListenerConfig `yaml:"ssh"`
	Postgres   ListenerConfig    `yaml:"postgres"`
	Kubernetes TLSListenerConfig `yaml:"kubernetes"`
	HTTP       TLSListenerConfig `yaml:"http"`

	Limits          LimitsConfig          `yaml:"limits"`
	LoginProtection LoginProtectionConfig `yaml:"login_protection"`
	Recording       RecordingConfig       `yaml:"recording"`
	Store           StoreConfig           `yaml:"store"`

	// RetentionDays bounds how long FailedLoginAttempts/IpBlocks/
	// UserLockouts survive before the background GC removes them (spec §6:
	// "retention days").
	RetentionDays int `yaml:"retention_days"`

	// ExternalURL is this bastion's own externally-reachable base URL,
	// used to build absolute ticket/portal links (spec §6: "external URL
	// base").
	ExternalURL string `yaml:"external_url"`
}

// CheckAndSetDefaults validates the config and fills in defaults, following
// the same Config+CheckAndSetDefaults contract as every other package in
// this module.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store.Path == "" {
		return trace.BadParameter("missing parameter store.path")
	}
	if c.Limits.IdleTimeout == 0 {
		c.Limits.IdleTimeout = 10 * time.Minute
	}
	if c.Limits.RequestTimeout == 0 {
		c.Limits.RequestTimeout = 60 * time.Second
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.Recording.DataDir == "" {
		c.Recording.DataDir = "recordings"
	}
	if c.LoginProtection.IPMaxAttempts == 0 {
		c.LoginProtection.IPMaxAttempts = 5
		c.LoginProtection.IPTimeWindow = 15 * time.Minute
		c.LoginProtection.IPBaseDuration = 30 * time.Minute
		c.LoginProtection.IPMultiplier = 2.0
		c.LoginProtection.IPMaxDuration = 24 * time.Hour
		c.LoginProtection.IPCooldownResetAfter = 24 * time.Hour
	}
	if c.LoginProtection.UserMaxAttempts == 0 {
		c.LoginProtection.UserMaxAttempts = 5
		c.LoginProtection.UserTimeWindow = 15 * time.Minute
		c.LoginProtection.UserLockoutFor = 30 * time.Minute
		c.LoginProtection.UserAutoUnlock = true
	}
	if c.LoginProtection.CleanupInterval == 0 {
		c.LoginProtection.CleanupInterval = 5 * time.Minute
	}
	return nil
}

// RetentionDuration converts RetentionDays into a time.Duration for
// limiter.Service.CleanupExpired.
func (c *Config) RetentionDuration() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %s", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
