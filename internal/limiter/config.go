// Package limiter implements the login-protection engine (C2): per-IP and
// per-user failure tracking, exponential-backoff blocking, and lockouts,
// fronted by an in-memory cache and backed by a durable store.
//
// Algorithm grounded on
// original_source/warpgate-core/src/login_protection/{service.rs,cache.rs}.
package limiter

import (
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// IPPolicy configures IP-level rate limiting.
type IPPolicy struct {
	MaxAttempts        int
	TimeWindow         time.Duration
	BaseDuration       time.Duration
	Multiplier         float64
	MaxDuration        time.Duration
	CooldownResetAfter time.Duration
}

// UserPolicy configures per-username lockout.
type UserPolicy struct {
	MaxAttempts    int
	TimeWindow     time.Duration
	LockoutFor     time.Duration
	AutoUnlock     bool
}

// DefaultConfig matches spec §8 Testable Property 3's literal defaults.
func DefaultConfig() Config {
	return Config{
		IP: IPPolicy{
			MaxAttempts:        5,
			TimeWindow:         15 * time.Minute,
			BaseDuration:       30 * time.Minute,
			Multiplier:         2.0,
			MaxDuration:        24 * time.Hour,
			CooldownResetAfter: 24 * time.Hour,
		},
		User: UserPolicy{
			MaxAttempts: 5,
			TimeWindow:  15 * time.Minute,
			LockoutFor:  30 * time.Minute,
			AutoUnlock:  true,
		},
		CleanupInterval: 5 * time.Minute,
	}
}

// Config configures a Service.
type Config struct {
	DB              *sql.DB
	IP              IPPolicy
	User            UserPolicy
	CleanupInterval time.Duration
	Clock           clockwork.Clock
	Log             *log.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DB == nil {
		return trace.BadParameter("missing parameter DB")
	}
	if c.IP.MaxAttempts == 0 {
		d := DefaultConfig()
		c.IP = d.IP
	}
	if c.User.MaxAttempts == 0 {
		d := DefaultConfig()
		c.User = d.User
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "limiter")
	}
	return nil
}
