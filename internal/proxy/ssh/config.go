// Package ssh implements the SSH proxy (C6): a server half facing the
// client and a client half facing the target, bridged per spec §4.6.
//
// Grounded on zmb3-teleport/lib/srv's server/auth-handler split for the
// config and logging idiom; the wire protocol itself (version exchange,
// KEX, rekeying, per-channel window accounting) is delegated to
// golang.org/x/crypto/ssh rather than hand-rolled, the same way the
// teacher builds its own SSH server on top of that package instead of a
// bespoke codec.
package ssh

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/recorder"
	"github.com/warp-tech/warpgate/internal/session"
)

// Config configures a Server.
type Config struct {
	// Orchestrator ties login-protection, identity, and recording together.
	Orchestrator *session.Orchestrator
	// Identity is used directly for selector/ticket/policy lookups that
	// the generic Orchestrator surface doesn't expose.
	Identity identity.Provider
	// Recorder opens terminal/traffic recorders for accepted sessions.
	Recorder *recorder.Manager
	// HostKeys are offered to clients during key exchange, one per
	// algorithm (spec §6, "host-keys/").
	HostKeys []ssh.Signer
	// AuthGrace bounds how long a connection may spend in the
	// authentication phase before the bastion gives up (spec §5, "SSH
	// auth grace 2 min").
	AuthGrace time.Duration
	Clock     clockwork.Clock
	Log       *log.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Orchestrator == nil {
		return trace.BadParameter("missing parameter Orchestrator")
	}
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if len(c.HostKeys) == 0 {
		return trace.BadParameter("missing parameter HostKeys")
	}
	if c.AuthGrace == 0 {
		c.AuthGrace = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "ssh")
	}
	return nil
}
