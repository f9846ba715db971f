// Package kubernetes implements the Kubernetes API proxy (C8): a single
// TLS listener serving both plain HTTPS passthrough and WebSocket
// exec/attach streams, per spec §4.8.
//
// Grounded on the teacher's lib/kube/proxy Config/CheckAndSetDefaults
// idiom, with the heartbeat/reconciler/HA machinery that
// idiom carries dropped as justified in DESIGN.md; the TLS client-cert
// capture and bearer-token-first auth order are modeled directly on spec
// §4.8 rather than on Teleport's certificate-authority-based scheme, since
// this bastion authenticates against its own local identity store (C4),
// not a cluster CA.
package kubernetes

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/recorder"
	"github.com/warp-tech/warpgate/internal/session"
)

// Config configures a Server.
type Config struct {
	Orchestrator *session.Orchestrator
	Identity     identity.Provider
	Recorder     *recorder.Manager
	// TLSCert is the bastion's own server certificate for this listener.
	TLSCert tls.Certificate
	Log     *log.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Orchestrator == nil {
		return trace.BadParameter("missing parameter Orchestrator")
	}
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if len(c.TLSCert.Certificate) == 0 {
		return trace.BadParameter("missing parameter TLSCert")
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "kubernetes")
	}
	return nil
}

// acceptAnyClientCert implements spec §4.8's "custom verifier that accepts
// any client cert and defers validation": the handshake never fails on an
// untrusted chain, since certificate-based identity is resolved afterward
// against C4's Certificate credentials, not a CA trust root.
func acceptAnyClientCert([][]byte, [][]*x509.Certificate) error {
	return nil
}

// serverTLSConfig builds the listener's tls.Config: client certificates are
// requested but never rejected at the handshake layer.
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequestClientCert, // optional mTLS per spec §4.8
		VerifyPeerCertificate: acceptAnyClientCert,
		MinVersion:            tls.VersionTLS12,
	}
}
