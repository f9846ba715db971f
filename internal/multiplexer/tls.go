// Package multiplexer wraps a raw net.Listener so that accepted TLS
// connections are handshaken eagerly, under a bounded read deadline,
// before Accept returns them to the caller. Grounded on
// zmb3-teleport/lib/multiplexer/tls.go's TLSListener.detectAndForward,
// which sets a read deadline, calls conn.Handshake(), logs slow
// handshakes, and clears the deadline again; the ALPN-based HTTP/1.1-vs-
// HTTP/2 listener split that idiom feeds into is dropped here since no
// SPEC_FULL front end needs per-protocol listener forking, only the
// handshake-deadline guard against slow/stalled clients.
package multiplexer

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/warp-tech/warpgate/internal/metrics"
)

// Config configures WrapTLS.
type Config struct {
	// ReadDeadline bounds how long the handshake itself may take.
	ReadDeadline time.Duration
	// Protocol labels the HandshakeLatency metric observation ("kubernetes"
	// or "http").
	Protocol string
	Clock    clockwork.Clock
	Log      *log.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Protocol == "" {
		return trace.BadParameter("missing parameter Protocol")
	}
	if c.ReadDeadline == 0 {
		c.ReadDeadline = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "multiplexer")
	}
	return nil
}

// WrapTLS wraps l with TLS using tlsConfig, handshaking eagerly inside
// Accept so a slow or stalled client occupies the accept loop for at
// most cfg.ReadDeadline rather than surfacing the cost later on first
// Read/Write the way tls.Listener's lazy handshake would.
func WrapTLS(l net.Listener, tlsConfig *tls.Config, cfg Config) (net.Listener, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &tlsListener{Listener: tls.NewListener(l, tlsConfig), cfg: cfg}, nil
}

type tlsListener struct {
	net.Listener
	cfg Config
}

// Accept blocks until a connection completes its TLS handshake or the
// underlying listener fails. Connections that fail to handshake in time
// are dropped and accepting continues, rather than surfacing the failure
// as a fatal listener error (which would stop http.Server.Serve for every
// other in-flight client).
func (l *tlsListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return conn, nil
		}
		if err := tlsConn.SetReadDeadline(l.cfg.Clock.Now().Add(l.cfg.ReadDeadline)); err != nil {
			conn.Close()
			continue
		}

		start := l.cfg.Clock.Now()
		if err := tlsConn.Handshake(); err != nil {
			l.cfg.Log.WithError(err).Debug("tls handshake failed")
			conn.Close()
			continue
		}
		elapsed := l.cfg.Clock.Now().Sub(start)
		metrics.HandshakeLatency.WithLabelValues(l.cfg.Protocol).Observe(elapsed.Seconds())
		if elapsed > time.Second {
			l.cfg.Log.Warnf("slow TLS handshake from %v, took %v", conn.RemoteAddr(), elapsed)
		}

		if err := tlsConn.SetReadDeadline(time.Time{}); err != nil {
			conn.Close()
			continue
		}
		return conn, nil
	}
}
