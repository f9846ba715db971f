package httpgw

import (
	"crypto/tls"
	"net"

	"github.com/warp-tech/warpgate/internal/multiplexer"
)

// tlsListener wraps l so the HTTP front-end can optionally terminate TLS
// itself (spec §4.9 does not mandate this; most deployments put the
// bastion's own TLS behind a load balancer, but a self-terminated listener
// is supported for parity with C8's single-listener model). Handshakes are
// performed eagerly under a bounded deadline via internal/multiplexer,
// which also reports HandshakeLatency for this front end.
func tlsListener(l net.Listener, cert *tls.Certificate) (net.Listener, error) {
	return multiplexer.WrapTLS(l, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, multiplexer.Config{Protocol: "http"})
}
