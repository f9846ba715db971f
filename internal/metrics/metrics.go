// Package metrics registers the process-wide Prometheus collectors named in
// SPEC_FULL.md's ambient stack: failed logins, IP blocks, user lockouts,
// ticket consumptions, per-protocol session/byte counts, and a handshake
// latency histogram.
//
// Grounded on the teacher's own metrics idiom in its SSH auth handlers
// (package-level
// prometheus.NewCounter vars collected into a slice, registered by a single
// call from the command entrypoint) rather than a per-component
// prometheus.MustRegister scattered through the codebase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warpgate"

var (
	// FailedLoginCount counts every failed attempt recorded through
	// limiter.Service.RecordFailure (C2).
	FailedLoginCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failed_login_attempts_total",
		Help:      "Number of failed authentication attempts across all protocols.",
	})

	// IPBlockCount counts every IP block created by the login-protection
	// engine (C2).
	IPBlockCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_blocks_total",
		Help:      "Number of IP addresses blocked for excessive failed logins.",
	})

	// UserLockoutCount counts every user lockout created by the
	// login-protection engine (C2).
	UserLockoutCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "user_lockouts_total",
		Help:      "Number of user accounts locked out for excessive failed logins.",
	})

	// TicketConsumedCount counts every successful atomic ticket consumption
	// (C4, spec invariant 2).
	TicketConsumedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_consumed_total",
		Help:      "Number of one-shot/N-shot tickets successfully consumed.",
	})

	// SessionCount counts accepted sessions by protocol (C10).
	SessionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Number of sessions accepted, labeled by protocol.",
	}, []string{"protocol"})

	// TrafficBytes counts bytes relayed in each direction, labeled by
	// protocol (the relay loops of C6-C9 count every byte that crosses the
	// splice).
	TrafficBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traffic_bytes_total",
		Help:      "Bytes relayed between client and target, labeled by protocol and direction.",
	}, []string{"protocol", "direction"})

	// HandshakeLatency observes protocol handshake duration (TLS negotiation
	// for HTTP/Kubernetes, SSH key exchange + auth for SSH), labeled by
	// protocol.
	HandshakeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handshake_duration_seconds",
		Help:      "Time to complete the protocol handshake, labeled by protocol.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})

	collectors = []prometheus.Collector{
		FailedLoginCount, IPBlockCount, UserLockoutCount, TicketConsumedCount,
		SessionCount, TrafficBytes, HandshakeLatency,
	}
)

// Register registers every collector in this package against reg. Called
// once by cmd/warpgated at startup.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			are := prometheus.AlreadyRegisteredError{}
			if !isAlreadyRegistered(err, &are) {
				return err
			}
		}
	}
	return nil
}

func isAlreadyRegistered(err error, target *prometheus.AlreadyRegisteredError) bool {
	are, ok := err.(prometheus.AlreadyRegisteredError)
	if ok {
		*target = are
	}
	return ok
}
