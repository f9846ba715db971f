// Package postgres implements the PostgreSQL proxy (C7): startup/SSL
// negotiation, the authentication loop driven by internal/authn, and a
// verbatim frame copy to the authorized target with idle-timeout
// enforcement.
//
// Adapted from zmb3-teleport/lib/srv/db/postgres/proxy.go (Proxy struct,
// HandleConnection, handleStartup SSL/GSS negotiation loop) to drive
// internal/authn instead of Teleport's certificate-authority auth, and to
// implement the ticket-selector/idle-timeout/SQLSTATE semantics from
// original_source/warpgate-protocol-postgres/src/session.rs.
package postgres

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgproto3/v2"
	log "github.com/sirupsen/logrus"

	"github.com/warp-tech/warpgate/internal/authn"
	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/metrics"
	"github.com/warp-tech/warpgate/internal/recorder"
	"github.com/warp-tech/warpgate/internal/session"
)

// SQLSTATE codes used by this proxy, per spec §4.7/§7. Auth failure and
// idle timeout reuse real Postgres codes via pgerrcode; target-not-found
// and target-connect-failed have no standard SQLSTATE (the client never
// gets far enough for Postgres itself to define one), so those stay as
// the custom codes carried over from original_source/warpgate-protocol-postgres.
const (
	sqlstateAuthFailed          = pgerrcode.InvalidPassword
	sqlstateTargetNotFound      = "0W001"
	sqlstateTargetConnectFailed = "0W002"
	sqlstateIdleTimeout         = pgerrcode.AdminShutdown
)

// Config configures a Proxy.
type Config struct {
	TLSConfig    *tls.Config
	Identity     identity.Provider
	Orchestrator *session.Orchestrator
	Recorder     *recorder.Manager
	IdleTimeout  time.Duration
	Log          *log.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Orchestrator == nil {
		return trace.BadParameter("missing parameter Orchestrator")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "pgproxy")
	}
	return nil
}

// Proxy terminates PostgreSQL client connections and splices them to the
// authorized target after driving the authentication loop.
type Proxy struct {
	cfg Config
}

// New constructs a Proxy.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{cfg: cfg}, nil
}

// HandleConnection accepts a client connection, negotiates SSL, drives
// authentication, and proxies frames to the authorized target.
func (p *Proxy) HandleConnection(ctx context.Context, clientConn net.Conn) (err error) {
	remoteIP, _, _ := net.SplitHostPort(clientConn.RemoteAddr().String())

	h, err := p.cfg.Orchestrator.Accept(ctx, session.ProtoPostgres, remoteIP)
	if err != nil {
		return trace.Wrap(err)
	}
	defer p.cfg.Orchestrator.Release(h)
	logger := h.Logger()

	startupMessage, clientConn, backend, err := p.handleStartup(ctx, clientConn)
	if err != nil {
		return trace.Wrap(err)
	}

	selector := authn.ParseSelector(startupMessage.Parameters["user"])

	var target *identity.Target
	var username string

	if selector.IsTicket {
		_, t, err := authn.ResolveTicketSelector(ctx, p.cfg.Identity, selector.Secret)
		if err != nil {
			backend.Send(errorResponse(sqlstateAuthFailed, "invalid ticket"))
			return trace.Wrap(err)
		}
		target = t
		username = t.Name
	} else {
		username = selector.Username
		target, err = p.authenticate(ctx, backend, h, selector.Username, remoteIP)
		if err != nil {
			backend.Send(errorResponse(sqlstateAuthFailed, "authentication failed"))
			return trace.Wrap(err)
		}
		target, err = p.cfg.Orchestrator.AuthorizeTarget(ctx, selector.Username, selector.TargetName)
		if err != nil {
			backend.Send(errorResponse(sqlstateTargetNotFound, "target not found"))
			return trace.Wrap(err)
		}
	}

	if target.Options.Protocol != identity.ProtocolPostgres {
		backend.Send(errorResponse(sqlstateTargetNotFound, "target is not a postgres target"))
		return trace.BadParameter("target %q is not a postgres target", target.Name)
	}

	if u, err := p.cfg.Identity.GetUser(ctx, username); err == nil {
		h.SetUserInfo(u) //nolint:errcheck
	}
	h.SetTarget(target) //nolint:errcheck

	serverConn, err := p.dialTarget(ctx, target)
	if err != nil {
		backend.Send(errorResponse(sqlstateTargetConnectFailed, "failed to connect to target"))
		return trace.Wrap(err)
	}
	defer serverConn.Close()

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(serverConn), serverConn)
	rewritten := *startupMessage
	rewritten.Parameters = cloneParams(startupMessage.Parameters)
	rewritten.Parameters["user"] = target.Options.PgUsername
	if err := frontend.Send(&rewritten); err != nil {
		return trace.Wrap(err)
	}

	if err := backend.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return trace.Wrap(err)
	}

	var traffic *recorder.TrafficRecorder
	if p.cfg.Recorder != nil {
		traffic, _ = p.cfg.Recorder.StartTraffic(ctx, h.ID(), target.Options.PgHost, target.Options.PgPort)
	}

	logger.Info("postgres session authorized, proxying")
	return p.proxyLoop(ctx, clientConn, serverConn, traffic)
}

func cloneParams(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// authenticate drives the authn.State loop against the client over backend,
// per spec §4.7's "Auth loop asks C3 for needed kinds" description.
func (p *Proxy) authenticate(ctx context.Context, backend *pgproto3.Backend, h *session.Handle, username, remoteIP string) (*identity.Target, error) {
	if lock, err := p.cfg.Orchestrator.Limiter.CheckUser(ctx, username); err == nil && lock != nil {
		return nil, trace.AccessDenied(lock.Message)
	}

	st, err := authn.NewState(p.cfg.Identity, username, identity.ProtocolPostgres, time.Now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	for {
		if err := backend.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
			return nil, trace.Wrap(err)
		}
		msg, err := backend.Receive()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		pwMsg, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			return nil, trace.BadParameter("expected PasswordMessage, got %T", msg)
		}

		ok, err = p.cfg.Identity.ValidateCredential(ctx, username, identity.Credential{
			Kind: identity.KindPassword, PasswordPlaintext: pwMsg.Password,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			p.cfg.Orchestrator.RecordAuthFailure(ctx, username, remoteIP, session.ProtoPostgres, string(identity.KindPassword))
			return nil, trace.AccessDenied("invalid credentials")
		}

		verdict, err := st.AddCredential(ctx, identity.KindPassword)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		switch verdict {
		case authn.VerdictAccepted:
			return nil, nil
		case authn.VerdictRejected:
			return nil, trace.AccessDenied("credential policy not satisfiable")
		case authn.VerdictNeedMore:
			continue
		}
	}
}

// dialTarget opens the upstream PostgreSQL connection using the target's
// configured credentials.
func (p *Proxy) dialTarget(ctx context.Context, target *identity.Target) (net.Conn, error) {
	addr := net.JoinHostPort(target.Options.PgHost, fmt.Sprintf("%d", target.Options.PgPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// proxyLoop copies frames verbatim in both directions, resetting the idle
// timer on any successful read in either direction (see DESIGN.md's
// resolution of the PG idle_timeout Open Question), and tearing down with
// SQLSTATE 57P01 on expiry.
func (p *Proxy) proxyLoop(ctx context.Context, client, server net.Conn, traffic *recorder.TrafficRecorder) error {
	errCh := make(chan error, 2)
	lastActivity := time.Now().UnixNano()
	go pumpPG(client, server, p.cfg.IdleTimeout, &lastActivity, traffic, recorder.DirectionClientToTarget, errCh)
	go pumpPG(server, client, p.cfg.IdleTimeout, &lastActivity, traffic, recorder.DirectionTargetToClient, errCh)

	select {
	case err := <-errCh:
		if isIdleTimeout(err) {
			be := pgproto3.NewBackend(pgproto3.NewChunkReader(client), client)
			be.Send(errorResponse(sqlstateIdleTimeout, "idle timeout exceeded")) //nolint:errcheck
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type idleTimeoutError struct{}

func (idleTimeoutError) Error() string { return "idle timeout exceeded" }

func isIdleTimeout(err error) bool {
	_, ok := err.(idleTimeoutError)
	return ok
}

func directionLabel(dir recorder.Direction) string {
	if dir == recorder.DirectionClientToTarget {
		return "client_to_target"
	}
	return "target_to_client"
}

func pumpPG(dst io.Writer, src net.Conn, idleTimeout time.Duration, lastActivity *int64, traffic *recorder.TrafficRecorder, dir recorder.Direction, errCh chan<- error) {
	buf := make([]byte, 32*1024)
	for {
		if idleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(idleTimeout)) //nolint:errcheck
		}
		n, err := src.Read(buf)
		if n > 0 {
			atomic.StoreInt64(lastActivity, time.Now().UnixNano())
			if traffic != nil {
				traffic.Write(dir, buf[:n])
			}
			metrics.TrafficBytes.WithLabelValues("postgres", directionLabel(dir)).Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				errCh <- werr
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(time.Unix(0, atomic.LoadInt64(lastActivity))) < idleTimeout {
					continue
				}
				errCh <- idleTimeoutError{}
				return
			}
			errCh <- err
			return
		}
	}
}

func errorResponse(code, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message}
}

// handleStartup negotiates SSLRequest/GSSEncRequest/StartupMessage exactly
// as the teacher's proxy.go does, looping until a plain StartupMessage is
// received on a (possibly TLS-upgraded) connection.
func (p *Proxy) handleStartup(ctx context.Context, clientConn net.Conn) (*pgproto3.StartupMessage, net.Conn, *pgproto3.Backend, error) {
	receivedSSL := false
	receivedGSS := false
	for {
		backend := pgproto3.NewBackend(pgproto3.NewChunkReader(clientConn), clientConn)
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if receivedSSL {
				return nil, nil, nil, trace.BadParameter("received more than one SSLRequest")
			}
			receivedSSL = true
			if p.cfg.TLSConfig == nil {
				if _, err := clientConn.Write([]byte("N")); err != nil {
					return nil, nil, nil, trace.Wrap(err)
				}
			} else {
				if _, err := clientConn.Write([]byte("S")); err != nil {
					return nil, nil, nil, trace.Wrap(err)
				}
				clientConn = tls.Server(clientConn, p.cfg.TLSConfig)
			}
			continue
		case *pgproto3.GSSEncRequest:
			if receivedGSS {
				return nil, nil, nil, trace.BadParameter("received more than one GSSEncRequest")
			}
			receivedGSS = true
			if _, err := clientConn.Write([]byte("N")); err != nil {
				return nil, nil, nil, trace.Wrap(err)
			}
			continue
		case *pgproto3.StartupMessage:
			return m, clientConn, pgproto3.NewBackend(pgproto3.NewChunkReader(clientConn), clientConn), nil
		default:
			return nil, nil, nil, trace.BadParameter("unsupported startup message: %#v", msg)
		}
	}
}
