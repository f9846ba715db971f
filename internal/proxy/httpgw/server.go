package httpgw

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/warp-tech/warpgate/internal/authn"
	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/session"
)

// authType values forwarded as X-Warpgate-Authentication-Type, per spec
// §4.9's "X-Warpgate-Username, X-Warpgate-Authentication-Type" rule.
const (
	authTypeUser   = "user"
	authTypeTicket = "ticket"
)

// Server terminates HTTP(S) client connections and forwards them to the
// target selected by the Basic-auth selector.
type Server struct {
	cfg Config
}

// New constructs a Server.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg}, nil
}

// Serve runs the HTTP front-end on l until ctx is cancelled. If cfg.TLSCert
// is set, l is wrapped with TLS.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.cfg.TLSCert != nil {
		wrapped, err := tlsListener(l, s.cfg.TLSCert)
		if err != nil {
			return trace.Wrap(err)
		}
		l = wrapped
	}

	srv := &http.Server{
		Handler:     http.HandlerFunc(s.ServeHTTP),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
		return ctx.Err()
	case err := <-errCh:
		return trace.Wrap(err)
	}
}

// requestContext carries the per-request identity resolved by authenticate,
// threaded through the forwarding/rewrite helpers.
type requestContext struct {
	handle   *session.Handle
	target   *identity.Target
	username string
	authType string
}

// ServeHTTP implements the accept -> authenticate -> authorize -> forward
// pipeline shared in shape with C6/C7/C8's Orchestrator-driven front ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	h, err := s.cfg.Orchestrator.Accept(ctx, session.ProtoHTTP, remoteIP)
	if err != nil {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}
	defer s.cfg.Orchestrator.Release(h)

	rc, err := s.authenticate(ctx, r, h, remoteIP)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="warpgate"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if rc.target.Options.Protocol != identity.ProtocolHTTP {
		http.Error(w, "target is not an http target", http.StatusBadGateway)
		return
	}

	if u, err := s.cfg.Identity.GetUser(ctx, rc.username); err == nil {
		h.SetUserInfo(u) //nolint:errcheck
	}
	h.SetTarget(rc.target) //nolint:errcheck
	rc.handle = h

	h.Logger().WithFields(map[string]interface{}{
		"method": r.Method, "path": r.URL.Path,
	}).Info("http request")

	if isWebSocketUpgrade(r) {
		s.proxyWebSocket(w, r, rc)
		return
	}
	s.proxyHTTP(w, r, rc)
}

// authenticate resolves the HTTP Basic-auth selector against the shared
// internal/authn grammar: ticket secrets bypass the credential loop
// entirely, plain "<user>:<target>" selectors validate a single password
// credential, since Basic auth offers no further round trip for a second
// factor (a simplification of C3's multi-step loop, documented in
// DESIGN.md).
func (s *Server) authenticate(ctx context.Context, r *http.Request, h *session.Handle, remoteIP string) (*requestContext, error) {
	rawUser, password, ok := basicAuthCredentials(r)
	if !ok {
		return nil, trace.AccessDenied("missing Basic authentication")
	}

	sel := authn.ParseSelector(rawUser)

	if sel.IsTicket {
		_, target, err := authn.ResolveTicketSelector(ctx, s.cfg.Identity, sel.Secret)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &requestContext{target: target, username: target.Name, authType: authTypeTicket}, nil
	}

	if lock, err := s.cfg.Orchestrator.Limiter.CheckUser(ctx, sel.Username); err == nil && lock != nil {
		return nil, trace.AccessDenied(lock.Message)
	}

	ok, err := s.cfg.Identity.ValidateCredential(ctx, sel.Username, identity.Credential{
		Kind: identity.KindPassword, PasswordPlaintext: password,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		s.cfg.Orchestrator.RecordAuthFailure(ctx, sel.Username, remoteIP, session.ProtoHTTP, string(identity.KindPassword))
		return nil, trace.AccessDenied("invalid credentials")
	}

	st, err := authn.NewState(s.cfg.Identity, sel.Username, identity.ProtocolHTTP, time.Now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	verdict, err := st.AddCredential(ctx, identity.KindPassword)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if verdict != authn.VerdictAccepted {
		return nil, trace.AccessDenied("credential policy not satisfiable over HTTP Basic auth")
	}

	target, err := s.cfg.Orchestrator.AuthorizeTarget(ctx, sel.Username, sel.TargetName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &requestContext{target: target, username: sel.Username, authType: authTypeUser}, nil
}

func basicAuthCredentials(r *http.Request) (user, pass string, ok bool) {
	return r.BasicAuth()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func basicAuthHeader(userinfo string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(userinfo))
}
