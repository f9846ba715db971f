package kubernetes

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/multiplexer"
	"github.com/warp-tech/warpgate/internal/session"
)

// Server is an http.Handler serving both plain HTTPS passthrough and
// WebSocket exec/attach streams on one TLS listener (spec §4.8).
type Server struct {
	cfg Config
	log *log.Entry
}

// New constructs a Server.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, log: cfg.Log}, nil
}

// Serve accepts TLS connections from l and serves HTTP over them until ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	tlsListener, err := multiplexer.WrapTLS(l, serverTLSConfig(s.cfg.TLSCert), multiplexer.Config{Protocol: "kubernetes"})
	if err != nil {
		return trace.Wrap(err)
	}
	srv := &http.Server{Handler: s, BaseContext: func(net.Listener) context.Context { return ctx }}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(tlsListener); err != nil && ctx.Err() == nil {
		return trace.Wrap(err)
	}
	return nil
}

// requestContext carries everything resolved while authenticating and
// authorizing one request, threaded through to the forwarder/websocket path.
type requestContext struct {
	handle   *session.Handle
	username string
	target   *identity.Target
	restPath string
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	h, err := s.cfg.Orchestrator.Accept(ctx, session.ProtoKubernetes, remoteIP)
	if err != nil {
		writeStatus(w, http.StatusForbidden, metav1.StatusReasonForbidden, "blocked")
		return
	}
	defer s.cfg.Orchestrator.Release(h)

	targetName, restPath, ok := splitTargetPath(r.URL.Path)
	if !ok {
		writeStatus(w, http.StatusNotFound, metav1.StatusReasonNotFound, "not found")
		return
	}

	username, err := s.authenticate(ctx, r)
	if err != nil {
		h.Logger().WithError(err).Debug("kubernetes authentication failed")
		w.Header().Set("WWW-Authenticate", `Bearer realm="warpgate"`)
		writeStatus(w, http.StatusUnauthorized, metav1.StatusReasonUnauthorized, "unauthorized")
		return
	}
	if err := h.SetUserInfo(&identity.User{ID: username, Username: username}); err != nil {
		writeStatus(w, http.StatusInternalServerError, metav1.StatusReasonInternalError, "internal error")
		return
	}

	target, err := s.cfg.Orchestrator.AuthorizeTarget(ctx, username, targetName)
	if err != nil {
		if trace.IsNotFound(err) {
			writeStatus(w, http.StatusNotFound, metav1.StatusReasonNotFound, "not found")
		} else {
			writeStatus(w, http.StatusForbidden, metav1.StatusReasonForbidden, "forbidden")
		}
		return
	}
	if err := h.SetTarget(target); err != nil {
		writeStatus(w, http.StatusInternalServerError, metav1.StatusReasonInternalError, "internal error")
		return
	}

	rc := &requestContext{handle: h, username: username, target: target, restPath: restPath}

	if isWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, rc)
		return
	}
	s.serveHTTP(w, r, rc)
}

// authenticate implements spec §4.8's order: bearer token first, then the
// client certificate captured during the TLS handshake.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (string, error) {
	if tok := bearerToken(r); tok != "" {
		username, ok, err := s.cfg.Identity.ValidateAPIToken(ctx, tok)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if ok {
			return username, nil
		}
	}

	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cert := r.TLS.PeerCertificates[0]
		pem := certToPEM(cert)
		for _, u := range mustListUsers(ctx, s.cfg.Identity) {
			for _, c := range u.Credentials {
				if c.Kind == identity.KindCertificate && normalizePEM(c.CertPEM) == normalizePEM(pem) {
					s.cfg.Identity.UpdatePublicKeyLastUsed(ctx, c.ID, 0)
					return u.Username, nil
				}
			}
		}
	}

	return "", trace.AccessDenied("no valid bearer token or client certificate presented")
}

func mustListUsers(ctx context.Context, p identity.Provider) []identity.User {
	users, err := p.ListUsers(ctx)
	if err != nil {
		return nil
	}
	return users
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// splitTargetPath extracts the leading /<target-name> segment from the
// request path (spec §4.8 URL shape).
func splitTargetPath(path string) (target, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		if trimmed == "" {
			return "", "", false
		}
		return trimmed, "/", true
	}
	return trimmed[:idx], trimmed[idx:], true
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
