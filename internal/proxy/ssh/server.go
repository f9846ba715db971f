package ssh

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/warp-tech/warpgate/internal/authn"
	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/metrics"
	"github.com/warp-tech/warpgate/internal/session"
)

// Server accepts client connections and drives the full server-side SSH
// state machine described in spec §4.6.
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

// Serve accepts connections from l until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		}
		go s.handleConn(ctx, conn)
	}
}

// conversation tracks the in-progress authn.State for one TCP connection.
// The selector is parsed from the first declared username and kept, so
// every later auth callback (for example password, then keyboard-interactive
// for TOTP) drives that same State; a different username declared in a
// later USERAUTH_REQUEST does not start a State of its own.
type conversation struct {
	srv      *Server
	remoteIP string

	mu       sync.Mutex
	selector authn.Selector
	states   map[string]*authn.State
	ticket   *identity.Ticket
	target   *identity.Target
}

// ticketDisplayName is the synthetic username latched onto a session
// authorized by a one-shot ticket rather than a real identity (spec §4.3:
// tickets authorize a target directly, with no credential loop).
func ticketDisplayName(t *identity.Ticket) string {
	return "ticket:" + t.TargetName
}

func (s *Server) handleConn(ctx context.Context, nconn net.Conn) {
	defer nconn.Close()

	remoteIP, _, _ := net.SplitHostPort(nconn.RemoteAddr().String())

	h, err := s.cfg.Orchestrator.Accept(ctx, session.ProtoSSH, remoteIP)
	if err != nil {
		s.log.WithField("client_ip", remoteIP).WithError(err).Debug("connection rejected by login-protection")
		return
	}
	defer s.cfg.Orchestrator.Release(h)

	cctx, cancel := h.WithCancel(ctx)
	defer cancel()

	conv := &conversation{srv: s, remoteIP: remoteIP, states: map[string]*authn.State{}}

	sshConf := &ssh.ServerConfig{
		PasswordCallback:            conv.password(cctx),
		PublicKeyCallback:           conv.publicKey(cctx),
		KeyboardInteractiveCallback: conv.keyboardInteractive(cctx),
	}
	for _, k := range s.cfg.HostKeys {
		sshConf.AddHostKey(k)
	}

	nconn.SetDeadline(time.Now().Add(s.cfg.AuthGrace)) //nolint:errcheck
	handshakeStart := time.Now()
	sconn, chans, reqs, err := ssh.NewServerConn(nconn, sshConf)
	if err != nil {
		h.Logger().WithField("client_ip", remoteIP).WithError(err).Debug("ssh handshake failed")
		return
	}
	nconn.SetDeadline(time.Time{}) //nolint:errcheck
	metrics.HandshakeLatency.WithLabelValues("ssh").Observe(time.Since(handshakeStart).Seconds())
	defer sconn.Close()

	if conv.ticket != nil {
		name := ticketDisplayName(conv.ticket)
		if err := h.SetUserInfo(&identity.User{ID: name, Username: name}); err != nil {
			h.Logger().WithError(err).Error("failed to latch ticket user")
			return
		}
	} else if state, ok := conv.states[conv.selector.Username]; ok {
		if err := h.SetUserInfo(state.UserInfo()); err != nil {
			h.Logger().WithError(err).Error("failed to latch user")
			return
		}
	}

	target := conv.target
	if target == nil {
		target, err = s.cfg.Orchestrator.AuthorizeTarget(cctx, h.Username(), conv.selector.TargetName)
		if err != nil {
			h.Logger().WithError(err).Warn("target authorization failed")
			return
		}
	}
	if err := h.SetTarget(target); err != nil {
		h.Logger().WithError(err).Error("failed to latch target")
		return
	}

	h.Logger().Info("ssh session established")

	go ssh.DiscardRequests(reqs)

	upstream, err := s.dialTarget(cctx, target)
	if err != nil {
		h.Logger().WithError(err).Warn("failed to connect to target")
		return
	}
	defer upstream.Close()

	ps := newProxySession(s, h, upstream)
	var wg sync.WaitGroup
	for newChan := range chans {
		wg.Add(1)
		go func(nc ssh.NewChannel) {
			defer wg.Done()
			ps.handleChannel(cctx, nc)
		}(newChan)
	}
	wg.Wait()
}

func (c *conversation) stateFor(ctx context.Context, username string) (*authn.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selector.Username == "" && !c.selector.IsTicket {
		c.selector = authn.ParseSelector(username)
	}
	if c.selector.IsTicket {
		return nil, trace.BadParameter("ticket selectors have no credential loop")
	}
	st, ok := c.states[c.selector.Username]
	if ok {
		return st, nil
	}
	st, err := authn.NewState(c.srv.cfg.Identity, c.selector.Username, identity.ProtocolSSH, c.srv.cfg.Clock.Now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.states[c.selector.Username] = st
	return st, nil
}

func (c *conversation) resolveTicket(ctx context.Context, raw string) (bool, error) {
	sel := authn.ParseSelector(raw)
	if !sel.IsTicket {
		return false, nil
	}
	ticket, target, err := authn.ResolveTicketSelector(ctx, c.srv.cfg.Identity, sel.Secret)
	if err != nil {
		return true, trace.Wrap(err)
	}
	c.mu.Lock()
	c.selector = sel
	c.ticket = ticket
	c.target = target
	c.mu.Unlock()
	return true, nil
}

func (c *conversation) password(ctx context.Context) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		if isTicket, err := c.resolveTicket(ctx, meta.User()); isTicket {
			if err != nil {
				c.srv.cfg.Orchestrator.RecordAuthFailure(ctx, meta.User(), c.remoteIP, session.ProtoSSH, "ticket")
				return nil, trace.Wrap(err)
			}
			return &ssh.Permissions{}, nil
		}

		st, err := c.stateFor(ctx, meta.User())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ok, err := c.srv.cfg.Identity.ValidateCredential(ctx, st.Username, identity.Credential{
			Kind: identity.KindPassword, PasswordPlaintext: string(password),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			c.srv.cfg.Orchestrator.RecordAuthFailure(ctx, st.Username, c.remoteIP, session.ProtoSSH, string(identity.KindPassword))
			return nil, trace.AccessDenied("invalid credentials")
		}
		verdict, err := st.AddCredential(ctx, identity.KindPassword)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return verdictToPermissions(verdict)
	}
}

func (c *conversation) publicKey(ctx context.Context) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if isTicket, err := c.resolveTicket(ctx, meta.User()); isTicket {
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return nil, trace.AccessDenied("ticket selectors do not accept public-key auth")
		}

		st, err := c.stateFor(ctx, meta.User())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		openssh := string(ssh.MarshalAuthorizedKey(key))
		ok, err := c.srv.cfg.Identity.ValidateCredential(ctx, st.Username, identity.Credential{
			Kind: identity.KindPublicKey, OpenSSHKey: openssh,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			c.srv.cfg.Orchestrator.RecordAuthFailure(ctx, st.Username, c.remoteIP, session.ProtoSSH, string(identity.KindPublicKey))
			return nil, trace.AccessDenied("invalid credentials")
		}
		verdict, err := st.AddCredential(ctx, identity.KindPublicKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return verdictToPermissions(verdict)
	}
}

func (c *conversation) keyboardInteractive(ctx context.Context) func(ssh.ConnMetadata, ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
		st, err := c.stateFor(ctx, meta.User())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		answers, err := challenge("", "", []string{"TOTP code: "}, []bool{false})
		if err != nil || len(answers) != 1 {
			return nil, trace.AccessDenied("no TOTP code supplied")
		}
		ok, err := c.srv.cfg.Identity.ValidateCredential(ctx, st.Username, identity.Credential{
			Kind: identity.KindTotp, TotpCode: answers[0],
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			c.srv.cfg.Orchestrator.RecordAuthFailure(ctx, st.Username, c.remoteIP, session.ProtoSSH, string(identity.KindTotp))
			return nil, trace.AccessDenied("invalid credentials")
		}
		verdict, err := st.AddCredential(ctx, identity.KindTotp)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return verdictToPermissions(verdict)
	}
}

// verdictToPermissions maps an authn.Verdict to the x/crypto/ssh auth
// callback contract: nil error means accepted, any error means "try
// another method or fail" (spec §4.6 step 3's USERAUTH_FAILURE/listed
// remaining methods is how the library surfaces VerdictNeedMore too, since
// it simply re-prompts for another method on non-nil error).
func verdictToPermissions(v authn.Verdict) (*ssh.Permissions, error) {
	switch v {
	case authn.VerdictAccepted:
		return &ssh.Permissions{}, nil
	case authn.VerdictNeedMore:
		return nil, trace.AccessDenied("additional authentication required")
	default:
		return nil, trace.AccessDenied("invalid credentials")
	}
}
