// Package session implements the session handle and orchestration layer
// (C10): the glue between an accepted connection, the auth state machine,
// target authorization, and cancellation, independent of protocol.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/warp-tech/warpgate/internal/identity"
)

// Protocol tags a session by which front end accepted it.
type Protocol string

const (
	ProtoSSH        Protocol = "ssh"
	ProtoPostgres   Protocol = "postgres"
	ProtoKubernetes Protocol = "kubernetes"
	ProtoHTTP       Protocol = "http"
)

// Handle is created for every accepted connection (spec §4.10). UserID and
// TargetID are one-way latches per data-model invariant 1.
type Handle struct {
	id        string
	protocol  Protocol
	remoteIP  string
	startedAt time.Time

	mu       sync.Mutex
	userID   string
	username string
	targetID string

	cancelOnce sync.Once
	cancelCh   chan struct{}

	log *log.Entry
}

// New creates a Handle for a freshly accepted connection, installing the
// tracing-span-equivalent structured-logging fields described in spec
// §4.10 ("protocol=X, session=UUID, user=..., client_ip=...").
func New(protocol Protocol, remoteIP string, clock func() time.Time) (*Handle, error) {
	id, err := randomUUID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handle{
		id:        id,
		protocol:  protocol,
		remoteIP:  remoteIP,
		startedAt: clock(),
		cancelCh:  make(chan struct{}),
	}
	h.log = log.WithFields(log.Fields{
		trace.Component: "session",
		"session":       id,
		"protocol":      protocol,
		"client_ip":     remoteIP,
	})
	return h, nil
}

func randomUUID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

// ID returns the session UUID, used for logging and recording paths.
func (h *Handle) ID() string { return h.id }

// SetUserInfo latches the authenticated user. Calling it twice is a
// programmer error per data-model invariant 1.
func (h *Handle) SetUserInfo(u *identity.User) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userID != "" {
		return trace.BadParameter("session %s: user already set", h.id)
	}
	h.userID = u.ID
	h.username = u.Username
	h.log = h.log.WithField("user", u.Username)
	return nil
}

// SetTarget latches the bound target. May only be called once, and only
// after SetUserInfo.
func (h *Handle) SetTarget(t *identity.Target) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userID == "" {
		return trace.BadParameter("session %s: target set before user", h.id)
	}
	if h.targetID != "" {
		return trace.BadParameter("session %s: target already set", h.id)
	}
	h.targetID = t.ID
	h.log = h.log.WithField("target", t.Name)
	return nil
}

// Username returns the latched username, or "" before authentication.
func (h *Handle) Username() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.username
}

// Logger returns the scoped structured logger for this session.
func (h *Handle) Logger() *log.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.log
}

// Cancel fires the session's abort signal (spec §5): the front-end is
// expected to observe Done() and send its protocol's graceful disconnect.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// Done returns a channel closed when Cancel has fired.
func (h *Handle) Done() <-chan struct{} { return h.cancelCh }

// WithCancel returns a context that is cancelled when either parent is
// cancelled or this session's Cancel is called.
func (h *Handle) WithCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
