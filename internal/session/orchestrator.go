package session

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/warp-tech/warpgate/internal/identity"
	"github.com/warp-tech/warpgate/internal/limiter"
	"github.com/warp-tech/warpgate/internal/metrics"
	"github.com/warp-tech/warpgate/internal/recorder"
)

// Orchestrator wires C2 (login-protection), C4 (identity), and C5
// (recording) together behind the session handle, so protocol front ends
// (C6-C9) share one code path for "accept -> authorize -> record" (spec
// §2's data-flow diagram).
type Orchestrator struct {
	Identity identity.Provider
	Limiter  *limiter.Service
	Recorder *recorder.Manager
	Now      func() time.Time

	mu       sync.Mutex
	handles  map[string]*Handle
}

// NewOrchestrator constructs an Orchestrator. Now defaults to time.Now.
func NewOrchestrator(id identity.Provider, lim *limiter.Service, rec *recorder.Manager) *Orchestrator {
	return &Orchestrator{
		Identity: id,
		Limiter:  lim,
		Recorder: rec,
		Now:      time.Now,
		handles:  make(map[string]*Handle),
	}
}

// Accept creates a session handle for a newly accepted connection after
// confirming the client IP is not currently blocked (the pre-auth gate in
// spec §2's diagram).
func (o *Orchestrator) Accept(ctx context.Context, protocol Protocol, remoteIP string) (*Handle, error) {
	block, err := o.Limiter.CheckIP(ctx, remoteIP)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if block != nil {
		return nil, trace.AccessDenied(block.Message)
	}
	h, err := New(protocol, remoteIP, o.Now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	o.mu.Lock()
	o.handles[h.ID()] = h
	o.mu.Unlock()
	metrics.SessionCount.WithLabelValues(string(protocol)).Inc()
	return h, nil
}

// Release drops the handle once a connection has torn down.
func (o *Orchestrator) Release(h *Handle) {
	o.mu.Lock()
	delete(o.handles, h.ID())
	o.mu.Unlock()
}

// Lookup returns the handle with the given session id, used to resolve an
// admin-issued cancellation to a live connection.
func (o *Orchestrator) Lookup(id string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[id]
	return h, ok
}

// RecordAuthFailure forwards a failed attempt to the login-protection
// engine, the canonical integration point named in spec §7 ("AuthFailure"
// surfaces to C2 as a FailedLoginAttempt).
func (o *Orchestrator) RecordAuthFailure(ctx context.Context, username, remoteIP string, protocol Protocol, credentialKind string) {
	if err := o.Limiter.RecordFailure(ctx, username, remoteIP, string(protocol), credentialKind); err != nil {
		// Login-protection record-keeping failures never block or fail the
		// auth decision itself (spec §7: "fail open on record-keeping").
	}
}

// AuthorizeTarget checks username has a role shared with targetName and
// resolves the Target, returning AccessDenied/NotFound per spec §4.4/§7.
func (o *Orchestrator) AuthorizeTarget(ctx context.Context, username, targetName string) (*identity.Target, error) {
	target, err := o.Identity.GetTarget(ctx, targetName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ok, err := o.Identity.AuthorizeTarget(ctx, username, targetName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.AccessDenied("user %q is not authorized for target %q", username, targetName)
	}
	return target, nil
}
