package identity

import "context"

// Provider is the only surface through which the auth state machine and the
// session orchestrator observe users, credentials, targets, and roles
// (spec §4.4). Every other component receives resolved domain objects.
type Provider interface {
	ListUsers(ctx context.Context) ([]User, error)
	ListTargets(ctx context.Context) ([]Target, error)
	GetUser(ctx context.Context, username string) (*User, error)
	GetTarget(ctx context.Context, name string) (*Target, error)

	// GetCredentialPolicy returns the user's policy, defaulted if nil.
	GetCredentialPolicy(ctx context.Context, username string) (*Policy, error)

	// ValidateCredential dispatches to the kind-specific verifier and
	// reports whether cred matches one of username's stored credentials.
	ValidateCredential(ctx context.Context, username string, cred Credential) (bool, error)

	// UsernameForSSOCredential reverse-looks-up the user owning an SSO
	// (provider, email) pair. Stored provider == "" acts as a wildcard.
	UsernameForSSOCredential(ctx context.Context, provider, email string) (string, error)

	// AuthorizeTarget reports whether username and targetName share a role.
	AuthorizeTarget(ctx context.Context, username, targetName string) (bool, error)

	// ApplySSORoleMappings idempotently syncs a user's roles. managedRoles,
	// when non-nil, scopes the set of roles this call is allowed to touch;
	// nil means all roles are in scope.
	ApplySSORoleMappings(ctx context.Context, username string, managedRoles []string, assignedRoles []string) error

	// UpdatePublicKeyLastUsed is best-effort: callers must never propagate
	// its failure upward (spec §4.4).
	UpdatePublicKeyLastUsed(ctx context.Context, credentialID string, when int64)

	// ValidateAPIToken returns the owning username iff secret exists and is
	// not expired.
	ValidateAPIToken(ctx context.Context, secret string) (string, bool, error)

	// ResolveTicket returns the ticket matching secret, or nil if none.
	ResolveTicket(ctx context.Context, secret string) (*Ticket, error)

	// ConsumeTicket atomically decrements (or deletes, if Remaining hits
	// zero) a ticket's remaining-uses counter. It must fail if the ticket
	// is already exhausted or expired, and must be safe under concurrent
	// callers racing on the same ticket (spec invariant 2, Testable
	// Property 1).
	ConsumeTicket(ctx context.Context, secret string) (*Ticket, error)
}
