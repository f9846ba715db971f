// Package sso implements the SAML and OIDC external collaborators named in
// spec §6/§3 for the Sso credential kind: the bastion never issues its own
// single-sign-on flow, it validates an assertion or id_token handed to it by
// an external identity provider and maps the result onto a local username.
//
// Grounded on original_source/warpgate-sso/src/response.rs's unified
// SsoLoginResponse shape, and on the teacher's own SAML client wiring in
// lib/auth/saml.go (calculateSAMLUser: AssertionInfo -> traits -> username).
package sso

import "context"

// LoginResponse is the provider-agnostic result of a completed SAML or OIDC
// login, mirroring original_source/warpgate-sso/src/response.rs's
// SsoLoginResponse so both backends feed the same reconciliation path.
type LoginResponse struct {
	Name              string
	Email             string
	EmailVerified     bool
	Groups            []string
	PreferredUsername string
}

// usernameResolver is the identity Provider's reverse lookup (spec §4.4's
// UsernameForSSOCredential) that Reconcile uses to resolve a LoginResponse's
// email for the given SSO provider name to a local username. Only the email
// is looked up; PreferredUsername is not used as a fallback.
type usernameResolver interface {
	UsernameForSSOCredential(ctx context.Context, provider, email string) (string, error)
}

type roleSyncer interface {
	ApplySSORoleMappings(ctx context.Context, username string, managedRoles []string, assignedRoles []string) error
}

// Reconcile resolves resp to a local username and, if roleMappings maps any
// of resp's groups to a managed role, syncs that user's role assignments.
// roleMappings is a caller-supplied group-name -> role-name table (spec §6
// names per-provider role mappings as configuration, not a fixed scheme).
func Reconcile(ctx context.Context, p interface {
	usernameResolver
	roleSyncer
}, provider string, resp LoginResponse, roleMappings map[string]string) (string, error) {
	username, err := p.UsernameForSSOCredential(ctx, provider, resp.Email)
	if err != nil {
		return "", err
	}

	if len(roleMappings) == 0 {
		return username, nil
	}

	managed := make([]string, 0, len(roleMappings))
	seen := map[string]bool{}
	for _, r := range roleMappings {
		if !seen[r] {
			seen[r] = true
			managed = append(managed, r)
		}
	}

	assigned := make([]string, 0, len(resp.Groups))
	for _, g := range resp.Groups {
		if role, ok := roleMappings[g]; ok {
			assigned = append(assigned, role)
		}
	}

	if err := p.ApplySSORoleMappings(ctx, username, managed, assigned); err != nil {
		return "", err
	}
	return username, nil
}
