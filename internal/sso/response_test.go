package sso

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	usernameFor map[string]string
	syncedUser  string
	managed     []string
	assigned    []string
}

func (f *fakeProvider) UsernameForSSOCredential(ctx context.Context, provider, email string) (string, error) {
	return f.usernameFor[email], nil
}

func (f *fakeProvider) ApplySSORoleMappings(ctx context.Context, username string, managedRoles, assignedRoles []string) error {
	f.syncedUser = username
	f.managed = managedRoles
	f.assigned = assignedRoles
	return nil
}

func TestReconcileResolvesUsername(t *testing.T) {
	p := &fakeProvider{usernameFor: map[string]string{"alice@example.com": "alice"}}
	username, err := Reconcile(context.Background(), p, "okta", LoginResponse{Email: "alice@example.com"}, nil)
	require.NoError(t, err)
	require.Equal(t, "alice", username)
	require.Empty(t, p.syncedUser, "no role mappings configured, role sync must be skipped")
}

func TestReconcileSyncsMappedRoles(t *testing.T) {
	p := &fakeProvider{usernameFor: map[string]string{"alice@example.com": "alice"}}
	resp := LoginResponse{Email: "alice@example.com", Groups: []string{"eng", "finance"}}
	mappings := map[string]string{"eng": "engineers", "ops": "operators"}

	username, err := Reconcile(context.Background(), p, "okta", resp, mappings)
	require.NoError(t, err)
	require.Equal(t, "alice", username)
	require.Equal(t, "alice", p.syncedUser)
	require.ElementsMatch(t, []string{"engineers", "operators"}, p.managed)
	require.Equal(t, []string{"engineers"}, p.assigned)
}
