package authn

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/warp-tech/warpgate/internal/identity"
)

func totpCodeAt(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: totp.AlgorithmSHA1,
	})
}

type fakeProvider struct {
	identity.Provider
	user *identity.User
}

func (f *fakeProvider) GetUser(ctx context.Context, username string) (*identity.User, error) {
	if f.user == nil || f.user.Username != username {
		return nil, errNotFound
	}
	return f.user, nil
}

func (f *fakeProvider) GetCredentialPolicy(ctx context.Context, username string) (*identity.Policy, error) {
	if f.user.Policy != nil {
		return f.user.Policy, nil
	}
	return &identity.Policy{}, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func TestAnySingleCredentialPolicyAccepts(t *testing.T) {
	user := &identity.User{
		Username: "alice",
		Credentials: []identity.Credential{
			{Kind: identity.KindPassword},
			{Kind: identity.KindTotp},
		},
	}
	p := &fakeProvider{user: user}
	st, err := NewState(p, "alice", identity.ProtocolSSH, time.Now)
	require.NoError(t, err)

	verdict, err := st.AddCredential(context.Background(), identity.KindPassword)
	require.NoError(t, err)
	require.Equal(t, VerdictAccepted, verdict)
}

func TestAllCredentialsPolicyNeedsMore(t *testing.T) {
	user := &identity.User{
		Username: "alice",
		Policy: &identity.Policy{
			Default: []identity.CredentialKind{identity.KindPassword, identity.KindTotp},
		},
		Credentials: []identity.Credential{
			{Kind: identity.KindPassword},
			{Kind: identity.KindTotp},
		},
	}
	p := &fakeProvider{user: user}
	st, err := NewState(p, "alice", identity.ProtocolSSH, time.Now)
	require.NoError(t, err)

	verdict, err := st.AddCredential(context.Background(), identity.KindPassword)
	require.NoError(t, err)
	require.Equal(t, VerdictNeedMore, verdict)
	require.Contains(t, st.NeedKinds(), identity.KindTotp)

	verdict, err = st.AddCredential(context.Background(), identity.KindTotp)
	require.NoError(t, err)
	require.Equal(t, VerdictAccepted, verdict)
}

func TestUnknownUserIsRejected(t *testing.T) {
	p := &fakeProvider{user: &identity.User{Username: "alice"}}
	st, err := NewState(p, "mallory", identity.ProtocolSSH, time.Now)
	require.NoError(t, err)

	verdict, err := st.AddCredential(context.Background(), identity.KindPassword)
	require.NoError(t, err)
	require.Equal(t, VerdictRejected, verdict)
}

func TestPolicyRequiringUnpossessedKindIsRejected(t *testing.T) {
	user := &identity.User{
		Username:    "alice",
		Policy:      &identity.Policy{Default: []identity.CredentialKind{identity.KindCertificate}},
		Credentials: []identity.Credential{{Kind: identity.KindPassword}},
	}
	p := &fakeProvider{user: user}
	st, err := NewState(p, "alice", identity.ProtocolSSH, time.Now)
	require.NoError(t, err)

	verdict, err := st.AddCredential(context.Background(), identity.KindPassword)
	require.NoError(t, err)
	require.Equal(t, VerdictRejected, verdict)
}

func TestParseSelectorTicketVsPlain(t *testing.T) {
	s := ParseSelector("alice:t1")
	require.False(t, s.IsTicket)
	require.Equal(t, "alice", s.Username)
	require.Equal(t, "t1", s.TargetName)

	s = ParseSelector("xyz")
	require.True(t, s.IsTicket)
	require.Equal(t, "xyz", s.Secret)
}

func TestVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	require.True(t, VerifyPassword(hash, "pw"))
	require.False(t, VerifyPassword(hash, "wrong"))
}

func TestVerifyTOTPWindow(t *testing.T) {
	// A fixed RFC 6238 test secret/time pair.
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	now := time.Unix(59, 0).UTC()
	code, err := totpCodeAt(secret, now)
	require.NoError(t, err)
	require.True(t, VerifyTOTP(secret, code, now))
	require.False(t, VerifyTOTP(secret, "000000", now.Add(time.Hour)))
}
