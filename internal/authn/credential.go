// Package authn implements the auth state machine (C3): credential
// aggregation, policy evaluation, and out-of-band web approval, independent
// of which wire protocol is driving it.
package authn

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp-tech/warpgate/internal/identity"
)

// HashPassword produces a one-way, per-credential-salted hash, satisfying
// data-model invariant 4 (no reversible storage path).
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(hash), nil
}

// VerifyPassword is constant-time on the hash-comparison path per spec §4.3.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// VerifyTOTP checks the current 30s window plus +-1 step drift.
func VerifyTOTP(secret, code string, at time.Time) bool {
	ok, _ := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: totp.AlgorithmSHA1,
	})
	return ok
}

// NormalizePublicKey trims surrounding whitespace from an
// "{algo} {base64(key)}" string so such strings can be compared verbatim.
func NormalizePublicKey(s string) string {
	return strings.TrimSpace(s)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MatchSSO implements "stored provider = empty acts as wildcard".
func MatchSSO(storedProvider, storedEmail, presentedProvider, presentedEmail string) bool {
	if storedEmail != presentedEmail {
		return false
	}
	return storedProvider == "" || storedProvider == presentedProvider
}

// VerifyAPIToken reports whether secret matches and expiry, if set, is
// strictly in the future.
func VerifyAPIToken(stored identity.Credential, secret string, now time.Time) bool {
	if !constantTimeEqual(stored.TokenSecret, secret) {
		return false
	}
	if stored.TokenExpiry != nil && !now.Before(*stored.TokenExpiry) {
		return false
	}
	return true
}
