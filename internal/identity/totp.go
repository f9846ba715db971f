package identity

import (
	"time"

	"github.com/pquerna/otp/totp"
)

// verifyTOTPCode checks the current 30s window plus +-1 step drift, per
// spec §4.3.
func verifyTOTPCode(secret, code string, at time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, _ := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    6,
		Algorithm: totp.AlgorithmSHA1,
	})
	return ok
}
