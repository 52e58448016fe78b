package auth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// VerifyTOTP checks a 6-digit time-based code against a Base32 secret,
// accepting windowSteps 30-second steps of clock skew in either direction.
// Malformed secrets and codes report false, never an error: validity is the
// result.
func VerifyTOTP(secret, code string, windowSteps uint) bool {
	return VerifyTOTPAt(secret, code, time.Now(), windowSteps)
}

// VerifyTOTPAt is VerifyTOTP evaluated at an explicit instant
func VerifyTOTPAt(secret, code string, at time.Time, windowSteps uint) bool {
	valid, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      windowSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}
