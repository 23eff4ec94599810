// Package auth validates websocket client credentials.
package auth

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/MarkSong535/canvas-ai/internal/config"
)

// Verifier checks a shared password plus a time-based one-time code.
// Callers only learn pass/fail; the reason for a rejection is never
// distinguished so the handshake cannot be used as an oracle.
type Verifier struct {
	password     string
	totpSecret   string
	totpDisabled bool
	period       uint
	skew         uint
}

// NewVerifier builds a verifier from the configured secrets.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{
		password:     cfg.Password,
		totpSecret:   cfg.TOTPSecret,
		totpDisabled: cfg.TOTPDisabled,
		period:       cfg.TOTPPeriod,
		skew:         cfg.TOTPSkew,
	}
}

// Verify reports whether the supplied credentials are valid at now.
// The password comparison is constant time and the TOTP check tolerates
// the configured skew in adjacent time steps.
func (v *Verifier) Verify(password, code string, now time.Time) bool {
	if v.password == "" {
		return false
	}

	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(v.password)) == 1

	// Evaluate the code even when the password is wrong so the two
	// rejection paths take comparable time.
	codeOK := v.verifyCode(code, now)

	return passwordOK && codeOK
}

func (v *Verifier) verifyCode(code string, now time.Time) bool {
	if v.totpDisabled {
		return true
	}
	code = strings.TrimSpace(code)
	if code == "" || v.totpSecret == "" {
		return false
	}

	valid, err := totp.ValidateCustom(code, v.totpSecret, now, totp.ValidateOpts{
		Period:    v.period,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}
