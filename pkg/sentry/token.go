package sentry

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier authenticates approvers on the approval API. Tokens are
// HMAC-signed JWTs carrying the approver identity in the subject claim.
type TokenVerifier struct {
	secret []byte
	clock  func() time.Time
}

// NewTokenVerifier builds a verifier over a shared HMAC secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *TokenVerifier) WithClock(clock func() time.Time) *TokenVerifier {
	v.clock = clock
	return v
}

// Verify parses and validates the token, returning the approver identity.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("sentry: invalid approver token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("sentry: approver token has no subject")
	}
	return sub, nil
}

// Issue mints a short-lived approver token. Used by the CLI and tests.
func (v *TokenVerifier) Issue(approver string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := jwt.RegisteredClaims{
		Subject:   approver,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
