// Package auth owns the shared bearer token and the ordered fallback of
// authentication strategies used for every tool invocation.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRefreshAfter is the token age at which a refresh is due
const DefaultRefreshAfter = 50 * time.Minute

// expirySkew refreshes a JWT this long before its exp claim
const expirySkew = 2 * time.Minute

// Token is an opaque bearer value with its acquisition time
type Token struct {
	Value        string
	AcquiredAt   time.Time
	RefreshAfter time.Duration
	ExpiresAt    time.Time // zero unless the value is a JWT with exp
}

// Age returns how long ago the token was acquired
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(t.AcquiredAt)
}

// Stale reports whether the token should be refreshed before use
func (t Token) Stale(now time.Time) bool {
	if t.Value == "" {
		return true
	}
	if t.Age(now) >= t.RefreshAfter {
		return true
	}
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt.Add(-expirySkew))
}

// jwtExpiry reads the exp claim without verifying the signature; the
// tool validates the token, only its lifetime matters here.
func jwtExpiry(value string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
