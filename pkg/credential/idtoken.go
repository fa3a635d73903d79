package credential

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of OpenID Connect id_token claims the CLI reports.
type Claims struct {
	Subject           string
	Email             string
	PreferredUsername string
	Expiry            time.Time
}

// ParseIDToken decodes raw without verifying its signature. The
// provisioning backend verifies the token; the client only needs its
// claims for display and expiry checks.
func ParseIDToken(raw string) (Claims, error) {
	var m jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &m); err != nil {
		return Claims{}, fmt.Errorf("parse id token: %w", err)
	}
	var c Claims
	c.Subject, _ = m.GetSubject()
	c.Email, _ = m["email"].(string)
	c.PreferredUsername, _ = m["preferred_username"].(string)
	exp, err := m.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("id token expiry: %w", err)
	}
	if exp != nil {
		c.Expiry = exp.Time
	}
	return c, nil
}

// Expiry returns the exp claim of raw. Opaque tokens and tokens without an
// exp claim yield a zero time and false.
func Expiry(raw string) (time.Time, bool) {
	c, err := ParseIDToken(raw)
	if err != nil || c.Expiry.IsZero() {
		return time.Time{}, false
	}
	return c.Expiry, true
}

// Expired reports whether raw is a JWT whose exp claim is at or before now.
// Opaque tokens are never reported as expired.
func Expired(raw string, now time.Time) bool {
	exp, ok := Expiry(raw)
	return ok && !now.Before(exp)
}
