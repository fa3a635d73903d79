// Package credential obtains the identity token that authorises calls to
// the provisioning backend.
//
// A Source is the only contract the engine depends on. StaticSource wraps
// a token obtained elsewhere, BrowserSource runs an OAuth2 authorization
// code flow with PKCE against an OpenID Connect provider, and CachedSource
// keeps a token on disk between runs.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultSkew is subtracted from a token's expiry when deciding whether it
// is still usable.
const DefaultSkew = 30 * time.Second

// ErrNoIDToken is returned when a token response does not carry an
// id_token.
var ErrNoIDToken = errors.New("credential: token response has no id_token")

// Token is an identity token and its expiry. A zero Expiry means the
// expiry is unknown.
type Token struct {
	IDToken string    `json:"id_token"`
	Expiry  time.Time `json:"expiry,omitempty"`
}

// Valid reports whether t is non-empty and not expired at now, allowing
// for skew.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if strings.TrimSpace(t.IDToken) == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.Expiry)
}

// Source produces identity tokens.
type Source interface {
	Token(ctx context.Context) (Token, error)
}

// Invalidator is implemented by sources that can drop a token the backend
// rejected, so the next Token call obtains a fresh one.
type Invalidator interface {
	Invalidate() error
}

// StaticSource always returns the same token.
type StaticSource struct {
	token Token
}

// NewStaticSource wraps raw. The expiry is read from the token when it is
// a JWT.
func NewStaticSource(raw string) *StaticSource {
	raw = strings.TrimSpace(raw)
	exp, _ := Expiry(raw)
	return &StaticSource{token: Token{IDToken: raw, Expiry: exp}}
}

func (s *StaticSource) Token(ctx context.Context) (Token, error) {
	if s.token.IDToken == "" {
		return Token{}, errors.New("credential: static token is empty")
	}
	return s.token, nil
}
