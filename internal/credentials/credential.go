// Package credentials owns the pool of vendor accounts the gateway signs
// requests with.
//
// A Pool hands out enabled credentials in round-robin order, re-authenticates
// a credential when the backend rejects its session, and persists the full
// pool to a Store after every mutation so restarts never lose a refreshed
// session.
package credentials

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCredentialAvailable is returned by Acquire when no credential is
	// enabled. Selection never blocks waiting for one.
	ErrNoCredentialAvailable = errors.New("credentials: no credential available")

	// ErrAuthenticationFailed is returned when a login or refresh is rejected.
	ErrAuthenticationFailed = errors.New("credentials: authentication failed")

	// ErrNotFound is returned for operations on an unknown identifier.
	ErrNotFound = errors.New("credentials: credential not found")
)

// Credential is one vendor account plus its current session.
type Credential struct {
	Identifier    string `json:"identifier" yaml:"identifier" toml:"identifier"`
	Secret        string `json:"secret" yaml:"secret" toml:"secret"`
	SessionToken  string `json:"session_token,omitempty" yaml:"session_token,omitempty" toml:"session_token,omitempty"`
	SessionCookie string `json:"session_cookie,omitempty" yaml:"session_cookie,omitempty" toml:"session_cookie,omitempty"`
	// ExpiresAt is a unix timestamp in seconds; zero means unknown.
	ExpiresAt int64 `json:"expires_at,omitempty" yaml:"expires_at,omitempty" toml:"expires_at,omitempty"`
	Enabled   bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Expired reports whether the session expiry has passed at now.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

// Session is the outcome of a successful login.
type Session struct {
	Token     string
	Cookie    string
	ExpiresAt int64
}

// Authenticator performs a vendor login with an identifier and secret.
type Authenticator interface {
	Login(ctx context.Context, identifier, secret string) (Session, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, identifier, secret string) (Session, error)

func (f AuthenticatorFunc) Login(ctx context.Context, identifier, secret string) (Session, error) {
	return f(ctx, identifier, secret)
}

// State is the persisted form of the pool.
type State struct {
	Credentials   []Credential      `json:"credentials" yaml:"credentials" toml:"credentials"`
	CommonCookies map[string]string `json:"common_cookies,omitempty" yaml:"common_cookies,omitempty" toml:"common_cookies,omitempty"`
}

// Store loads and saves pool state. Save must replace the stored state
// atomically: a reader sees either the old or the new state, never a mix.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}
