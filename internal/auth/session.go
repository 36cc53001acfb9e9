// Package auth provides the authenticated session used by the sync engine.
//
// A Provider knows how to obtain the current session from the identity
// service. Cache sits in front of it, memoizing the result for a short time
// and coalescing concurrent lookups into a single fetch.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRefreshToken is returned when the identity service rejects
	// the stored refresh token. The only recovery is signing in again.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrInvalidCredentials is returned when a password sign-in is rejected.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrUnauthorized is returned when a request is rejected for lack of
	// valid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotSupported is returned by Cache.SignIn when the provider cannot
	// sign in with a password.
	ErrNotSupported = errors.New("operation not supported by provider")
)

// AuthError is returned by providers when talking to the identity service
// fails.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Session is an authenticated user session.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// SignOutScope selects what SignOut revokes.
type SignOutScope int

const (
	// ScopeLocal removes the credentials stored on this device only.
	ScopeLocal SignOutScope = iota
	// ScopeGlobal also revokes the refresh token on the server.
	ScopeGlobal
)

func (s SignOutScope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeGlobal:
		return "global"
	default:
		return fmt.Sprintf("SignOutScope(%d)", int(s))
	}
}

// Provider fetches and discards sessions.
type Provider interface {
	// FetchSession returns the current session, or nil when signed out.
	FetchSession(ctx context.Context) (*Session, error)
	// SignOut discards the stored credentials.
	SignOut(ctx context.Context, scope SignOutScope) error
}

// PasswordSigner is implemented by providers that can sign in with an email
// and password.
type PasswordSigner interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
}
