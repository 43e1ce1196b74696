// Package transport performs the HTTP calls to the identity service and
// normalizes their outcomes into a discriminated success/error result.
package transport

import (
	"context"

	"github.com/quayside/go-auth-session/session"
)

// MFAChallenge is returned when a sign-in halts pending a second factor.
// The ticket links the partially-completed sign-in to its TOTP challenge and
// is consumed exactly once.
type MFAChallenge struct {
	Ticket string `json:"ticket"`
}

// SignInResult is the outcome of a credential sign-in: either a full session
// or an MFA challenge, never both.
type SignInResult struct {
	Session *session.Persisted
	MFA     *MFAChallenge
}

// SignUpOptions carries the optional profile fields accepted at registration.
type SignUpOptions struct {
	DisplayName string   `json:"displayName,omitempty"`
	Locale      string   `json:"locale,omitempty"`
	DefaultRole string   `json:"defaultRole,omitempty"`
	Roles       []string `json:"allowedRoles,omitempty"`
	RedirectTo  string   `json:"redirectTo,omitempty"`
}

// ElevationMethod selects the step-up verification mechanism.
type ElevationMethod string

const (
	ElevateEmail       ElevationMethod = "email"
	ElevateSecurityKey ElevationMethod = "webauthn"
)

// Client talks to the identity service. One method per remote operation; all
// methods return either a payload or an *Error, never both. Sessions come
// back in their wire form (relative expiry); the caller anchors them against
// its own clock.
//
// Every call honors the context deadline; exceeding it surfaces as a
// KindNetwork error rather than hanging.
type Client interface {
	SignInEmailPassword(ctx context.Context, email, password string) (*SignInResult, *Error)
	SignInPAT(ctx context.Context, personalAccessToken string) (*session.Persisted, *Error)
	SignInMfaTotp(ctx context.Context, ticket, otp string) (*session.Persisted, *Error)

	// SignUpEmailPassword returns a nil session (and nil error) when the
	// account was created but needs email verification before sign-in.
	SignUpEmailPassword(ctx context.Context, email, password string, options *SignUpOptions) (*session.Persisted, *Error)

	RefreshToken(ctx context.Context, refreshToken string) (*session.Persisted, *Error)

	// SignOut revokes the refresh token server-side. all revokes every
	// session of the user, not just the current one.
	SignOut(ctx context.Context, accessToken, refreshToken string, all bool) *Error

	// Elevate performs step-up authentication for the signed-in user and
	// returns the elevated session.
	Elevate(ctx context.Context, accessToken string, method ElevationMethod) (*session.Persisted, *Error)

	SendVerificationEmail(ctx context.Context, email string) *Error
	ChangeEmail(ctx context.Context, accessToken, newEmail string) *Error
	ChangePassword(ctx context.Context, accessToken, newPassword string) *Error
}
