// Package session defines the authenticated identity bundle issued by the
// identity service and the serialized form used to persist it between runs.
package session

import (
	"time"
)

// User is the denormalized profile snapshot returned alongside tokens.
// It can go stale after profile edits and is only re-synchronized on the
// next token refresh.
type User struct {
	ID            string            `json:"id"`                      // Unique user identifier
	DisplayName   string            `json:"displayName,omitempty"`   // Human readable name
	Email         string            `json:"email,omitempty"`         // Primary email address
	AvatarURL     string            `json:"avatarUrl,omitempty"`     // Profile picture URL
	Locale        string            `json:"locale,omitempty"`        // Two-letter locale
	DefaultRole   string            `json:"defaultRole,omitempty"`   // Role assumed when none is requested
	Roles         []string          `json:"roles,omitempty"`         // All roles granted to the user
	EmailVerified bool              `json:"emailVerified"`           // Whether the email has been verified
	Metadata      map[string]string `json:"metadata,omitempty"`      // Free-form profile metadata
}

// Session holds the tokens and user snapshot for one authenticated session.
//
// AccessTokenExpiresAt is derived from the server-declared TTL at issuance
// time. The access token itself is opaque to this library: its internals
// belong to the identity service and are never decoded here.
type Session struct {
	AccessToken          string    // Short-lived bearer token
	AccessTokenExpiresAt time.Time // Absolute expiry, computed from the TTL at issuance
	RefreshToken         string    // Long-lived token exchanged for new sessions
	PersonalAccessToken  bool      // True when RefreshToken is a non-rotating PAT
	User                 *User     // Profile snapshot returned with the tokens
}

// ValidAt reports whether the session can authorize API calls at the given
// instant: both the access token and the user must be present and the access
// token must not have expired.
func (s *Session) ValidAt(now time.Time) bool {
	if s == nil || s.AccessToken == "" || s.User == nil {
		return false
	}
	return s.AccessTokenExpiresAt.After(now)
}

// Recoverable reports whether the session still carries a refresh token and
// can therefore be exchanged for a fresh access token, even if the current
// access token has already expired.
func (s *Session) Recoverable() bool {
	return s != nil && s.RefreshToken != ""
}

// Clone returns a deep copy so callers can never mutate the engine's
// working state through a returned session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.User != nil {
		user := *s.User
		user.Roles = append([]string(nil), s.User.Roles...)
		if s.User.Metadata != nil {
			user.Metadata = make(map[string]string, len(s.User.Metadata))
			for k, v := range s.User.Metadata {
				user.Metadata[k] = v
			}
		}
		out.User = &user
	}
	return &out
}

// Persisted is the serialized subset of a Session written to a session store.
// The expiry is stored as relative seconds rather than an absolute timestamp
// so that clock differences between the writer and a later reader do not
// compound; the absolute time is reconstituted at load time.
type Persisted struct {
	AccessToken          string `json:"accessToken"`
	AccessTokenExpiresIn int64  `json:"accessTokenExpiresIn"` // Seconds remaining at save time
	RefreshToken         string `json:"refreshToken,omitempty"`
	PersonalAccessToken  bool   `json:"isPersonalAccessToken,omitempty"`
	User                 *User  `json:"user,omitempty"`
}

// Persist converts the session to its storable form, expressing the access
// token expiry relative to now. An already-expired token persists with a
// zero TTL rather than a negative one.
func (s *Session) Persist(now time.Time) *Persisted {
	if s == nil {
		return nil
	}
	expiresIn := int64(s.AccessTokenExpiresAt.Sub(now) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &Persisted{
		AccessToken:          s.AccessToken,
		AccessTokenExpiresIn: expiresIn,
		RefreshToken:         s.RefreshToken,
		PersonalAccessToken:  s.PersonalAccessToken,
		User:                 s.Clone().User,
	}
}

// Restore reconstitutes a Session from its persisted form, anchoring the
// relative expiry against the reader's clock.
func (p *Persisted) Restore(now time.Time) *Session {
	if p == nil {
		return nil
	}
	s := &Session{
		AccessToken:          p.AccessToken,
		AccessTokenExpiresAt: now.Add(time.Duration(p.AccessTokenExpiresIn) * time.Second),
		RefreshToken:         p.RefreshToken,
		PersonalAccessToken:  p.PersonalAccessToken,
		User:                 p.User,
	}
	return s.Clone()
}
