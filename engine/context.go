package engine

import (
	"time"

	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/transport"
)

// Category partitions the error registry by operation family, so a failure
// in one flow never bleeds into another's reported error.
type Category string

const (
	CategoryRegistration   Category = "registration"
	CategoryAuthentication Category = "authentication"
	CategorySignOut        Category = "signout"
	CategoryElevation      Category = "elevation"
)

// refreshBookkeeping tracks consecutive refresh failures for backoff. It is
// never persisted and resets to zero on every successful refresh.
type refreshBookkeeping struct {
	startedAt     time.Time
	attempts      int
	lastAttemptAt time.Time
}

// authContext is the state machine's working memory. It is owned exclusively
// by the engine's run loop; nothing outside the loop reads or writes it.
type authContext struct {
	sess           *session.Session
	mfaTicket      string
	refreshTimer   refreshBookkeeping
	importAttempts int
	errs           map[Category]*transport.Error
}

func newAuthContext() authContext {
	return authContext{errs: make(map[Category]*transport.Error)}
}

// setError records the latest error for a category; a nil err clears it.
func (c *authContext) setError(cat Category, err *transport.Error) {
	if err == nil {
		delete(c.errs, cat)
		return
	}
	c.errs[cat] = err
}

func (c *authContext) lastError(cat Category) *transport.Error {
	return c.errs[cat]
}

// clearSession drops the session and all session-scoped bookkeeping. The
// error registry survives so the failure that caused a sign-out remains
// inspectable.
func (c *authContext) clearSession() {
	c.sess = nil
	c.mfaTicket = ""
	c.refreshTimer = refreshBookkeeping{}
	c.importAttempts = 0
}
