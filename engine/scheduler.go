package engine

import (
	"context"
	"time"

	"github.com/quayside/go-auth-session/internal/backoff"
	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/transport"
)

// refreshDelay computes how long to wait before the next scheduled refresh
// of the current session: 90% of the remaining token lifetime, but never
// closer to expiry than the refresh margin, optionally capped by a fixed
// refresh interval. A non-positive result means refresh now.
func (e *Engine) refreshDelay() time.Duration {
	remaining := e.authCtx.sess.AccessTokenExpiresAt.Sub(e.clk.Now())
	delay := time.Duration(float64(remaining) * refreshFraction)
	if floor := remaining - e.refreshMargin; floor < delay {
		delay = floor
	}
	if e.refreshInterval > 0 && e.refreshInterval < delay {
		delay = e.refreshInterval
	}
	return delay
}

func (e *Engine) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// armRefreshTimer schedules the next refresh from the current session's
// expiry. The previous timer is always cancelled first; the engine owns at
// most one scheduled wake-up at a time.
func (e *Engine) armRefreshTimer() {
	e.cancelTimer()
	if !e.autoRefresh || e.authCtx.sess == nil {
		return
	}
	delay := e.refreshDelay()
	if delay <= 0 {
		// Typically a resumed host whose token aged out while suspended.
		e.post(e.onRefreshDue)
		return
	}
	e.logger.Debug().Dur("delay", delay).Msg("refresh scheduled")
	e.timer = e.clk.AfterFunc(delay, func() {
		e.post(e.onRefreshDue)
	})
}

// armRetryTimer schedules a refresh retry after a failed attempt, using the
// exponential backoff curve.
func (e *Engine) armRetryTimer(attempt int) {
	e.cancelTimer()
	if !e.autoRefresh {
		return
	}
	delay := backoff.Jittered(attempt, e.rng)
	e.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("refresh retry scheduled")
	e.timer = e.clk.AfterFunc(delay, func() {
		e.post(e.onRefreshDue)
	})
}

// onRefreshDue runs on the loop when a scheduled refresh or retry fires.
func (e *Engine) onRefreshDue() {
	switch e.state.(type) {
	case SignedIn:
	case Authenticating:
		// Import retries are driven by their own resume closure.
		return
	default:
		return
	}
	if e.pending != nil {
		if e.pending.kind == opRefresh || e.pending.kind == opImport {
			return
		}
		// Another operation holds the machine; look again after it settles
		// from whatever expiry it leaves behind.
		e.armRefreshTimer()
		return
	}
	// A sibling refreshed moments ago; don't race it for the rotating
	// refresh token. Wait out the rest of the suppression window instead.
	if !e.lastAdopted.IsZero() {
		since := e.clk.Now().Sub(e.lastAdopted)
		if since < adoptionSuppressionWindow && e.authCtx.sess.ValidAt(e.clk.Now()) {
			e.logger.Debug().Msg("refresh suppressed: session freshly adopted from sibling")
			e.cancelTimer()
			e.timer = e.clk.AfterFunc(adoptionSuppressionWindow-since, func() {
				e.post(e.onRefreshDue)
			})
			return
		}
	}
	e.startRefresh(nil)
}

func (e *Engine) handleRefresh(reply chan<- callReply, force bool) {
	switch s := e.state.(type) {
	case SignedIn:
		if s.Phase == PhaseElevating {
			replyErr(reply, OperationInFlightErr)
			return
		}
	case Authenticating:
		if s.Import {
			if e.pending != nil && e.pending.kind == opImport {
				// Ride along on the startup import; it is the same exchange.
				e.pending.waiters = append(e.pending.waiters, reply)
				return
			}
			if e.pending == nil {
				// Import is waiting out a backoff delay; the explicit
				// request retries it now.
				e.cancelTimer()
				e.startImport(reply)
				return
			}
		}
		replyErr(reply, OperationInFlightErr)
		return
	default:
		replyErr(reply, NotSignedInErr)
		return
	}

	if e.pending != nil && e.pending.kind == opRefresh {
		e.pending.waiters = append(e.pending.waiters, reply)
		return
	}
	if e.pending != nil {
		replyErr(reply, OperationInFlightErr)
		return
	}

	if !force {
		now := e.clk.Now()
		if e.authCtx.sess.ValidAt(now) && e.authCtx.sess.AccessTokenExpiresAt.Sub(now) > e.refreshMargin {
			reply1(reply, &AuthResult{Session: e.authCtx.sess.Clone()})
			return
		}
	}
	e.startRefresh(reply)
}

// startRefresh begins the token exchange for the current session. waiter may
// be nil for scheduler-driven refreshes.
func (e *Engine) startRefresh(waiter chan<- callReply) {
	now := e.clk.Now()
	if e.authCtx.refreshTimer.attempts == 0 {
		e.authCtx.refreshTimer.startedAt = now
	}
	e.authCtx.refreshTimer.lastAttemptAt = now

	e.state = SignedIn{Phase: PhaseRefreshing}
	op := e.begin(opRefresh, waiter)
	refreshToken := e.authCtx.sess.RefreshToken
	go func(seq uint64) {
		blob, terr := e.client.RefreshToken(context.Background(), refreshToken)
		e.afterCall(seq, func() {
			e.finishRefresh(op, blob, terr)
		})
	}(op.seq)
}

func (e *Engine) finishRefresh(op *pendingOp, blob *session.Persisted, terr *transport.Error) {
	if terr == nil && !usableBlob(blob) {
		terr = transport.MalformedResponseError("token exchange succeeded without a session payload")
	}
	if terr == nil {
		e.metrics.Refresh("success")
		e.adoptSession(blob.Restore(e.clk.Now()), PhaseStable)
		e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone()}, nil)
		return
	}

	if terr.InvalidatesSession() {
		e.metrics.Refresh("invalidated")
		e.forceSignOut(terr)
		e.settle(op, &AuthResult{Error: terr}, nil)
		return
	}

	// Anything else leaves the session in place. Network failures and other
	// rejections share the backoff schedule so a near-expiry token can never
	// spin the loop hot.
	if terr.Retryable() {
		e.metrics.Refresh("network_failure")
	} else {
		e.metrics.Refresh("rejected")
		e.authCtx.setError(CategoryAuthentication, terr)
	}
	e.authCtx.refreshTimer.attempts++
	e.authCtx.refreshTimer.lastAttemptAt = e.clk.Now()
	e.state = SignedIn{Phase: PhaseStable}
	e.armRetryTimer(e.authCtx.refreshTimer.attempts)
	e.logger.Warn().Int("attempt", e.authCtx.refreshTimer.attempts).Str("slug", terr.Slug).
		Msg("refresh failed, session retained")
	e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone(), Error: terr}, nil)
}

// startImport attempts the silent refresh of a session restored from the
// store at startup. The machine is already in Authenticating{Import: true}
// and the stale-but-recoverable session sits in the context. waiter may be
// nil for the automatic startup attempt.
func (e *Engine) startImport(waiter chan<- callReply) {
	op := e.begin(opImport, waiter)
	refreshToken := e.authCtx.sess.RefreshToken
	go func(seq uint64) {
		blob, terr := e.client.RefreshToken(context.Background(), refreshToken)
		e.afterCall(seq, func() {
			e.finishImport(op, blob, terr)
		})
	}(op.seq)
}

func (e *Engine) finishImport(op *pendingOp, blob *session.Persisted, terr *transport.Error) {
	if terr == nil && !usableBlob(blob) {
		// A service bug, not proof the stored session is dead: end signed
		// out for this run but leave the blob for the next one.
		terr = transport.MalformedResponseError("token exchange succeeded without a session payload")
		e.metrics.Import("rejected")
		e.authCtx.clearSession()
		e.authCtx.setError(CategoryAuthentication, terr)
		e.state = SignedOut{}
		e.settle(op, &AuthResult{Error: terr}, nil)
		return
	}
	if terr == nil {
		e.metrics.Import("success")
		e.adoptSession(blob.Restore(e.clk.Now()), PhaseStable)
		e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone()}, nil)
		return
	}

	if terr.Retryable() {
		e.metrics.Import("network_failure")
		e.authCtx.importAttempts++
		if e.authCtx.importAttempts >= backoff.MaxImportAttempts {
			// Cannot tell a dead session from a dead network; give up for
			// this run but leave the blob for the next one.
			e.metrics.Import("gave_up")
			e.authCtx.clearSession()
			e.authCtx.setError(CategoryAuthentication, terr)
			e.state = SignedOut{}
			e.settle(op, &AuthResult{Error: terr}, nil)
			return
		}
		attempt := e.authCtx.importAttempts
		delay := backoff.Jittered(attempt, e.rng)
		e.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("session import retry scheduled")
		e.cancelTimer()
		e.timer = e.clk.AfterFunc(delay, func() {
			e.post(e.resumeImport)
		})
		e.settle(op, &AuthResult{Error: terr}, nil)
		return
	}

	// The service rejected the stored refresh token: this session is gone.
	e.metrics.Import("rejected")
	e.forceSignOut(terr)
	e.settle(op, &AuthResult{Error: terr}, nil)
}

func (e *Engine) resumeImport() {
	s, ok := e.state.(Authenticating)
	if !ok || !s.Import || e.pending != nil {
		return
	}
	e.startImport(nil)
}

// supersedeImport abandons a retrying startup import because the user
// supplied explicit credentials.
func (e *Engine) supersedeImport() {
	e.cancelTimer()
	e.pending = nil
	e.authCtx.clearSession()
}
