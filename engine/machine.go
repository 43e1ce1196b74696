package engine

import (
	"context"

	"github.com/quayside/go-auth-session/broadcast"
	"github.com/quayside/go-auth-session/internal/validate"
	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/transport"
)

// opKind tags the in-flight network operation so late completions and
// coalescing can tell operations apart.
type opKind int

const (
	opSignIn opKind = iota
	opSignUp
	opImport
	opRefresh
	opElevate
	opSignOut
)

// pendingOp is the single network-mutating operation allowed in flight. Its
// sequence number gates completion delivery: a completion whose sequence no
// longer matches the pending operation is stale and dropped.
type pendingOp struct {
	seq     uint64
	kind    opKind
	waiters []chan<- callReply
}

func (e *Engine) begin(kind opKind, waiter chan<- callReply) *pendingOp {
	e.seq++
	op := &pendingOp{seq: e.seq, kind: kind}
	if waiter != nil {
		op.waiters = append(op.waiters, waiter)
	}
	e.pending = op
	return op
}

// settle replies to every waiter of op and retires it if still pending.
func (e *Engine) settle(op *pendingOp, res *AuthResult, err error) {
	for _, w := range op.waiters {
		w <- callReply{result: res, err: err}
	}
	op.waiters = nil
	if e.pending == op {
		e.pending = nil
	}
}

// afterCall posts a completion for the operation with the given sequence
// number; it is silently dropped if that operation has been superseded.
func (e *Engine) afterCall(seq uint64, apply func()) {
	e.post(func() {
		if e.pending == nil || e.pending.seq != seq {
			e.logger.Debug().Uint64("seq", seq).Msg("dropping stale operation completion")
			return
		}
		apply()
	})
}

func reply1(reply chan<- callReply, res *AuthResult) {
	reply <- callReply{result: res}
}

func replyErr(reply chan<- callReply, err error) {
	reply <- callReply{err: err}
}

type signInRequest struct {
	method   string // email-password | pat
	email    string
	password string
	pat      string
}

// handleSignIn runs credential sign-in. Allowed while signed out, while a
// startup import is still retrying (the explicit credentials supersede it),
// and from AwaitingMFA (abandoning the parked challenge).
func (e *Engine) handleSignIn(reply chan<- callReply, req signInRequest) {
	switch s := e.state.(type) {
	case SignedOut:
	case AwaitingMFA:
		e.authCtx.mfaTicket = ""
	case Authenticating:
		if !s.Import {
			replyErr(reply, OperationInFlightErr)
			return
		}
		e.supersedeImport()
	case SignedIn:
		replyErr(reply, AlreadySignedInErr)
		return
	case SigningOut:
		replyErr(reply, OperationInFlightErr)
		return
	}

	switch req.method {
	case "email-password":
		if !validate.Email(req.email) {
			e.failValidation(reply, CategoryAuthentication, transport.SlugInvalidEmail, "malformed email address")
			return
		}
		if !validate.Password(req.password) {
			e.failValidation(reply, CategoryAuthentication, transport.SlugInvalidPassword, "password too short")
			return
		}
	case "pat":
		if req.pat == "" {
			e.failValidation(reply, CategoryAuthentication, transport.SlugInvalidPAT, "empty personal access token")
			return
		}
	}

	e.state = Authenticating{}
	op := e.begin(opSignIn, reply)
	method := req.method
	go func(seq uint64) {
		var (
			blob *session.Persisted
			mfa  *transport.MFAChallenge
			terr *transport.Error
		)
		switch method {
		case "email-password":
			res, err := e.client.SignInEmailPassword(context.Background(), req.email, req.password)
			if err != nil {
				terr = err
			} else {
				blob, mfa = res.Session, res.MFA
			}
		case "pat":
			blob, terr = e.client.SignInPAT(context.Background(), req.pat)
		}
		e.afterCall(seq, func() {
			e.finishSignIn(op, method, blob, mfa, terr)
		})
	}(op.seq)
}

// usableBlob reports whether a success payload actually carries a session.
// A 2xx envelope missing the session, or carrying an empty one, would
// otherwise install an already-expired session or dereference nil.
func usableBlob(blob *session.Persisted) bool {
	return blob != nil && blob.AccessToken != ""
}

func (e *Engine) finishSignIn(op *pendingOp, method string, blob *session.Persisted, mfa *transport.MFAChallenge, terr *transport.Error) {
	if terr == nil && mfa != nil && !validate.Ticket(mfa.Ticket) {
		terr = transport.MalformedResponseError("multi-factor challenge carried an unusable ticket")
	}
	if terr == nil && mfa == nil && !usableBlob(blob) {
		terr = transport.MalformedResponseError("sign-in succeeded without a session payload")
	}
	if terr != nil {
		e.metrics.SignIn(method, "failure")
		e.state = SignedOut{Failed: true}
		e.authCtx.setError(CategoryAuthentication, terr)
		e.settle(op, &AuthResult{Error: terr}, nil)
		return
	}
	if mfa != nil {
		e.state = AwaitingMFA{}
		e.authCtx.mfaTicket = mfa.Ticket
		e.settle(op, &AuthResult{MFARequired: true}, nil)
		return
	}
	e.metrics.SignIn(method, "success")
	e.adoptSession(blob.Restore(e.clk.Now()), PhaseStable)
	e.authCtx.setError(CategoryAuthentication, nil)
	e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone()}, nil)
}

func (e *Engine) handleSignInMfa(reply chan<- callReply, otp string) {
	if _, ok := e.state.(AwaitingMFA); !ok || e.authCtx.mfaTicket == "" {
		reply1(reply, &AuthResult{
			Error: transport.ValidationError(transport.SlugInvalidTicket, "no multi-factor challenge pending"),
		})
		return
	}
	if !validate.OTP(otp) {
		// Malformed code: rejected locally, the ticket stays live.
		reply1(reply, &AuthResult{
			Error: transport.ValidationError(transport.SlugInvalidOTP, "one-time password must be 4-10 digits"),
		})
		return
	}

	// The ticket is consumed by the attempt, pass or fail.
	ticket := e.authCtx.mfaTicket
	e.authCtx.mfaTicket = ""
	e.state = Authenticating{}
	op := e.begin(opSignIn, reply)
	go func(seq uint64) {
		blob, terr := e.client.SignInMfaTotp(context.Background(), ticket, otp)
		e.afterCall(seq, func() {
			e.finishSignIn(op, "mfa-totp", blob, nil, terr)
		})
	}(op.seq)
}

func (e *Engine) handleSignUp(reply chan<- callReply, email, password string, options *transport.SignUpOptions) {
	switch s := e.state.(type) {
	case SignedOut:
	case Authenticating:
		if !s.Import {
			replyErr(reply, OperationInFlightErr)
			return
		}
		e.supersedeImport()
	case SignedIn:
		replyErr(reply, AlreadySignedInErr)
		return
	default:
		replyErr(reply, OperationInFlightErr)
		return
	}

	if !validate.Email(email) {
		e.failValidation(reply, CategoryRegistration, transport.SlugInvalidEmail, "malformed email address")
		return
	}
	if !validate.Password(password) {
		e.failValidation(reply, CategoryRegistration, transport.SlugInvalidPassword, "password too short")
		return
	}

	e.state = Authenticating{}
	op := e.begin(opSignUp, reply)
	go func(seq uint64) {
		blob, terr := e.client.SignUpEmailPassword(context.Background(), email, password, options)
		e.afterCall(seq, func() {
			if terr == nil && blob != nil && !usableBlob(blob) {
				terr = transport.MalformedResponseError("registration succeeded with an unusable session payload")
			}
			if terr != nil {
				e.metrics.SignIn("sign-up", "failure")
				e.state = SignedOut{Failed: true}
				e.authCtx.setError(CategoryRegistration, terr)
				e.settle(op, &AuthResult{Error: terr}, nil)
				return
			}
			if blob == nil {
				// Account created; the service withholds the session until
				// the email is verified.
				e.state = SignedOut{}
				e.authCtx.setError(CategoryRegistration, nil)
				e.settle(op, &AuthResult{VerificationRequired: true}, nil)
				return
			}
			e.metrics.SignIn("sign-up", "success")
			e.adoptSession(blob.Restore(e.clk.Now()), PhaseStable)
			e.authCtx.setError(CategoryRegistration, nil)
			e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone()}, nil)
		})
	}(op.seq)
}

func (e *Engine) handleSignOut(reply chan<- callReply, allDevices bool) {
	switch e.state.(type) {
	case SignedOut:
		reply1(reply, &AuthResult{})
		return
	case SigningOut:
		if e.pending != nil && e.pending.kind == opSignOut {
			e.pending.waiters = append(e.pending.waiters, reply)
			return
		}
		reply1(reply, &AuthResult{})
		return
	}

	// A sign-out posted while another operation is in flight supersedes it:
	// the stale completion is dropped, and its waiters observe the sign-out
	// outcome instead.
	var inherited []chan<- callReply
	if e.pending != nil {
		inherited = e.pending.waiters
		e.pending = nil
	}
	e.cancelTimer()

	var accessToken, refreshToken string
	if e.authCtx.sess != nil {
		accessToken = e.authCtx.sess.AccessToken
		refreshToken = e.authCtx.sess.RefreshToken
	}

	e.state = SigningOut{}
	op := e.begin(opSignOut, reply)
	op.waiters = append(op.waiters, inherited...)
	go func(seq uint64) {
		var terr *transport.Error
		if refreshToken != "" {
			terr = e.client.SignOut(context.Background(), accessToken, refreshToken, allDevices)
		}
		e.afterCall(seq, func() {
			e.finishSignOut(op, terr)
		})
	}(op.seq)
}

// finishSignOut always lands in SignedOut: the local session is discarded
// even when the remote revoke failed, the failure is only reported.
func (e *Engine) finishSignOut(op *pendingOp, terr *transport.Error) {
	if clearErr := e.store.Clear(); clearErr != nil {
		e.logger.Warn().Err(clearErr).Msg("clearing session store failed")
	}
	e.authCtx.clearSession()
	e.publish(broadcast.Message{SenderID: e.id, Kind: broadcast.KindSignedOut})

	if terr != nil {
		e.authCtx.setError(CategorySignOut, terr)
		e.state = SignedOut{Failed: true}
		e.settle(op, &AuthResult{Error: terr}, nil)
		return
	}
	e.authCtx.setError(CategorySignOut, nil)
	e.state = SignedOut{}
	e.settle(op, &AuthResult{}, nil)
}

func (e *Engine) handleElevate(reply chan<- callReply, method transport.ElevationMethod) {
	signedIn, ok := e.state.(SignedIn)
	if !ok {
		replyErr(reply, NotSignedInErr)
		return
	}
	if signedIn.Phase == PhaseRefreshing || signedIn.Phase == PhaseElevating || e.pending != nil {
		replyErr(reply, OperationInFlightErr)
		return
	}

	accessToken := e.authCtx.sess.AccessToken
	e.state = SignedIn{Phase: PhaseElevating}
	op := e.begin(opElevate, reply)
	go func(seq uint64) {
		blob, terr := e.client.Elevate(context.Background(), accessToken, method)
		e.afterCall(seq, func() {
			if terr == nil && !usableBlob(blob) {
				terr = transport.MalformedResponseError("elevation succeeded without a session payload")
			}
			if terr != nil {
				// The prior, non-elevated session stays intact; elevation
				// failure is never a sign-out.
				e.state = SignedIn{Phase: PhaseElevationFailed}
				e.authCtx.setError(CategoryElevation, terr)
				e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone(), Error: terr}, nil)
				return
			}
			e.adoptSession(blob.Restore(e.clk.Now()), PhaseElevated)
			e.authCtx.setError(CategoryElevation, nil)
			e.settle(op, &AuthResult{Session: e.authCtx.sess.Clone()}, nil)
		})
	}(op.seq)
}

// failValidation records a local pre-flight rejection and parks the machine
// in the failed sign-out sub-state.
func (e *Engine) failValidation(reply chan<- callReply, cat Category, slug, msg string) {
	terr := transport.ValidationError(slug, msg)
	e.authCtx.setError(cat, terr)
	e.state = SignedOut{Failed: true}
	reply1(reply, &AuthResult{Error: terr})
}

// adoptSession installs a session as the current one, persists it,
// announces it to siblings, resets failure bookkeeping and arms the next
// refresh.
func (e *Engine) adoptSession(sess *session.Session, phase Phase) {
	// A rotating refresh may omit the token when it is a non-rotating PAT;
	// carry the previous one forward.
	if sess.RefreshToken == "" && e.authCtx.sess != nil {
		sess.RefreshToken = e.authCtx.sess.RefreshToken
		sess.PersonalAccessToken = e.authCtx.sess.PersonalAccessToken
	}
	e.authCtx.sess = sess
	e.authCtx.refreshTimer = refreshBookkeeping{}
	e.authCtx.importAttempts = 0
	e.state = SignedIn{Phase: phase}

	blob := sess.Persist(e.clk.Now())
	if err := e.store.Save(blob); err != nil {
		e.logger.Warn().Err(err).Msg("persisting session failed")
	}
	e.publish(broadcast.Message{SenderID: e.id, Kind: broadcast.KindSessionUpdated, Session: blob})
	e.armRefreshTimer()
}

// forceSignOut discards the session because its refresh token was rejected.
func (e *Engine) forceSignOut(terr *transport.Error) {
	e.metrics.ForcedSignOut()
	e.cancelTimer()
	if err := e.store.Clear(); err != nil {
		e.logger.Warn().Err(err).Msg("clearing session store failed")
	}
	e.authCtx.clearSession()
	e.authCtx.setError(CategoryAuthentication, terr)
	e.publish(broadcast.Message{SenderID: e.id, Kind: broadcast.KindSignedOut})
	e.state = SignedOut{}
	e.logger.Info().Str("slug", terr.Slug).Msg("session discarded: refresh token rejected")
}

func (e *Engine) publish(msg broadcast.Message) {
	if err := e.bus.Publish(msg); err != nil {
		e.logger.Warn().Err(err).Msg("broadcast publish failed")
	}
}

// onBroadcast runs on the bus delivery goroutine and hands the message to
// the loop.
func (e *Engine) onBroadcast(msg broadcast.Message) {
	if msg.SenderID == e.id {
		return
	}
	e.post(func() { e.applyBroadcast(msg) })
}

// applyBroadcast adopts a sibling instance's session change. The sibling
// already owns the store write, so only local state moves here.
func (e *Engine) applyBroadcast(msg broadcast.Message) {
	switch msg.Kind {
	case broadcast.KindSessionUpdated:
		if msg.Session == nil {
			return
		}
		if _, ok := e.state.(SigningOut); ok {
			return
		}
		// A refresh or import of our own that is still in flight is moot
		// now; its completion will be dropped as stale.
		if e.pending != nil && (e.pending.kind == opRefresh || e.pending.kind == opImport) {
			waiters := e.pending.waiters
			e.pending = nil
			sess := msg.Session.Restore(e.clk.Now())
			e.installAdopted(sess)
			for _, w := range waiters {
				w <- callReply{result: &AuthResult{Session: e.authCtx.sess.Clone()}}
			}
			return
		}
		if e.pending != nil {
			return
		}
		e.installAdopted(msg.Session.Restore(e.clk.Now()))

	case broadcast.KindSignedOut:
		if _, ok := e.state.(SignedOut); ok {
			return
		}
		if e.pending != nil && e.pending.kind == opSignOut {
			return
		}
		var waiters []chan<- callReply
		if e.pending != nil {
			waiters = e.pending.waiters
			e.pending = nil
		}
		e.cancelTimer()
		e.authCtx.clearSession()
		e.state = SignedOut{}
		for _, w := range waiters {
			w <- callReply{result: &AuthResult{}}
		}
	}
}

func (e *Engine) installAdopted(sess *session.Session) {
	e.metrics.BroadcastAdoption()
	e.authCtx.sess = sess
	e.authCtx.refreshTimer = refreshBookkeeping{}
	e.authCtx.importAttempts = 0
	e.authCtx.mfaTicket = ""
	e.state = SignedIn{Phase: PhaseStable}
	e.lastAdopted = e.clk.Now()
	e.armRefreshTimer()
}
