// Package engine implements the authentication state machine, the token
// refresh scheduler, and the public facade over both.
//
// An Engine is a single logical actor: one goroutine owns the state machine
// and its context, commands are posted to it and processed one at a time to
// completion, and network calls resolve as completion events tagged with an
// operation sequence number so responses for superseded operations are
// dropped rather than applied.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/quayside/go-auth-session/broadcast"
	"github.com/quayside/go-auth-session/clock"
	"github.com/quayside/go-auth-session/internal/validate"
	"github.com/quayside/go-auth-session/metrics"
	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/store"
	"github.com/quayside/go-auth-session/store/memory"
	"github.com/quayside/go-auth-session/transport"
)

const (
	// refreshFraction positions the refresh fire point within the access
	// token's lifetime.
	refreshFraction = 0.9

	// defaultRefreshMargin is the minimum gap kept between the refresh fire
	// point and the token's actual expiry, so a slow round-trip does not let
	// the token expire mid-flight.
	defaultRefreshMargin = 5 * time.Second

	// adoptionSuppressionWindow suppresses a locally scheduled refresh when a
	// sibling's broadcast arrived this recently; the sibling already did the
	// work.
	adoptionSuppressionWindow = 5 * time.Second

	callBuffer = 64
)

// AuthResult is the outcome of a facade operation. Expected failures (bad
// credentials, network down) arrive in Error; Session is populated whenever
// a signed-in session exists after the operation, even alongside an Error
// (e.g. a refresh that failed on the network leaves the session intact).
type AuthResult struct {
	Session *session.Session
	Error   *transport.Error

	// MFARequired marks a sign-in that halted pending a second factor.
	MFARequired bool

	// VerificationRequired marks a sign-up that created the account but
	// needs email verification before the first sign-in.
	VerificationRequired bool
}

// StateChange is delivered to OnAuthStateChanged subscribers whenever the
// observable session presence changes: signed-in vs signed-out, or the
// elevation status of a signed-in session. Internal churn (a refresh in
// flight, a failed elevation attempt) does not notify.
type StateChange struct {
	Session  *session.Session
	SignedIn bool
	Elevated bool
}

// Engine is the public facade. Construct with New; all methods are safe for
// concurrent use. One Engine maintains one user session; hosts serving many
// users construct one Engine per logical session.
type Engine struct {
	client          transport.Client
	clk             clock.Clock
	store           store.Store
	bus             broadcast.Bus
	logger          zerolog.Logger
	metrics         *metrics.Metrics
	id              string
	autoRefresh     bool
	refreshMargin   time.Duration
	refreshInterval time.Duration
	rng             *rand.Rand

	calls     chan func()
	closedCh  chan struct{}
	closeOnce sync.Once
	busCancel func()

	// Loop-owned state. Only the run loop touches these.
	authCtx     authContext
	state       State
	seq         uint64
	pending     *pendingOp
	timer       clock.Timer
	lastAdopted time.Time

	// Published snapshot for lock-free-ish external reads.
	mu           sync.RWMutex
	snapState    State
	snapSession  *session.Session
	snapErrs     map[Category]*transport.Error
	snapAttempts int
	lastPresence presence
	subs         map[int]chan StateChange
	nextSubID    int
}

type presence struct {
	signedIn bool
	elevated bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the wall clock, primarily for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithStore sets the session persistence backend. Default is an in-memory
// store that does not survive the process.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBroadcaster sets the cross-instance bus. Default is a no-op bus for
// single-instance hosts.
func WithBroadcaster(b broadcast.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger attaches a logger; default is disabled.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAutoRefresh controls the background refresh scheduler. Disabling it
// leaves refreshes entirely to explicit RefreshSession calls.
func WithAutoRefresh(enabled bool) Option {
	return func(e *Engine) { e.autoRefresh = enabled }
}

// WithRefreshMargin overrides the minimum gap between the scheduled refresh
// and the token's expiry.
func WithRefreshMargin(margin time.Duration) Option {
	return func(e *Engine) { e.refreshMargin = margin }
}

// WithRefreshInterval forces a refresh at a fixed period even when the
// access token's lifetime would allow a later one. Zero disables the cap.
func WithRefreshInterval(interval time.Duration) Option {
	return func(e *Engine) { e.refreshInterval = interval }
}

// New constructs an Engine around the given transport client and starts its
// run loop. If the configured store holds a recoverable session blob, a
// silent refresh begins immediately; its outcome is observable through
// State, GetSession and OnAuthStateChanged.
func New(client transport.Client, options ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("[engine.New] transport client is required")
	}

	e := &Engine{
		client:        client,
		clk:           clock.System(),
		store:         memory.New(),
		bus:           broadcast.Noop{},
		logger:        zerolog.Nop(),
		id:            uuid.NewString(),
		autoRefresh:   true,
		refreshMargin: defaultRefreshMargin,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),

		calls:    make(chan func(), callBuffer),
		closedCh: make(chan struct{}),
		state:    SignedOut{},
		authCtx:  newAuthContext(),
		subs:     make(map[int]chan StateChange),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.refreshMargin <= 0 {
		return nil, errors.New("[engine.New] refresh margin must be positive")
	}

	e.snapState = e.state
	e.snapErrs = map[Category]*transport.Error{}

	busCancel, err := e.bus.Subscribe(e.onBroadcast)
	if err != nil {
		return nil, errors.Wrap(err, "[engine.New] subscribe to broadcaster")
	}
	e.busCancel = busCancel

	go e.run()

	blob, loadErr := e.store.Load()
	if loadErr != nil {
		e.logger.Warn().Err(loadErr).Msg("session store unreadable at startup")
	}
	if blob != nil && blob.RefreshToken != "" {
		e.post(func() {
			e.authCtx.sess = blob.Restore(e.clk.Now())
			e.state = Authenticating{Import: true}
			e.startImport(nil)
		})
	}
	return e, nil
}

// run is the actor loop. Every posted closure runs to completion before the
// next, and the published snapshot is refreshed after each one.
func (e *Engine) run() {
	for {
		select {
		case fn := <-e.calls:
			fn()
			e.sync()
		case <-e.closedCh:
			e.shutdown()
			return
		}
	}
}

func (e *Engine) shutdown() {
	e.cancelTimer()
	if e.busCancel != nil {
		e.busCancel()
	}
	e.mu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()
}

// post hands a closure to the run loop. Returns false when the engine is
// closed.
func (e *Engine) post(fn func()) bool {
	select {
	case e.calls <- fn:
		return true
	case <-e.closedCh:
		return false
	}
}

type callReply struct {
	result *AuthResult
	err    error
}

// call posts a loop-side handler and waits for its reply. The handler must
// guarantee that the reply channel eventually receives exactly one value.
func (e *Engine) call(ctx context.Context, handler func(reply chan<- callReply)) (*AuthResult, error) {
	reply := make(chan callReply, 1)
	if !e.post(func() { handler(reply) }) {
		return nil, EngineClosedErr
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-e.closedCh:
		return nil, EngineClosedErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SignInEmailPassword authenticates with an email/password credential pair.
// A result with MFARequired set means the flow is parked in AwaitingMFA and
// must be completed with SignInMfaTotp.
func (e *Engine) SignInEmailPassword(ctx context.Context, email, password string) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleSignIn(reply, signInRequest{method: "email-password", email: email, password: password})
	})
}

// SignInPAT authenticates with a personal access token. The resulting
// session refreshes against the same non-rotating token.
func (e *Engine) SignInPAT(ctx context.Context, personalAccessToken string) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleSignIn(reply, signInRequest{method: "pat", pat: personalAccessToken})
	})
}

// SignInMfaTotp completes a sign-in parked in AwaitingMFA with a TOTP code.
// The stored MFA ticket is consumed by the attempt whether it succeeds or
// fails; a failed attempt requires a fresh sign-in.
func (e *Engine) SignInMfaTotp(ctx context.Context, otp string) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleSignInMfa(reply, otp)
	})
}

// SignUpEmailPassword registers a new account. A result with neither a
// session nor an error but VerificationRequired set means the account exists
// and awaits email verification before its first sign-in.
func (e *Engine) SignUpEmailPassword(ctx context.Context, email, password string, options *transport.SignUpOptions) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleSignUp(reply, email, password, options)
	})
}

// SignOut revokes the refresh token remotely and discards the local session.
// The local session is cleared even when the remote revoke fails; the
// failure is reported in the result. allDevices revokes every session of the
// user. Signing out while already signed out succeeds as a no-op.
func (e *Engine) SignOut(ctx context.Context, allDevices bool) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleSignOut(reply, allDevices)
	})
}

// RefreshSession exchanges the refresh token for a fresh session. Without
// force, a session whose access token is still comfortably valid is returned
// as-is with no network call. Concurrent refresh requests coalesce onto one
// exchange.
func (e *Engine) RefreshSession(ctx context.Context, force bool) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleRefresh(reply, force)
	})
}

// Elevate performs step-up authentication on the signed-in session. A failed
// elevation leaves the prior session fully intact.
func (e *Engine) Elevate(ctx context.Context, method transport.ElevationMethod) (*AuthResult, error) {
	return e.call(ctx, func(reply chan<- callReply) {
		e.handleElevate(reply, method)
	})
}

// SendVerificationEmail asks the identity service to (re)send the
// verification email for an address. Does not touch session state.
func (e *Engine) SendVerificationEmail(ctx context.Context, email string) (*AuthResult, error) {
	if e.isClosed() {
		return nil, EngineClosedErr
	}
	if !validate.Email(email) {
		return &AuthResult{Error: transport.ValidationError(transport.SlugInvalidEmail, "malformed email address")}, nil
	}
	if terr := e.client.SendVerificationEmail(ctx, email); terr != nil {
		return &AuthResult{Error: terr}, nil
	}
	return &AuthResult{}, nil
}

// ChangeEmail requests an email change for the signed-in user. The change
// completes out of band (confirmation email); the session is unaffected.
func (e *Engine) ChangeEmail(ctx context.Context, newEmail string) (*AuthResult, error) {
	if e.isClosed() {
		return nil, EngineClosedErr
	}
	if !validate.Email(newEmail) {
		return &AuthResult{Error: transport.ValidationError(transport.SlugInvalidEmail, "malformed email address")}, nil
	}
	sess := e.GetSession()
	if sess == nil {
		return nil, NotSignedInErr
	}
	if terr := e.client.ChangeEmail(ctx, sess.AccessToken, newEmail); terr != nil {
		return &AuthResult{Session: sess, Error: terr}, nil
	}
	return &AuthResult{Session: sess}, nil
}

// ChangePassword sets a new password for the signed-in user.
func (e *Engine) ChangePassword(ctx context.Context, newPassword string) (*AuthResult, error) {
	if e.isClosed() {
		return nil, EngineClosedErr
	}
	if !validate.Password(newPassword) {
		return &AuthResult{Error: transport.ValidationError(transport.SlugInvalidPassword, "password too short")}, nil
	}
	sess := e.GetSession()
	if sess == nil {
		return nil, NotSignedInErr
	}
	if terr := e.client.ChangePassword(ctx, sess.AccessToken, newPassword); terr != nil {
		return &AuthResult{Session: sess, Error: terr}, nil
	}
	return &AuthResult{Session: sess}, nil
}

// GetSession returns a copy of the current session, or nil when not signed
// in. The copy is the caller's to keep; mutating it does not affect the
// engine.
func (e *Engine) GetSession() *session.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.snapState.(SignedIn); !ok {
		return nil
	}
	return e.snapSession.Clone()
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapState
}

// LastError returns the most recent error recorded for an operation
// category, or nil.
func (e *Engine) LastError(cat Category) *transport.Error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapErrs[cat]
}

// RefreshAttempts returns the count of consecutive failed refresh attempts
// for the current session. Zero whenever the last refresh succeeded.
func (e *Engine) RefreshAttempts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapAttempts
}

// OnAuthStateChanged subscribes to observable session presence changes. The
// callback runs on a dedicated goroutine, in delivery order; a subscriber
// that falls far behind loses the oldest notifications. The returned
// function unsubscribes and is idempotent.
func (e *Engine) OnAuthStateChanged(fn func(StateChange)) func() {
	ch := make(chan StateChange, 16)

	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subs[id] = ch
	e.mu.Unlock()

	go func() {
		for change := range ch {
			fn(change)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
			e.mu.Unlock()
		})
	}
}

// Close stops the run loop, cancels timers and the broadcast subscription,
// and releases subscribers. The persisted session blob is left in place so a
// later engine can import it. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closedCh) })
	return nil
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closedCh:
		return true
	default:
		return false
	}
}

// sync publishes the loop-owned state as the external snapshot and notifies
// subscribers when the observable presence changed.
func (e *Engine) sync() {
	_, signedIn := e.state.(SignedIn)
	elevated := false
	if s, ok := e.state.(SignedIn); ok {
		elevated = s.Phase == PhaseElevated
	}
	now := presence{signedIn: signedIn, elevated: elevated}

	errsCopy := make(map[Category]*transport.Error, len(e.authCtx.errs))
	for k, v := range e.authCtx.errs {
		errsCopy[k] = v
	}

	e.mu.Lock()
	e.snapState = e.state
	e.snapSession = e.authCtx.sess.Clone()
	e.snapErrs = errsCopy
	e.snapAttempts = e.authCtx.refreshTimer.attempts
	changed := now != e.lastPresence
	e.lastPresence = now
	if changed {
		change := StateChange{SignedIn: signedIn, Elevated: elevated}
		if signedIn {
			change.Session = e.snapSession.Clone()
		}
		// Non-blocking fan-out under the lock so an unsubscribe cannot close
		// a channel mid-send; a slow subscriber loses its oldest pending
		// notification instead of stalling the loop.
		for _, ch := range e.subs {
			select {
			case ch <- change:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- change:
				default:
				}
			}
		}
	}
	e.mu.Unlock()
}
