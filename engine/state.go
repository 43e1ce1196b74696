package engine

import "fmt"

// State is the engine's externally observable state. It is a closed set: the
// concrete types below are the only implementations, and each carries only
// the data meaningful in that state. Values are comparable, so tests and
// consumers can match on them directly.
type State interface {
	isState()
	String() string
}

// SignedOut is the initial state and the state re-entered after every
// sign-out. Failed marks that the most recent sign-in or sign-out attempt
// ended in an error; the error itself is available via LastError.
type SignedOut struct {
	Failed bool
}

// Authenticating means a credential exchange is in flight. Import
// distinguishes the silent startup exchange of a persisted refresh token
// from an explicit sign-in or sign-up.
type Authenticating struct {
	Import bool
}

// AwaitingMFA means the identity service accepted the credentials but
// demands a second factor before issuing a session.
type AwaitingMFA struct{}

// SignedIn holds a session. The phase tracks in-flight maintenance work on
// that session; the session itself stays valid across all phases.
type SignedIn struct {
	Phase Phase
}

// SigningOut means the revoke call is in flight. The local session is
// discarded when it settles regardless of the remote outcome.
type SigningOut struct{}

func (SignedOut) isState()      {}
func (Authenticating) isState() {}
func (AwaitingMFA) isState()    {}
func (SignedIn) isState()       {}
func (SigningOut) isState()     {}

func (s SignedOut) String() string {
	if s.Failed {
		return "signed_out:failed"
	}
	return "signed_out"
}

func (s Authenticating) String() string {
	if s.Import {
		return "authenticating:import"
	}
	return "authenticating"
}

func (AwaitingMFA) String() string { return "awaiting_mfa" }

func (s SignedIn) String() string { return "signed_in:" + s.Phase.String() }

func (SigningOut) String() string { return "signing_out" }

// Phase is the maintenance sub-phase of a signed-in session.
type Phase int

const (
	PhaseStable Phase = iota
	PhaseRefreshing
	PhaseElevating
	PhaseElevated
	PhaseElevationFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseElevating:
		return "elevating"
	case PhaseElevated:
		return "elevated"
	case PhaseElevationFailed:
		return "elevation_failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}
