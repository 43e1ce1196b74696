package transport

import "fmt"

// Kind classifies a failed remote operation. The three remote kinds drive
// different state-machine transitions: network failures are retried with
// backoff, application errors are terminal for the operation, and
// unauthenticated responses force a sign-out where a session was involved.
type Kind int

const (
	// KindNetwork means no well-formed response reached the client
	// (connection refused, DNS failure, deadline exceeded, 5xx with an
	// unreadable body).
	KindNetwork Kind = iota

	// KindApplication means the identity service returned a well-formed
	// error response rejecting the request.
	KindApplication

	// KindUnauthenticated means the service answered 401: the presented
	// credential is not (or no longer) valid.
	KindUnauthenticated

	// KindValidation marks local pre-flight rejections that never reached
	// the network.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindApplication:
		return "application"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error slugs shared with the identity service's error taxonomy. The slug is
// the stable key; messages are informational only.
const (
	SlugInvalidEmail        = "invalid-email"
	SlugInvalidPassword     = "invalid-password"
	SlugInvalidCredentials  = "invalid-credentials"
	SlugInvalidRefreshToken = "invalid-refresh-token"
	SlugInvalidPAT          = "invalid-pat"
	SlugInvalidOTP          = "invalid-otp"
	SlugInvalidTicket       = "invalid-ticket"
	SlugDisabledUser        = "disabled-user"
	SlugUnverifiedUser      = "unverified-user"
	SlugEmailInUse          = "email-already-in-use"
	SlugNetworkFailure      = "network-failure"
	SlugMalformedResponse   = "malformed-response"
)

// Error is the discriminated failure result of a remote operation. It is a
// value handed back to callers inside results, not a Go error to be thrown
// through the stack: expected failures never panic and never abort flows.
type Error struct {
	Kind    Kind   `json:"-"`
	Status  int    `json:"status"`  // HTTP status; 0 for network/local failures
	Slug    string `json:"error"`   // Stable taxonomy key
	Message string `json:"message"` // Human readable description
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Slug, e.Kind, e.Message)
}

// Retryable reports whether repeating the operation later could succeed
// without changing inputs: network failures and server-side 5xx responses.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindNetwork || e.Status >= 500
}

// InvalidatesSession reports whether the error means the session's refresh
// token is no longer usable and the local session must be discarded.
func (e *Error) InvalidatesSession() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindUnauthenticated || e.Slug == SlugInvalidRefreshToken
}

// WithMessage returns a copy of the error with the message replaced.
func (e *Error) WithMessage(msg string) *Error {
	out := *e
	out.Message = msg
	return &out
}

// NetworkError wraps a transport-level failure where no response was
// received.
func NetworkError(cause error) *Error {
	msg := "request did not reach the identity service"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindNetwork, Slug: SlugNetworkFailure, Message: msg}
}

// MalformedResponseError marks a success response whose body did not carry
// the payload the operation requires. It is an application error: the
// request reached the service and made it past authentication, the envelope
// is just unusable.
func MalformedResponseError(message string) *Error {
	return &Error{Kind: KindApplication, Slug: SlugMalformedResponse, Message: message}
}

// ValidationError builds a local pre-flight rejection.
func ValidationError(slug, message string) *Error {
	return &Error{Kind: KindValidation, Slug: slug, Message: message}
}
