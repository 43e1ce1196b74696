package engine

import "errors"

// Programmer-misuse errors. These are Go errors returned directly from
// facade methods, as opposed to the expected operation failures carried
// inside AuthResult.Error.
var (
	EngineClosedErr      = errors.New("engine closed")
	NotSignedInErr       = errors.New("not signed in")
	AlreadySignedInErr   = errors.New("already signed in")
	OperationInFlightErr = errors.New("another authentication operation is in flight")
)
