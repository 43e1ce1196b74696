// Package clock abstracts wall-clock time and delayed callbacks so that every
// timer owned by the engine can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a single pending callback. Stop is idempotent and reports whether
// the call prevented the callback from firing.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and one-shot scheduled callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// System returns a Clock backed by the runtime clock.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (st *systemTimer) Stop() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return false
	}
	st.stopped = true
	return st.t.Stop()
}
