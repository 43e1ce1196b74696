package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when Advance or
// Set is called; due callbacks run synchronously, in firing order, on the
// advancing goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFake returns a Fake whose clock starts at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn to run once the fake clock has advanced by d.
// A non-positive duration fires on the next Advance, not immediately.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{
		clock: f,
		at:    f.now.Add(d),
		seq:   f.seq,
		fn:    fn,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached. Callbacks that schedule further timers within the advanced window
// are honored in the same call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.Set(target)
}

// Set moves the clock to an absolute instant, firing due timers along the way.
func (f *Fake) Set(target time.Time) {
	for {
		t := f.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}
	f.mu.Lock()
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// PendingTimers returns the number of timers that have not yet fired.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// popDue removes and returns the earliest timer due at or before target,
// advancing the clock to its deadline.
func (f *Fake) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].at.Equal(f.timers[j].at) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].at.Before(f.timers[j].at)
	})
	if len(f.timers) == 0 || f.timers[0].at.After(target) {
		return nil
	}
	t := f.timers[0]
	f.timers = f.timers[1:]
	if t.at.After(f.now) {
		f.now = t.at
	}
	return t
}

func (f *Fake) remove(t *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pending := range f.timers {
		if pending == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	seq   int
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	return t.clock.remove(t)
}
