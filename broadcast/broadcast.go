// Package broadcast propagates session changes between engine instances that
// share one session store (browser tabs on an origin, processes behind one
// Redis key), so a single instance refreshes while its siblings adopt.
package broadcast

import (
	"sync"

	"github.com/quayside/go-auth-session/session"
)

// Kind discriminates broadcast notifications.
type Kind string

const (
	// KindSessionUpdated announces freshly issued tokens.
	KindSessionUpdated Kind = "session-updated"

	// KindSignedOut announces that the shared session was terminated.
	KindSignedOut Kind = "signed-out"
)

// Message is one notification. SenderID identifies the publishing engine so
// instances can ignore their own messages. Sessions travel in persisted form
// (relative expiry) for the same reason they are stored that way: the
// receiver anchors expiry against its own clock.
type Message struct {
	SenderID string             `json:"senderId"`
	Kind     Kind               `json:"kind"`
	Session  *session.Persisted `json:"session,omitempty"`
}

// Bus is the pub/sub port. Subscribe returns a cancel function that stops
// delivery; Publish never blocks on slow subscribers.
type Bus interface {
	Publish(Message) error
	Subscribe(fn func(Message)) (cancel func(), err error)
}

// Noop is the Bus for single-instance hosts; nothing is delivered.
type Noop struct{}

var _ Bus = Noop{}

func (Noop) Publish(Message) error { return nil }

func (Noop) Subscribe(func(Message)) (func(), error) { return func() {}, nil }

const subscriberBuffer = 16

// Memory is an in-process Bus connecting engines inside one process.
// Delivery to each subscriber is ordered; a subscriber that falls more than
// subscriberBuffer messages behind loses the oldest ones.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Message
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan Message)}
}

func (m *Memory) Publish(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- msg:
		default:
			// Drop the oldest pending message to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(fn func(Message)) (func(), error) {
	ch := make(chan Message, subscriberBuffer)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		for msg := range ch {
			fn(msg)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return cancel, nil
}
