// Package memory provides the default in-memory session store. Suitable for
// tests, short-lived server-side engines, and hosts without durable storage.
package memory

import (
	"sync"

	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/store"
)

// Store is a thread-safe in-memory store.Store.
type Store struct {
	mu   sync.RWMutex
	blob []byte
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

func (s *Store) Load() (*session.Persisted, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := store.Decode(s.blob)
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (s *Store) Save(p *session.Persisted) error {
	raw, err := store.Encode(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = raw
	return nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = nil
	return nil
}
