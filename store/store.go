// Package store defines the persistence port for the serialized session
// blob. Backends are opaque string/byte storage; the engine never depends on
// their mechanism.
package store

import (
	"encoding/json"

	"github.com/quayside/go-auth-session/session"
)

// DefaultKey is the storage key used by backends unless configured otherwise.
const DefaultKey = "authSession"

// Store persists one session blob. Load returns (nil, nil) when no blob is
// present; a corrupt blob is treated exactly like an absent one. Errors are
// reserved for backend I/O failures and are never fatal to the engine.
type Store interface {
	Load() (*session.Persisted, error)
	Save(*session.Persisted) error
	Clear() error
}

// Encode serializes the blob for storage.
func Encode(p *session.Persisted) ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a stored blob. The second return is false when the data does
// not parse; callers treat that as absent, not as an error.
func Decode(raw []byte) (*session.Persisted, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var p session.Persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if p.AccessToken == "" && p.RefreshToken == "" {
		return nil, false
	}
	return &p, true
}
