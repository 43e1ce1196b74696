// Package bolt provides a bbolt-backed session store for hosts with a local
// filesystem (CLIs, desktop apps, long-running workers).
package bolt

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	bbolt "go.etcd.io/bbolt"

	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/store"
)

var bucketName = []byte("auth")

// Store persists the session blob under a single key in a bbolt bucket.
type Store struct {
	db     *bbolt.DB
	key    []byte
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the storage key, allowing several engines to share one
// database file.
func WithKey(key string) Option {
	return func(s *Store) { s.key = []byte(key) }
}

// WithLogger attaches a logger; corrupt blobs are reported at warn level.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a Store over an already-open bbolt database.
func New(db *bbolt.DB, options ...Option) *Store {
	s := &Store{db: db, key: []byte(store.DefaultKey), logger: zerolog.Nop()}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Open opens (or creates) a bbolt database at path and returns a Store over
// it. The caller owns the returned close function.
func Open(path string, options ...Option) (*Store, func() error, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[bolt.Open] opening database")
	}
	return New(db, options...), db.Close, nil
}

func (s *Store) Load() (*session.Persisted, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		if v := b.Get(s.key); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[bolt.Load] read transaction")
	}
	p, ok := store.Decode(raw)
	if !ok {
		if len(raw) > 0 {
			s.logger.Warn().Msg("stored session blob is corrupt, treating as absent")
		}
		return nil, nil
	}
	return p, nil
}

func (s *Store) Save(p *session.Persisted) error {
	raw, err := store.Encode(p)
	if err != nil {
		return errors.Wrap(err, "[bolt.Save] encode blob")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put(s.key, raw)
	})
}

func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.Delete(s.key)
	})
}
