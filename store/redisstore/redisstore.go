// Package redisstore provides a Redis-backed session store for
// server-rendered hosts where several processes share one session origin.
package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quayside/go-auth-session/session"
	"github.com/quayside/go-auth-session/store"
)

const opTimeout = 5 * time.Second

// Store persists the session blob under one Redis key.
type Store struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the Redis key.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithTTL bounds how long an untouched blob survives in Redis. Zero means no
// expiry. The TTL should comfortably exceed the refresh token's lifetime;
// it is a hygiene bound, not a session timeout.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger attaches a logger; corrupt blobs are reported at warn level.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a Store over the given Redis client.
func New(client redis.UniversalClient, options ...Option) *Store {
	s := &Store{client: client, key: store.DefaultKey, logger: zerolog.Nop()}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Load() (*session.Persisted, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Load] GET")
	}
	p, ok := store.Decode(raw)
	if !ok {
		s.logger.Warn().Str("key", s.key).Msg("stored session blob is corrupt, treating as absent")
		return nil, nil
	}
	return p, nil
}

func (s *Store) Save(p *session.Persisted) error {
	raw, err := store.Encode(p)
	if err != nil {
		return errors.Wrap(err, "[redisstore.Save] encode blob")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return errors.Wrap(s.client.Set(ctx, s.key, raw, s.ttl).Err(), "[redisstore.Save] SET")
}

func (s *Store) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return errors.Wrap(s.client.Del(ctx, s.key).Err(), "[redisstore.Clear] DEL")
}
