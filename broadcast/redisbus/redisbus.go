// Package redisbus carries broadcast messages over a Redis pub/sub channel,
// pairing with the redisstore backend for multi-process deployments.
package redisbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quayside/go-auth-session/broadcast"
)

// DefaultChannel is the pub/sub channel used unless configured otherwise.
const DefaultChannel = "authSession:events"

const publishTimeout = 5 * time.Second

// Bus implements broadcast.Bus over Redis pub/sub.
type Bus struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
}

var _ broadcast.Bus = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithChannel overrides the pub/sub channel name.
func WithChannel(channel string) Option {
	return func(b *Bus) { b.channel = channel }
}

// WithLogger attaches a logger; undecodable messages are reported at warn
// level and skipped.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a Bus over the given Redis client.
func New(client redis.UniversalClient, options ...Option) *Bus {
	b := &Bus{client: client, channel: DefaultChannel, logger: zerolog.Nop()}
	for _, opt := range options {
		opt(b)
	}
	return b
}

func (b *Bus) Publish(msg broadcast.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "[redisbus.Publish] marshal message")
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return errors.Wrap(b.client.Publish(ctx, b.channel, raw).Err(), "[redisbus.Publish] PUBLISH")
}

func (b *Bus) Subscribe(fn func(broadcast.Message)) (func(), error) {
	pubsub := b.client.Subscribe(context.Background(), b.channel)
	// Force the subscription to be established before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, "[redisbus.Subscribe] SUBSCRIBE")
	}

	go func() {
		for raw := range pubsub.Channel() {
			var msg broadcast.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.logger.Warn().Err(err).Str("channel", b.channel).Msg("dropping undecodable broadcast message")
				continue
			}
			fn(msg)
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return cancel, nil
}
