// Package redis implements store.Store using Redis with the durable key
// layout: jobs live under per-record TTLs as Hashes, checkpoints as
// msgpack blobs, and event sequences as atomic counters.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omnibrowser/jobcore/checkpoint"
	"github.com/omnibrowser/jobcore/event"
	"github.com/omnibrowser/jobcore/job"
)

// Compile-time interface checks.
var (
	_ job.Store        = (*Store)(nil)
	_ checkpoint.Store = (*Store)(nil)
	_ event.Sequencer  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithJobTTL overrides how long job records are retained. Every write
// refreshes the TTL, so only abandoned records expire.
func WithJobTTL(d time.Duration) Option {
	return func(s *Store) { s.jobTTL = d }
}

// Store implements the composite store contract backed by Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
	jobTTL time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
		jobTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
