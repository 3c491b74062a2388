// Package keyedstore wraps a Redis-compatible client with the atomic
// primitives the federation core relies on: SETNX-with-expiry for the replay
// guard, windowed INCR for the per-host rate limiter, and plain GET/SET/DEL
// with TTLs for the remote actor cache. It is the only cross-node shared
// mutable state used by the core.
package keyedstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("keyedstore: key not found")

// Store is a thin wrapper around a go-redis client.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to the keyed store at the given URL and verifies connectivity
// with a ping before returning.
func New(ctx context.Context, storeURL string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parsing keyed store URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging keyed store: %w", err)
	}

	logger.Info("keyed store connection established", slog.String("addr", opts.Addr))
	return &Store{client: client, logger: logger}, nil
}

// SetNX atomically sets key to value with the given TTL only if the key does
// not already exist. Returns true when the key was set.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("SETNX %s: %w", key, err)
	}
	return ok, nil
}

// IncrWindow increments a windowed counter, setting the TTL when the counter
// is created. Returns the counter value after the increment.
func (s *Store) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("INCR %s: %w", key, err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("EXPIRE %s: %w", key, err)
		}
	}
	return n, nil
}

// Get returns the value stored at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", key, err)
	}
	return v, nil
}

// Set stores value at key with the given TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("SET %s: %w", key, err)
	}
	return nil
}

// Del removes a key. Deleting a missing key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("DEL %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of a key. A negative duration means the
// key does not exist or has no expiry.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("TTL %s: %w", key, err)
	}
	return d, nil
}

// HealthCheck verifies the keyed store connection is alive.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("keyed store health check: %w", err)
	}
	return nil
}

// Close shuts down the underlying client.
func (s *Store) Close() {
	s.logger.Info("closing keyed store connection")
	s.client.Close()
}
