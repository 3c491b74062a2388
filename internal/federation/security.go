package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors produced by the replay guard and the rate limiter. The inbox handler
// maps ErrClockSkew and ErrDuplicateActivity to a 202 drop (resending cannot
// help) and ErrRateLimited to 429 with Retry-After.
var (
	ErrClockSkew         = errors.New("federation: date header outside allowed clock skew")
	ErrDuplicateActivity = errors.New("federation: duplicate activity")
	ErrRateLimited       = errors.New("federation: per-host rate limit exceeded")
)

// KeyedStore is the subset of keyed-store primitives the federation core
// uses. All mutations are atomic on the store side; the guard never
// read-modifies-writes.
type KeyedStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// ReplayGuard rejects stale requests and duplicate activity IRIs. On the
// inbox path it runs after the rate limiter and after signature
// verification.
type ReplayGuard struct {
	store        KeyedStore
	maxClockSkew time.Duration
	dedupeWindow time.Duration
}

// NewReplayGuard creates a replay guard with the given clock skew tolerance
// and dedupe window.
func NewReplayGuard(store KeyedStore, maxClockSkew, dedupeWindow time.Duration) *ReplayGuard {
	return &ReplayGuard{store: store, maxClockSkew: maxClockSkew, dedupeWindow: dedupeWindow}
}

// ValidateTimestamp checks that the Date header is within the allowed skew of
// the server clock, in either direction.
func (g *ReplayGuard) ValidateTimestamp(dateHeader string) error {
	if dateHeader == "" {
		return fmt.Errorf("%w: missing Date header", ErrClockSkew)
	}
	t, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header %q", ErrClockSkew, dateHeader)
	}
	skew := time.Since(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxClockSkew {
		return fmt.Errorf("%w: skew %s exceeds %s", ErrClockSkew, skew.Truncate(time.Second), g.maxClockSkew)
	}
	return nil
}

// CheckAndRecord atomically records an activity IRI as seen. The second
// receipt of the same IRI within the dedupe window fails with
// ErrDuplicateActivity, so an IRI never causes two state transitions.
func (g *ReplayGuard) CheckAndRecord(ctx context.Context, activityIRI string) error {
	if activityIRI == "" {
		return fmt.Errorf("%w: empty activity id", ErrDuplicateActivity)
	}
	created, err := g.store.SetNX(ctx, "activity_seen:"+activityIRI, "1", g.dedupeWindow)
	if err != nil {
		return fmt.Errorf("recording activity %s: %w", activityIRI, err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrDuplicateActivity, activityIRI)
	}
	return nil
}

// Validate runs both checks in the cheap-first order.
func (g *ReplayGuard) Validate(ctx context.Context, dateHeader, activityIRI string) error {
	if err := g.ValidateTimestamp(dateHeader); err != nil {
		return err
	}
	return g.CheckAndRecord(ctx, activityIRI)
}

// RateStatus reports the state of a host's window for observability and the
// Retry-After header.
type RateStatus struct {
	Remaining   int64
	ResetInSecs int64
}

// HostRateLimiter enforces a fixed-window per-host activity budget. The
// window counter lives in the keyed store, so the limit is global across the
// fleet rather than per node.
type HostRateLimiter struct {
	store  KeyedStore
	window time.Duration
	max    int64
}

// NewHostRateLimiter creates a limiter allowing max activities per window.
func NewHostRateLimiter(store KeyedStore, window time.Duration, max int64) *HostRateLimiter {
	return &HostRateLimiter{store: store, window: window, max: max}
}

// Allow counts one activity against the host's current window. The call that
// brings the count above the limit fails with ErrRateLimited; the status is
// returned in both cases.
func (l *HostRateLimiter) Allow(ctx context.Context, host string) (RateStatus, error) {
	now := time.Now()
	windowSecs := int64(l.window / time.Second)
	windowIdx := now.Unix() / windowSecs
	key := fmt.Sprintf("federation_rate:%s:%d", host, windowIdx)

	count, err := l.store.IncrWindow(ctx, key, l.window)
	if err != nil {
		return RateStatus{}, fmt.Errorf("counting rate window for %s: %w", host, err)
	}

	status := RateStatus{
		Remaining:   l.max - count,
		ResetInSecs: (windowIdx+1)*windowSecs - now.Unix(),
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	if count > l.max {
		return status, fmt.Errorf("%w: host %s sent %d in window", ErrRateLimited, host, count)
	}
	return status, nil
}
