package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope names one class of attempt counter. Counters are keyed
// "<scope>:<subject>" so limits never bleed across concerns.
type Scope struct {
	Name        string
	MaxAttempts int
	Window      time.Duration
	// Sliding re-arms the window on every failure, so the subject stays
	// limited until Window elapses after the LAST failure, not the first.
	Sliding bool
}

// Limiter enforces per-subject attempt budgets using Redis counters with
// atomic increment-with-expiry semantics. Counters survive process restarts
// and are shared across engine instances.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

func key(scope Scope, subject string) string {
	return scope.Name + ":" + subject
}

// Check reports whether the subject is still within the scope's budget.
func (l *Limiter) Check(ctx context.Context, scope Scope, subject string) error {
	count, err := l.redis.Get(ctx, key(scope, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(scope.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// RecordFailure counts one failed attempt. Returns [ErrRateLimited] when the
// attempt crosses the budget.
func (l *Limiter) RecordFailure(ctx context.Context, scope Scope, subject string) error {
	k := key(scope, subject)
	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics set the TTL only on the first hit; sliding
	// windows push the deadline out on every failure.
	if scope.Sliding || count == 1 {
		if err := l.redis.Expire(ctx, k, scope.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count >= int64(scope.MaxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// RecordAttempt counts an attempt regardless of outcome (used for
// frequency caps such as registration ceremonies rather than failure
// lockouts). Returns [ErrRateLimited] once the budget is exhausted.
func (l *Limiter) RecordAttempt(ctx context.Context, scope Scope, subject string) error {
	return l.RecordFailure(ctx, scope, subject)
}

// Reset clears the counter for a subject, typically after a success.
func (l *Limiter) Reset(ctx context.Context, scope Scope, subject string) error {
	if err := l.redis.Del(ctx, key(scope, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the current counter value for introspection. Missing keys
// return zero and do not reveal subject existence.
func (l *Limiter) Attempts(ctx context.Context, scope Scope, subject string) (int, error) {
	count, err := l.redis.Get(ctx, key(scope, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}
