package rate

import "errors"

var (
	// ErrRateLimited reports that a scoped counter exceeded its budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable reports a failed round-trip to the counter backend.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
