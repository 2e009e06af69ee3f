package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const challengeKeyPrefix = "apc"

var errChallengeBackend = errors.New("challenge backend unavailable")

// passkeyChallengeStore holds in-flight ceremony state in Redis. State blobs
// are opaque to the store; the key TTL is the ceremony window, and Take
// consumes atomically so a challenge verifies at most once.
type passkeyChallengeStore struct {
	redis redis.UniversalClient
}

func newPasskeyChallengeStore(redisClient redis.UniversalClient) *passkeyChallengeStore {
	return &passkeyChallengeStore{redis: redisClient}
}

func (s *passkeyChallengeStore) key(kind, userID string) string {
	return challengeKeyPrefix + ":" + kind + ":" + userID
}

// Save stores the ceremony state, replacing any in-flight ceremony of the
// same kind for the user.
func (s *passkeyChallengeStore) Save(ctx context.Context, kind, userID string, state []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(kind, userID), state, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

// Take atomically reads and deletes the stored state. Returns (nil, nil)
// when no challenge exists, which covers never-started, expired, and
// already-consumed ceremonies alike.
func (s *passkeyChallengeStore) Take(ctx context.Context, kind, userID string) ([]byte, error) {
	data, err := s.redis.GetDel(ctx, s.key(kind, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return data, nil
}
