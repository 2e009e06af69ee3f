package token

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no record exists for a token ID.
	ErrNotFound = errors.New("token record not found")
	// ErrRevoked is returned when the record exists but has been revoked.
	ErrRevoked = errors.New("token revoked")
	// ErrReuseDetected is returned when a rotation presents a refresh hash
	// that no longer matches the record: the token was already rotated and
	// is being replayed. The store revokes the whole chain before returning.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrRefreshExpired is returned when the refresh horizon has passed.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRedisUnavailable reports a failed round-trip to the backend.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Tombstones outlive the refresh horizon by this much so a replay close to
// expiry still reads the revocation reason instead of "not found".
const tombstoneSlack = 5 * time.Minute

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusExpired  int64 = 3
	rotateStatusRotated  int64 = 4
)

// rotateScript performs the compare-hash-and-swap that makes refresh
// rotation atomic. A mismatched hash is a replay of an already-rotated
// token: the chain is revoked in the same script invocation so the theft
// signal is durable even if the caller crashes before auditing.
const rotateScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return {0, ""}
end
local rec = cjson.decode(raw)
if rec.revoked then
  return {1, raw}
end
if rec.refresh_hash ~= ARGV[1] then
  rec.revoked = true
  rec.revoked_reason = "reuse"
  local ttl = redis.call("TTL", KEYS[1])
  if ttl > 0 then
    redis.call("SET", KEYS[1], cjson.encode(rec), "EX", ttl)
  else
    redis.call("SET", KEYS[1], cjson.encode(rec))
  end
  return {2, raw}
end
local now = tonumber(ARGV[3])
if rec.refresh_expires_at ~= nil and rec.refresh_expires_at > 0 and now >= rec.refresh_expires_at then
  return {3, raw}
end
rec.refresh_hash = ARGV[2]
rec.refresh_expires_at = tonumber(ARGV[4])
rec.rotations = (rec.rotations or 0) + 1
local encoded = cjson.encode(rec)
redis.call("SET", KEYS[1], encoded, "EX", tonumber(ARGV[5]))
return {4, encoded}
`

var rotateLua = redis.NewScript(rotateScript)

const (
	revokeStatusNotFound int64 = 0
	revokeStatusAlready  int64 = 1
	revokeStatusRevoked  int64 = 2
)

// revokeScript marks a record revoked and drops it from the user's active
// index in one step. Idempotent: revoking twice or revoking a missing
// record is not an error.
const revokeScript = `
redis.call("ZREM", KEYS[2], ARGV[2])
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec.revoked then
  return 1
end
rec.revoked = true
rec.revoked_reason = ARGV[1]
local ttl = redis.call("TTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], cjson.encode(rec), "EX", ttl)
else
  redis.call("SET", KEYS[1], cjson.encode(rec))
end
return 2
`

var revokeLua = redis.NewScript(revokeScript)

// extendScript pushes the session expiry forward without disturbing
// concurrent rotation.
const extendScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec.revoked then
  return 1
end
rec.expires_at = tonumber(ARGV[1])
redis.call("SET", KEYS[1], cjson.encode(rec), "EX", tonumber(ARGV[2]))
return 2
`

var extendLua = redis.NewScript(extendScript)

// Store persists token lifecycle records in Redis. Records are JSON blobs
// keyed by token ID; a per-user ZSET scored by creation time provides the
// oldest-first ordering session eviction relies on.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a token [Store]. prefix namespaces all keys so several
// engines can share one Redis.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "atk"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":r:" + id
}

func (s *Store) userKey(tenantID, userID string) string {
	return s.prefix + ":u:" + tenantID + ":" + userID
}

func (s *Store) horizon(rec *Record, now time.Time) time.Duration {
	end := rec.ExpiresAt
	if rec.RefreshExpiresAt > end {
		end = rec.RefreshExpiresAt
	}
	d := time.Duration(end-now.Unix())*time.Second + tombstoneSlack
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Create persists a fresh record and indexes it under its user. The record
// TTL covers the refresh horizon plus tombstone slack.
func (s *Store) Create(ctx context.Context, rec *Record, now time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := s.horizon(rec, now)
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, ttl)
	if rec.UserID != "" {
		userKey := s.userKey(rec.TenantID, rec.UserID)
		pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(rec.CreatedAt), Member: rec.ID})
		pipe.Expire(ctx, userKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a record by token ID, including revoked tombstones.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record: %v", ErrRedisUnavailable, err)
	}
	return &rec, nil
}

// RotateRefresh atomically swaps the refresh hash. The presented hash must
// match the stored one; a mismatch revokes the chain and returns
// [ErrReuseDetected]. On success the returned record carries the new hash
// and refresh expiry.
func (s *Store) RotateRefresh(
	ctx context.Context,
	id string,
	providedHash [32]byte,
	nextHash [32]byte,
	now time.Time,
	refreshTTL time.Duration,
) (*Record, error) {
	newRefreshExpiry := now.Add(refreshTTL).Unix()

	// Key TTL must cover whichever horizon is later after rotation.
	keyTTL := refreshTTL + tombstoneSlack

	res, err := rotateLua.Run(ctx, s.redis,
		[]string{s.recordKey(id)},
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(nextHash[:]),
		now.Unix(),
		newRefreshExpiry,
		int64(keyTTL.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("%w: unexpected rotate reply", ErrRedisUnavailable)
	}
	status, _ := parts[0].(int64)
	payload, _ := parts[1].(string)

	var rec *Record
	if payload != "" {
		rec = &Record{}
		if err := json.Unmarshal([]byte(payload), rec); err != nil {
			return nil, fmt.Errorf("%w: corrupt record: %v", ErrRedisUnavailable, err)
		}
	}

	switch status {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusRevoked:
		return rec, ErrRevoked
	case rotateStatusReuse:
		if rec != nil && rec.UserID != "" {
			// Best-effort index cleanup; counting skips revoked records anyway.
			_ = s.redis.ZRem(ctx, s.userKey(rec.TenantID, rec.UserID), rec.ID).Err()
		}
		return rec, ErrReuseDetected
	case rotateStatusExpired:
		return rec, ErrRefreshExpired
	case rotateStatusRotated:
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: unexpected rotate status %d", ErrRedisUnavailable, status)
	}
}

// Revoke marks a record revoked and removes it from the active index.
// Idempotent; returns true when this call performed the transition.
func (s *Store) Revoke(ctx context.Context, id, tenantID, userID, reason string) (bool, error) {
	status, err := revokeLua.Run(ctx, s.redis,
		[]string{s.recordKey(id), s.userKey(tenantID, userID)},
		reason,
		id,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return status == revokeStatusRevoked, nil
}

// RevokeAllForUser revokes every indexed record for a user. Returns the
// number of records transitioned.
func (s *Store) RevokeAllForUser(ctx context.Context, tenantID, userID, reason string) (int, error) {
	userKey := s.userKey(tenantID, userID)
	ids, err := s.redis.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	revoked := 0
	for _, id := range ids {
		done, err := s.Revoke(ctx, id, tenantID, userID, reason)
		if err != nil {
			return revoked, err
		}
		if done {
			revoked++
		}
	}
	return revoked, nil
}

// ListActive returns the user's non-revoked, non-expired records ordered
// oldest first. Index entries whose records have vanished or gone inactive
// are pruned as a side effect.
func (s *Store) ListActive(ctx context.Context, tenantID, userID string, now time.Time) ([]*Record, error) {
	userKey := s.userKey(tenantID, userID)
	ids, err := s.redis.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	active := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				_ = s.redis.ZRem(ctx, userKey, id).Err()
				continue
			}
			return nil, err
		}
		if !rec.Active(now) {
			_ = s.redis.ZRem(ctx, userKey, id).Err()
			continue
		}
		active = append(active, rec)
	}
	return active, nil
}

// ExtendExpiry pushes the session expiry forward (extend-on-activity).
func (s *Store) ExtendExpiry(ctx context.Context, id string, newExpiry time.Time, now time.Time) error {
	keyTTL := newExpiry.Sub(now) + tombstoneSlack
	if keyTTL < time.Second {
		keyTTL = time.Second
	}

	status, err := extendLua.Run(ctx, s.redis,
		[]string{s.recordKey(id)},
		newExpiry.Unix(),
		int64(keyTTL.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch status {
	case 0:
		return ErrNotFound
	case 1:
		return ErrRevoked
	default:
		return nil
	}
}

// HashHex renders a refresh-secret hash the way records store it.
func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
