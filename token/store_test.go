package token

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "atk"), mr
}

func hashOf(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

func testRecord(id, userID string, createdAt time.Time) *Record {
	return &Record{
		ID:               id,
		UserID:           userID,
		TenantID:         "acme",
		Scopes:           []string{"openid"},
		Type:             TypeUser,
		RefreshHash:      HashHex(hashOf("secret-" + id)),
		RefreshExpiresAt: createdAt.Add(30 * 24 * time.Hour).Unix(),
		CreatedAt:        createdAt.Unix(),
		ExpiresAt:        createdAt.Add(8 * time.Hour).Unix(),
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "user-1" || got.TenantID != "acme" {
		t.Errorf("record mismatch: %+v", got)
	}
	if !got.Active(now) {
		t.Error("fresh record should be active")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateRefreshSwapsHash(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := hashOf("secret-next")
	rotated, err := store.RotateRefresh(ctx, "tok-1", hashOf("secret-tok-1"), next, now, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.RefreshHash != HashHex(next) {
		t.Error("refresh hash not swapped")
	}
	if rotated.Rotations != 1 {
		t.Errorf("rotations = %d, want 1", rotated.Rotations)
	}
	if rotated.ID != "tok-1" {
		t.Errorf("token ID changed across rotation: %s", rotated.ID)
	}

	// The new hash keeps working, the chain keeps counting.
	again, err := store.RotateRefresh(ctx, "tok-1", next, hashOf("secret-third"), now, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if again.Rotations != 2 {
		t.Errorf("rotations = %d, want 2", again.Rotations)
	}
}

func TestRotateRefreshReplayRevokesChain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	oldHash := hashOf("secret-tok-1")
	if _, err := store.RotateRefresh(ctx, "tok-1", oldHash, hashOf("secret-next"), now, time.Hour); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Replaying the pre-rotation token is a theft signal.
	_, err := store.RotateRefresh(ctx, "tok-1", oldHash, hashOf("secret-evil"), now, time.Hour)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}

	got, err := store.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if !got.Revoked || got.RevokedReason != ReasonReuse {
		t.Errorf("chain should be revoked with reason %q, got %+v", ReasonReuse, got)
	}

	// The legitimate holder is locked out too once the chain is dead.
	_, err = store.RotateRefresh(ctx, "tok-1", hashOf("secret-next"), hashOf("x"), now, time.Hour)
	if !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked after reuse, got %v", err)
	}
}

func TestRotateRefreshExpiredHorizon(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	rec.RefreshExpiresAt = now.Add(-time.Minute).Unix()
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := store.RotateRefresh(ctx, "tok-1", hashOf("secret-tok-1"), hashOf("next"), now, time.Hour)
	if !errors.Is(err, ErrRefreshExpired) {
		t.Errorf("expected ErrRefreshExpired, got %v", err)
	}
}

func TestRotateRefreshUnknownToken(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.RotateRefresh(context.Background(), "nope", hashOf("a"), hashOf("b"), time.Now(), time.Hour)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	done, err := store.Revoke(ctx, "tok-1", "acme", "user-1", ReasonLogout)
	if err != nil || !done {
		t.Fatalf("revoke = %v, %v; want true, nil", done, err)
	}
	done, err = store.Revoke(ctx, "tok-1", "acme", "user-1", ReasonLogout)
	if err != nil || done {
		t.Fatalf("second revoke = %v, %v; want false, nil", done, err)
	}
	done, err = store.Revoke(ctx, "missing", "acme", "user-1", ReasonLogout)
	if err != nil || done {
		t.Fatalf("missing revoke = %v, %v; want false, nil", done, err)
	}

	got, err := store.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RevokedReason != ReasonLogout {
		t.Errorf("reason = %q, want %q", got.RevokedReason, ReasonLogout)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("tok-%d", i), "user-1", now.Add(time.Duration(i)*time.Minute))
		if err := store.Create(ctx, rec, now); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	other := testRecord("tok-other", "user-2", now)
	if err := store.Create(ctx, other, now); err != nil {
		t.Fatalf("create other: %v", err)
	}

	n, err := store.RevokeAllForUser(ctx, "acme", "user-1", ReasonAdmin)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 3 {
		t.Errorf("revoked %d records, want 3", n)
	}

	active, err := store.ListActive(ctx, "acme", "user-1", now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("user-1 still has %d active sessions", len(active))
	}

	if got, _ := store.Get(ctx, "tok-other"); got == nil || got.Revoked {
		t.Error("other user's session should be untouched")
	}
}

func TestListActiveOrdersOldestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		rec := testRecord(fmt.Sprintf("tok-%d", i), "user-1", now.Add(time.Duration(i)*time.Hour))
		if err := store.Create(ctx, rec, now); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := store.Revoke(ctx, "tok-1", "acme", "user-1", ReasonLogout); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	active, err := store.ListActive(ctx, "acme", "user-1", now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"tok-0", "tok-2", "tok-3"}
	if len(active) != len(want) {
		t.Fatalf("got %d active, want %d", len(active), len(want))
	}
	for i, rec := range active {
		if rec.ID != want[i] {
			t.Errorf("active[%d] = %s, want %s", i, rec.ID, want[i])
		}
	}
}

func TestListActiveSkipsExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	rec.ExpiresAt = now.Add(-time.Minute).Unix()
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := store.ListActive(ctx, "acme", "user-1", now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expired session listed as active: %+v", active[0])
	}
}

func TestExtendExpiry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := testRecord("tok-1", "user-1", now)
	if err := store.Create(ctx, rec, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	newExpiry := now.Add(16 * time.Hour)
	if err := store.ExtendExpiry(ctx, "tok-1", newExpiry, now); err != nil {
		t.Fatalf("extend: %v", err)
	}

	got, err := store.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt != newExpiry.Unix() {
		t.Errorf("expires_at = %d, want %d", got.ExpiresAt, newExpiry.Unix())
	}

	if err := store.ExtendExpiry(ctx, "missing", newExpiry, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.Revoke(ctx, "tok-1", "acme", "user-1", ReasonLogout); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := store.ExtendExpiry(ctx, "tok-1", newExpiry, now); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
}
