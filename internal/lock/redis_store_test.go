package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, WithKeyPrefix("govlock-test:"))
}

func TestRedisStore_AcquireAndConflict(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	l, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, 5*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "u1", l.OwnerID)

	_, err = store.Acquire(ctx, "res-1", ScopeAssessment, "u2", TypeExclusive, 5*time.Minute)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "u1", conflict.HolderID)
	assert.Equal(t, TypeExclusive, conflict.Type)
	assert.Greater(t, conflict.Remaining(time.Now()), 4*time.Minute)
}

func TestRedisStore_ScopesAreIndependent(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, time.Minute)
	require.NoError(t, err)

	_, err = store.Acquire(ctx, "res-1", ScopeEUAIAct, "u2", TypeExclusive, time.Minute)
	require.NoError(t, err)
}

func TestRedisStore_SharedCoexist(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-2", ScopeISO42001, "u1", TypeShared, time.Minute)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "res-2", ScopeISO42001, "u2", TypeShared, time.Minute)
	require.NoError(t, err)

	_, err = store.Acquire(ctx, "res-2", ScopeISO42001, "u3", TypeExclusive, time.Minute)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	locks, err := store.Get(ctx, "res-2", ScopeISO42001)
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestRedisStore_ReacquireRefreshes(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, time.Minute)
	require.NoError(t, err)

	second, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestRedisStore_ExpiredLockIsInert(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, 40*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	l, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u2", TypeExclusive, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "u2", l.OwnerID)
}

func TestRedisStore_Renew(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	l, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, time.Minute)
	require.NoError(t, err)

	renewed, err := store.Renew(ctx, "res-1", ScopeAssessment, "u1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, l.ID, renewed.ID)
	assert.Equal(t, TypeExclusive, renewed.Type)
	assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))

	_, err = store.Renew(ctx, "res-1", ScopeAssessment, "u2", time.Minute)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRedisStore_RenewAfterExpiry(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, 40*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = store.Renew(ctx, "res-1", ScopeAssessment, "u1", time.Minute)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRedisStore_ReleaseIdempotent(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive))
	require.NoError(t, store.Release(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive))
	require.NoError(t, store.Release(ctx, "res-9", ScopeAssessment, "u1", ""))

	locks, err := store.Get(ctx, "res-1", ScopeAssessment)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestRedisStore_ForceRelease(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-2", ScopeISO42001, "u1", TypeShared, time.Minute)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "res-2", ScopeISO42001, "u2", TypeShared, time.Minute)
	require.NoError(t, err)

	released, err := store.ForceRelease(ctx, "res-2", ScopeISO42001)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	locks, err := store.Get(ctx, "res-2", ScopeISO42001)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestRedisStore_CountActiveAndPurge(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "res-1", ScopeAssessment, "u1", TypeExclusive, time.Minute)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "res-2", ScopeISO42001, "u2", TypeShared, 40*time.Millisecond)
	require.NoError(t, err)

	counts, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ScopeAssessment])
	assert.Equal(t, 1, counts[ScopeISO42001])

	time.Sleep(60 * time.Millisecond)

	counts, err = store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[ScopeISO42001])

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))
}
