package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secret.drop/internal/models"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, _ := newMiniredisStore(t)
		return s
	})
}

func TestNewRedisStoreFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(&redis.Options{Addr: addr, MaxRetries: -1})
	assert.Error(t, err)
}

func TestRedisStoreKeyTTL(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	timed := newTestSecret("timed", time.Now().UTC(), 0)
	require.NoError(t, s.Put(ctx, timed))
	ttl := mr.TTL(secretKey("timed"))
	assert.Greater(t, ttl, time.Hour)
	assert.LessOrEqual(t, ttl, time.Hour+tombstoneRetention)

	untimed := newTestSecret("untimed", time.Now().UTC(), 1)
	untimed.ExpiresAt = nil
	require.NoError(t, s.Put(ctx, untimed))
	assert.Equal(t, time.Duration(0), mr.TTL(secretKey("untimed")))

	require.NoError(t, s.CompareAndUpdate(ctx, "untimed", 0, models.Mutation{ReadCount: 1, Deleted: true}))
	assert.Equal(t, tombstoneRetention, mr.TTL(secretKey("untimed")))
}

func TestRedisStoreCompareAndUpdateKeepsTTL(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newTestSecret("keep", time.Now().UTC(), 3)))
	before := mr.TTL(secretKey("keep"))

	require.NoError(t, s.CompareAndUpdate(ctx, "keep", 0, models.Mutation{ReadCount: 1}))
	assert.Equal(t, before, mr.TTL(secretKey("keep")))
}

func TestRedisStoreScanDropsExpiredKeysFromIndex(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newTestSecret("gone", time.Now().UTC(), 1)))
	require.NoError(t, s.Put(ctx, newTestSecret("here", time.Now().UTC().Add(time.Second), 1)))
	mr.Del(secretKey("gone"))

	all, err := s.Scan(ctx, Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"here"}, ids(all))

	members, err := mr.ZMembers(indexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"here"}, members)
}

func TestRedisStoreNow(t *testing.T) {
	s, mr := newMiniredisStore(t)
	want := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(want)

	got, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "got %s", got)
}
