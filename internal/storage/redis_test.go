package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/postguard/internal/ban"
)

func newRedisStore(t *testing.T) (*RedisBanStore, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	s, err := DialRedis(RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, server
}

func TestRedisBanStore_PutLookupDelete(t *testing.T) {
	s, server := newRedisStore(t)
	ctx := context.Background()

	got, err := s.Lookup(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, ban.Entry{ID: "b1", Fingerprint: "deadbeef", Reason: "spam", BannedAt: ts0}))
	assert.True(t, server.Exists("postguard:ban:deadbeef"))
	assert.True(t, server.Exists("postguard:banid:b1"))

	got, err = s.Lookup(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "spam", got.Reason)

	require.NoError(t, s.Delete(ctx, "b1"))
	assert.False(t, server.Exists("postguard:ban:deadbeef"))
	assert.False(t, server.Exists("postguard:banid:b1"))
	assert.ErrorIs(t, s.Delete(ctx, "b1"), ban.ErrNotFound)
}

func TestRedisBanStore_ReplaceDropsOldID(t *testing.T) {
	s, server := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, ban.Entry{ID: "old", Fingerprint: "fp"}))
	require.NoError(t, s.Put(ctx, ban.Entry{ID: "new", Fingerprint: "fp"}))

	assert.False(t, server.Exists("postguard:banid:old"))
	assert.ErrorIs(t, s.Delete(ctx, "old"), ban.ErrNotFound)

	got, err := s.Lookup(ctx, "fp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.ID)
}

func TestRedisBanStore_List(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, ban.Entry{ID: "1", Fingerprint: "a", BannedAt: ts0}))
	require.NoError(t, s.Put(ctx, ban.Entry{ID: "2", Fingerprint: "b", BannedAt: ts0.Add(time.Hour)}))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Fingerprint)
}

func TestRedisBanStore_RegistryFailsWhenServerDown(t *testing.T) {
	s, server := newRedisStore(t)
	reg := ban.NewRegistry(s, 200*time.Millisecond, nil)
	server.Close()

	_, err := reg.Check(context.Background(), "deadbeef")
	assert.Error(t, err)
	assert.Error(t, reg.Ping(context.Background()))
}

func TestRedisBanStore_CustomPrefix(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	s := NewRedisBanStore(client, "board1:")
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), ban.Entry{ID: "x", Fingerprint: "fp"}))
	assert.True(t, server.Exists("board1:ban:fp"))
}

func TestRedisBanStore_SimilarFingerprintsStayDistinct(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, ban.Entry{ID: "x", Fingerprint: "ab:cd", BannedAt: ts0}))

	got, err := s.Lookup(ctx, "ab_cd")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Lookup(ctx, "ab:cd")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, s.Delete(ctx, "x"))
	got, err = s.Lookup(ctx, "ab:cd")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBanStore_KeyTTLFollowsExpiry(t *testing.T) {
	s, server := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, ban.Entry{ID: "perm", Fingerprint: "p", BannedAt: ts0}))
	assert.Zero(t, server.TTL("postguard:ban:p"))

	exp := time.Now().Add(2 * time.Hour)
	require.NoError(t, s.Put(ctx, ban.Entry{ID: "temp", Fingerprint: "t", BannedAt: time.Now(), ExpiresAt: &exp}))
	want := 2*time.Hour + ExpiredBanGrace
	assert.InDelta(t, want.Seconds(), server.TTL("postguard:ban:t").Seconds(), 5)
	assert.InDelta(t, want.Seconds(), server.TTL("postguard:banid:temp").Seconds(), 5)

	server.FastForward(want + time.Minute)
	got, err := s.Lookup(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, server.Exists("postguard:banid:temp"))
}

func TestKeyTTL(t *testing.T) {
	now := time.Now()
	assert.Zero(t, keyTTL(ban.Entry{}, now))

	future := now.Add(time.Hour)
	assert.Equal(t, time.Hour+ExpiredBanGrace, keyTTL(ban.Entry{ExpiresAt: &future}, now))

	longGone := now.Add(-48 * time.Hour)
	assert.Equal(t, time.Second, keyTTL(ban.Entry{ExpiresAt: &longGone}, now))
}

func TestDialRedis_Errors(t *testing.T) {
	_, err := DialRedis(RedisConfig{})
	assert.Error(t, err)

	_, err = DialRedis(RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}
