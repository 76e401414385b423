package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	record := sampleRecord("ch_redis1")
	require.NoError(t, s.Set(ctx, record.ID, record, 300))

	assert.True(t, mr.Exists(redisKeyPrefix+record.ID))

	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.SessionToken, got.SessionToken)
	assert.Equal(t, record.AnswerHash, got.AnswerHash)
}

func TestRedisStoreMissReturnsNilNil(t *testing.T) {
	s, _ := newTestRedisStore(t)

	got, err := s.Get(context.Background(), "ch_absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	record := sampleRecord("ch_ttl")
	require.NoError(t, s.Set(ctx, record.ID, record, 120))

	ttl := mr.TTL(redisKeyPrefix + record.ID)
	assert.Equal(t, 120*time.Second, ttl)

	mr.FastForward(121 * time.Second)
	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	record := sampleRecord("ch_del")
	require.NoError(t, s.Set(ctx, record.ID, record, 300))
	require.NoError(t, s.Delete(ctx, record.ID))
	require.NoError(t, s.Delete(ctx, record.ID))

	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
