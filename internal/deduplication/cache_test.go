package deduplication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps values in a map and hands back pre-resolved commands
type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	c := newRedisCache(rdb, 6*time.Hour)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	verdict := &ai.DedupVerdict{
		KeepID:     "p1",
		Duplicates: []ai.DedupAssertion{{ID: "p2", Confidence: 91, Reason: "same"}},
		Reason:     "dup",
	}
	require.NoError(t, c.Set(ctx, "k1", verdict))
	assert.Equal(t, 6*time.Hour, rdb.ttls[cacheKeyPrefix+"k1"])

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, verdict, got)
}

func TestRedisCacheErrors(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	rdb.values[cacheKeyPrefix+"bad"] = "{not json"
	c := newRedisCache(rdb, time.Hour)

	_, _, err := c.Get(ctx, "bad")
	assert.Error(t, err)

	rdb.err = errors.New("connection refused")
	_, _, err = c.Get(ctx, "k")
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, c.Set(ctx, "k", &ai.DedupVerdict{}))
}

func TestCacheKeyIsStable(t *testing.T) {
	a := map[string]any{"anchor_product": map[string]any{"id": "1", "name": "x"}, "candidate_products": []any{"2"}}
	b := map[string]any{"candidate_products": []any{"2"}, "anchor_product": map[string]any{"name": "x", "id": "1"}}
	c := map[string]any{"anchor_product": map[string]any{"id": "1", "name": "y"}, "candidate_products": []any{"2"}}

	ka, err := cacheKey(a)
	require.NoError(t, err)
	kb, err := cacheKey(b)
	require.NoError(t, err)
	kc, err := cacheKey(c)
	require.NoError(t, err)

	assert.Equal(t, ka, kb)
	assert.NotEqual(t, ka, kc)
	assert.Len(t, ka, 64)
}
