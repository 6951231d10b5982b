package cache

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewMemory(time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte(`{"a":1}`), 0))
	require.NoError(t, c.Set(ctx, "short", []byte(`null`), 5*time.Second))

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(v))

	now = now.Add(5 * time.Second)
	_, ok, _ = c.Get(ctx, "short")
	assert.False(t, ok, "entry expires exactly at its deadline")
	_, ok, _ = c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemorySetReplacesAndCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)
	buf := []byte(`1`)
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = '2'
	v, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "1", string(v))

	require.NoError(t, c.Set(ctx, "k", []byte(`3`), 0))
	v, _, _ = c.Get(ctx, "k")
	assert.Equal(t, "3", string(v))
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(0)
	require.NoError(t, c.Set(ctx, "k", []byte(`{"d":1}`), 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	v[0] = 'X'

	again, _, _ := c.Get(ctx, "k")
	assert.JSONEq(t, `{"d":1}`, string(again))
}

func TestMemoryLongerCallTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c := NewMemory(time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte(`1`), time.Hour))
	now = now.Add(30 * time.Minute)
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok, "per-call ttl outlives the store default")
}

func TestMemoryClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Hour)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, []byte(`true`), 0))
	}
	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestRedisStore_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping integration test")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	c := NewRedis(rdb, "geocache-test:"+time.Now().Format("150405.000000")+":", time.Minute)
	require.NoError(t, c.Set(ctx, "osrm:route:1,1;2,2:", []byte(`{"distanceMeters":null}`), 0))
	v, ok, err := c.Get(ctx, "osrm:route:1,1;2,2:")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"distanceMeters":null}`, string(v))

	require.NoError(t, c.Clear(ctx))
	_, ok, err = c.Get(ctx, "osrm:route:1,1;2,2:")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx := context.Background()
	c, err := NewPostgres(ctx, dsn, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k1", []byte(`{"x":1}`), 0))
	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(v))

	require.NoError(t, c.Set(ctx, "k1", []byte(`{"x":2}`), 0))
	v, _, _ = c.Get(ctx, "k1")
	assert.JSONEq(t, `{"x":2}`, string(v))

	require.NoError(t, c.Clear(ctx))
	_, ok, _ = c.Get(ctx, "k1")
	assert.False(t, ok)
}
