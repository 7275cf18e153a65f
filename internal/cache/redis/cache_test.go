package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, Config{KeyPrefix: "test:"}), srv
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	c, srv := newTestCache(t)
	ctx := context.Background()
	body := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}

	require.NoError(t, c.Set(ctx, "abc", imagefetch.FetchResult{
		Body:        body,
		ContentType: "image/png",
		FinalURL:    "https://example.com/a.png",
		StatusCode:  200,
	}, time.Hour))

	assert.True(t, srv.Exists("test:abc"))
	assert.Equal(t, time.Hour, srv.TTL("test:abc"))

	got, ok, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, len(body), got.ByteLength)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, 200, got.StatusCode)
}

func TestCacheMissAndExpiry(t *testing.T) {
	t.Parallel()

	c, srv := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", imagefetch.FetchResult{Body: []byte("x"), ContentType: "image/gif"}, time.Minute))
	srv.FastForward(2 * time.Minute)

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheServerDown(t *testing.T) {
	t.Parallel()

	c, srv := newTestCache(t)
	srv.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.Error(t, err)

	srv := miniredis.RunT(t)
	c, err := New(context.Background(), Config{Addr: srv.Addr()})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
