package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/bluele/gcache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func limiters(t *testing.T) map[string]RateLimiter {
	return map[string]RateLimiter{
		"redis":  NewRedisLimiter(newTestRedis(t), 3, time.Minute),
		"memory": NewMemoryLimiter(3, time.Minute),
	}
}

func TestLimiterSlidingWindow(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 3; i++ {
				ok, err := l.Allow(ctx, "alice", start.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				assert.True(t, ok, "upload %d should be admitted", i)
			}

			ok, err := l.Allow(ctx, "alice", start.Add(10*time.Second))
			require.NoError(t, err)
			assert.False(t, ok, "fourth upload inside the window must be rejected")

			ok, err = l.Allow(ctx, "bob", start.Add(10*time.Second))
			require.NoError(t, err)
			assert.True(t, ok, "owners are limited independently")

			ok, err = l.Allow(ctx, "alice", start.Add(time.Minute+500*time.Millisecond))
			require.NoError(t, err)
			assert.True(t, ok, "the first entry has aged out of the window")
		})
	}
}

func TestLimiterRejectedAttemptsDoNotCount(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				_, err := l.Allow(ctx, "alice", start)
				require.NoError(t, err)
			}
			for i := 0; i < 5; i++ {
				ok, err := l.Allow(ctx, "alice", start.Add(30*time.Second))
				require.NoError(t, err)
				assert.False(t, ok)
			}
			ok, err := l.Allow(ctx, "alice", start.Add(61*time.Second))
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLimiterConcurrentAdmissions(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.Allow(ctx, "carol", now)
					if err == nil && ok {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(3), admitted.Load())
		})
	}
}

func TestTextCacheRoundTrip(t *testing.T) {
	caches := map[string]TextCache{
		"redis":  NewRedisTextCache(newTestRedis(t)),
		"memory": NewMemoryTextCache(16),
	}
	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := c.Get(ctx, "doc-1")
			assert.ErrorIs(t, err, ErrCacheMiss)

			in := &models.ExtractedText{
				DocumentID: "doc-1",
				Text:       "hello world",
				PageCount:  2,
				Method:     models.MethodNative,
				Fragments: []models.Fragment{
					{ID: "p1-0", Page: 1, Text: "hello", FontSize: 12, Color: &models.RGB{R: 255}},
				},
			}
			require.NoError(t, c.Set(ctx, in, time.Hour))

			out, err := c.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, in.Text, out.Text)
			assert.Equal(t, in.Method, out.Method)
			require.Len(t, out.Fragments, 1)
			assert.Equal(t, uint8(255), out.Fragments[0].Color.R)
		})
	}
}

func TestMemoryTextCacheExpires(t *testing.T) {
	clock := gcache.NewFakeClock()
	c := newMemoryTextCache(16, clock)
	require.NoError(t, c.Set(context.Background(), &models.ExtractedText{DocumentID: "d"}, time.Minute))

	_, err := c.Get(context.Background(), "d")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = c.Get(context.Background(), "d")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestTextCacheDropsImages(t *testing.T) {
	caches := map[string]TextCache{
		"redis":  NewRedisTextCache(newTestRedis(t)),
		"memory": NewMemoryTextCache(16),
	}
	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := &models.ExtractedText{
				DocumentID: "doc-img",
				Text:       "logo page",
				Images:     []models.PageImage{{Page: 1, Name: "logo", FileType: "png", Data: make([]byte, 1<<20)}},
			}
			require.NoError(t, c.Set(ctx, in, time.Hour))
			assert.Len(t, in.Images, 1, "the caller's value is not modified")

			out, err := c.Get(ctx, "doc-img")
			require.NoError(t, err)
			assert.Equal(t, "logo page", out.Text)
			assert.Nil(t, out.Images)
		})
	}
}
