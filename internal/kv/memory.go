package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/bluele/gcache"
)

// MemoryLimiter is the single-process sliding window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
}

// NewMemoryLimiter creates a limiter admitting limit events per window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, entries: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Allow(_ context.Context, ownerID string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.entries[ownerID][:0]
	for _, ts := range l.entries[ownerID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.entries[ownerID] = kept
		return false, nil
	}
	l.entries[ownerID] = append(kept, now)
	return true, nil
}

// MemoryTextCache is an in-process LRU TextCache with per-entry expiry.
type MemoryTextCache struct {
	cache gcache.Cache
}

// NewMemoryTextCache creates a cache holding at most size documents.
func NewMemoryTextCache(size int) *MemoryTextCache {
	return newMemoryTextCache(size, gcache.NewRealClock())
}

func newMemoryTextCache(size int, clock gcache.Clock) *MemoryTextCache {
	if size <= 0 {
		size = 512
	}
	return &MemoryTextCache{cache: gcache.New(size).LRU().Clock(clock).Build()}
}

func (c *MemoryTextCache) Get(_ context.Context, documentID string) (*models.ExtractedText, error) {
	v, err := c.cache.Get(documentID)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	text := v.(models.ExtractedText)
	return &text, nil
}

func (c *MemoryTextCache) Set(_ context.Context, text *models.ExtractedText, ttl time.Duration) error {
	entry := *text
	entry.Images = nil
	return c.cache.SetWithExpire(text.DocumentID, entry, ttl)
}

// Delete drops an entry, as if its TTL had elapsed.
func (c *MemoryTextCache) Delete(documentID string) {
	c.cache.Remove(documentID)
}
