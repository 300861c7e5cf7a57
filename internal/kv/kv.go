// Package kv holds the key-value backed shared state: the per-owner sliding
// window rate limiter and the extracted-text cache.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
)

// ErrCacheMiss is returned when no live entry exists for a key.
var ErrCacheMiss = errors.New("kv: cache miss")

// RateLimiter admits at most a fixed number of events per owner within a sliding window.
// Allow must prune, count and insert atomically.
type RateLimiter interface {
	Allow(ctx context.Context, ownerID string, now time.Time) (bool, error)
}

// TextCache stores extraction results keyed by document id with a TTL.
// Writes for one key are idempotent, so last-writer-wins is safe.
type TextCache interface {
	Get(ctx context.Context, documentID string) (*models.ExtractedText, error)
	Set(ctx context.Context, text *models.ExtractedText, ttl time.Duration) error
}
