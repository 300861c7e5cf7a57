package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dispatcher hands a staged document to extraction without blocking the
// caller. It returns an execution id for traceability.
type Dispatcher interface {
	Dispatch(ctx context.Context, doc *models.Document) (string, error)
}

// ErrQueueFull is returned when the local worker queue cannot take more work.
var ErrQueueFull = errors.New("extraction queue is full")

// LocalDispatcher runs extraction on a bounded in-process worker pool.
type LocalDispatcher struct {
	mu      sync.Mutex
	closed  bool
	workers int
	queue   chan string
	eg      *errgroup.Group
}

// NewLocalDispatcher creates a dispatcher with workers goroutines and a queue
// of queueSize pending documents. Start must be called before work runs.
func NewLocalDispatcher(workers, queueSize int) *LocalDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	eg := &errgroup.Group{}
	eg.SetLimit(workers)
	return &LocalDispatcher{workers: workers, queue: make(chan string, queueSize), eg: eg}
}

// Start launches the workers. process errors are logged, never propagated:
// the document record already carries the failure.
func (d *LocalDispatcher) Start(ctx context.Context, process func(context.Context, string) error) {
	for i := 0; i < d.workers; i++ {
		d.eg.Go(func() error {
			for id := range d.queue {
				if err := process(ctx, id); err != nil {
					slog.Warn("Background extraction failed.", "documentId", id, "error", err)
				}
			}
			return nil
		})
	}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, doc *models.Document) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", errors.New("dispatcher is closed")
	}
	select {
	case d.queue <- doc.ID:
		return "local-" + uuid.NewString(), nil
	default:
		return "", ErrQueueFull
	}
}

// Close stops accepting work and waits for queued documents to finish.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	return d.eg.Wait()
}

// FinalizeDispatcher is used when the object store's finalize notification
// triggers extraction. A retry reuses an object that already exists, which
// fires no notification, so retries go through fallback.
type FinalizeDispatcher struct {
	fallback Dispatcher
}

// NewFinalizeDispatcher wraps the dispatcher used for retries.
func NewFinalizeDispatcher(fallback Dispatcher) *FinalizeDispatcher {
	return &FinalizeDispatcher{fallback: fallback}
}

func (d *FinalizeDispatcher) Dispatch(ctx context.Context, doc *models.Document) (string, error) {
	if doc.Attempt > 1 {
		return d.fallback.Dispatch(ctx, doc)
	}
	return "finalize-event", nil
}
