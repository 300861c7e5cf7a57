package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/kv"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/pubsub"
	"github.com/Lllllllleong/documentauditflow/internal/registry"
)

// UploadRequest is one file handed to the pipeline. Body is streamed once.
type UploadRequest struct {
	OwnerID        string
	ConversationID string
	Filename       string
	MimeType       string
	// Size is the declared size; -1 when unknown. The ceiling is also
	// enforced while streaming.
	Size int64
	Body io.Reader
}

// IngestionConfig holds the pipeline limits.
type IngestionConfig struct {
	MaxUploadBytes   int64
	AllowedMimeTypes []string
	CacheTTL         time.Duration
	// PollInterval is how often Watch re-reads the registry for state
	// changes made by another process.
	PollInterval time.Duration
}

// Pipeline validates, rate-limits, deduplicates and stages uploads, then
// drives extraction and publishes progress.
type Pipeline struct {
	registry   registry.DocumentRegistry
	store      ObjectStore
	extractor  Extractor
	limiter    kv.RateLimiter
	cache      kv.TextCache
	events     *pubsub.Broker[models.ProgressEvent]
	dispatcher Dispatcher
	cfg        IngestionConfig
	locks      keyedMutex
	now        func() time.Time
}

// NewPipeline wires the pipeline. The dispatcher may be set later with
// SetDispatcher when it needs the pipeline itself.
func NewPipeline(
	reg registry.DocumentRegistry,
	store ObjectStore,
	extractor Extractor,
	limiter kv.RateLimiter,
	cache kv.TextCache,
	events *pubsub.Broker[models.ProgressEvent],
	dispatcher Dispatcher,
	cfg IngestionConfig,
) *Pipeline {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pipeline{
		registry:   reg,
		store:      store,
		extractor:  extractor,
		limiter:    limiter,
		cache:      cache,
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetDispatcher replaces the dispatcher.
func (p *Pipeline) SetDispatcher(d Dispatcher) { p.dispatcher = d }

// Upload runs the synchronous part of ingestion. On success the returned
// Document is PROCESSING (or READY when an identical upload already
// finished). A staging or dispatch failure returns the FAILED document
// together with the typed error.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	logCtx := slog.With("ownerId", req.OwnerID, "conversationId", req.ConversationID, "filename", req.Filename)

	ok, err := p.limiter.Allow(ctx, req.OwnerID, p.now())
	if err != nil {
		logCtx.Warn("Rate limiter unavailable, admitting upload.", "error", err)
	} else if !ok {
		logCtx.Info("Upload rejected by rate limiter.")
		return nil, models.NewError(models.CodeRateLimited, nil, "too many uploads, try again later")
	}

	mimeType := baseMime(req.MimeType)
	if !slices.Contains(p.cfg.AllowedMimeTypes, mimeType) {
		return nil, models.NewError(models.CodeUnsupportedMime, nil, "mime type %q is not allowed", req.MimeType)
	}
	if req.Size > p.cfg.MaxUploadBytes {
		return nil, models.NewError(models.CodeUploadTooLarge, nil, "upload of %d bytes exceeds the %d byte limit", req.Size, p.cfg.MaxUploadBytes)
	}

	tmp, size, hash, err := p.spool(req.Body)
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	key := models.IdempotencyKey{OwnerID: req.OwnerID, ConversationID: req.ConversationID, ContentHash: hash}
	logCtx = logCtx.With("contentHash", hash)

	unlock := p.locks.Lock(key.String())
	defer unlock()

	now := p.now().UTC()
	doc, created, err := p.registry.CreateIfAbsent(ctx, &models.Document{
		OwnerID:        req.OwnerID,
		ConversationID: req.ConversationID,
		Filename:       req.Filename,
		MimeType:       mimeType,
		ByteSize:       size,
		ContentHash:    hash,
		StorageKey:     key.StorageKey(),
		Status:         models.StatusUploading,
		Attempt:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		logCtx.Error("Failed to create document record.", "error", err)
		return nil, models.NewError(models.CodeStorageError, err, "failed to record upload")
	}
	logCtx = logCtx.With("documentId", doc.ID)

	if !created {
		switch doc.Status {
		case models.StatusReady, models.StatusProcessing:
			logCtx.Info("Duplicate upload detected, returning existing document.", "status", doc.Status)
			return doc, nil
		case models.StatusFailed:
			retried, err := p.registry.MarkRetry(ctx, doc.ID)
			if err != nil {
				return nil, models.NewError(models.CodeStorageError, err, "failed to start retry")
			}
			if !retried {
				return p.registry.Get(ctx, doc.ID)
			}
			doc.Status = models.StatusUploading
			doc.Attempt++
			doc.ErrorCode, doc.ErrorDetail = "", ""
			logCtx.Info("Retrying previously failed document.", "attempt", doc.Attempt)
		case models.StatusUploading:
			// A previous attempt stopped before staging finished. Staging and
			// dispatch are idempotent, so this request completes it.
			logCtx.Info("Resuming interrupted upload.")
		}
	} else {
		logCtx.Info("Created document record.")
	}
	p.publish(doc, models.PhaseUpload, "")

	if err := p.store.Put(ctx, doc.StorageKey, tmp, mimeType); err != nil {
		return p.fail(ctx, logCtx, doc, models.CodeStorageError, "failed to stage upload", err)
	}
	if err := p.registry.UpdateStatus(ctx, doc.ID, registry.StatusUpdate{Status: models.StatusProcessing}); err != nil {
		return p.fail(ctx, logCtx, doc, models.CodeStorageError, "failed to update status to PROCESSING", err)
	}
	doc.Status = models.StatusProcessing
	p.publish(doc, models.PhaseExtract, "")

	execID, err := p.dispatcher.Dispatch(ctx, doc)
	if err != nil {
		return p.fail(ctx, logCtx, doc, models.CodeExtractionFailed, "failed to dispatch extraction", err)
	}
	logCtx.Info("Hand-off to extraction complete.", "executionId", execID)
	return doc, nil
}

// spool streams body to a temp file while hashing it, enforcing the ceiling.
func (p *Pipeline) spool(body io.Reader) (*os.File, int64, string, error) {
	tmp, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return nil, 0, "", models.NewError(models.CodeStorageError, err, "failed to create temp file")
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(body, p.cfg.MaxUploadBytes+1))
	if err == nil && n > p.cfg.MaxUploadBytes {
		err = models.NewError(models.CodeUploadTooLarge, nil, "upload exceeds the %d byte limit", p.cfg.MaxUploadBytes)
	} else if err != nil {
		err = models.NewError(models.CodeStorageError, err, "failed to read upload")
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, "", err
	}
	return tmp, n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// fail marks the document FAILED, publishes the terminal event and returns
// the document with a typed error.
func (p *Pipeline) fail(ctx context.Context, logCtx *slog.Logger, doc *models.Document, code models.ErrorCode, message string, cause error) (*models.Document, error) {
	detail := fmt.Sprintf("%s: %v", message, cause)
	logCtx.Error(message, "error", cause, "errorCode", code)
	if err := p.registry.UpdateStatus(ctx, doc.ID, registry.StatusUpdate{
		Status:      models.StatusFailed,
		ErrorCode:   code,
		ErrorDetail: detail,
	}); err != nil {
		logCtx.Error("CRITICAL: Failed to update status to FAILED after a processing error.", "updateError", err)
	}
	doc.Status = models.StatusFailed
	doc.ErrorCode = code
	doc.ErrorDetail = detail
	p.publish(doc, models.PhaseFailed, detail)
	return doc, models.NewError(code, cause, "%s", message)
}

func (p *Pipeline) publish(doc *models.Document, phase models.Phase, detail string) {
	eventType := pubsub.ProgressEvent
	if phase.IsTerminal() {
		eventType = pubsub.TerminalEvent
	}
	p.events.Publish(doc.ID, eventType, models.ProgressEvent{
		DocumentID: doc.ID,
		Phase:      phase,
		Status:     doc.Status,
		Detail:     detail,
		At:         p.now().UTC(),
	})
}

// ProcessExtraction extracts a staged document, caches its text and records
// READY or FAILED. It is idempotent: READY and FAILED documents are returned
// unchanged.
func (p *Pipeline) ProcessExtraction(ctx context.Context, documentID, executionID string) (*models.Document, error) {
	logCtx := slog.With("documentId", documentID, "executionId", executionID)

	doc, err := p.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status.IsTerminal() {
		logCtx.Info("Document already in a terminal state, skipping.", "status", doc.Status)
		return doc, nil
	}
	if doc.Status == models.StatusUploading {
		// A finalize notification can overtake the PROCESSING update. The
		// caller retries; extracting now would be overwritten by Upload.
		return nil, models.NewError(models.CodeNotFound, nil, "document %s is still staging", doc.ID)
	}

	text, err := p.cache.Get(ctx, doc.ID)
	if err == nil {
		logCtx.Info("Reusing cached extraction.")
	} else {
		text, err = p.extractor.Extract(ctx, doc)
		if err != nil {
			code := models.CodeOf(err)
			if code == "" || code == models.CodeUnsupportedMime {
				code = models.CodeExtractionFailed
			}
			return p.fail(ctx, logCtx, doc, code, "extraction failed", err)
		}
		if err := p.cache.Set(ctx, text, p.cfg.CacheTTL); err != nil {
			logCtx.Warn("Failed to cache extracted text; it will be regenerated on read.", "error", err)
		}
	}

	if err := p.registry.UpdateStatus(ctx, doc.ID, registry.StatusUpdate{
		Status:      models.StatusReady,
		PageCount:   text.PageCount,
		ExecutionID: executionID,
	}); err != nil {
		return p.fail(ctx, logCtx, doc, models.CodeStorageError, "failed to update status to READY", err)
	}
	doc.Status = models.StatusReady
	doc.PageCount = text.PageCount
	p.publish(doc, models.PhaseReady, "")
	logCtx.Info("Document ready.", "pageCount", text.PageCount, "method", text.Method)
	return doc, nil
}

// ReadyText returns the extracted text of a READY document. A failed cache
// read is retried once; a miss regenerates the text from the stored binary.
func (p *Pipeline) ReadyText(ctx context.Context, documentID string) (*models.ExtractedText, error) {
	doc, err := p.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case models.StatusReady:
	case models.StatusFailed:
		code := doc.ErrorCode
		if code == "" {
			code = models.CodeExtractionFailed
		}
		return nil, models.NewError(code, nil, "document %s failed: %s", doc.ID, doc.ErrorDetail)
	default:
		return nil, models.NewError(models.CodeNotFound, nil, "document %s is not ready", doc.ID)
	}

	text, err := p.cache.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, kv.ErrCacheMiss) {
		slog.Warn("Cache read failed, retrying once.", "documentId", doc.ID, "error", err)
		text, err = p.cache.Get(ctx, doc.ID)
	}
	if err == nil {
		return text, nil
	}

	slog.Info("Extracted text not cached, regenerating.", "documentId", doc.ID)
	text, err = p.extractor.Extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, text, p.cfg.CacheTTL); err != nil {
		slog.Warn("Failed to cache regenerated text.", "documentId", doc.ID, "error", err)
	}
	return text, nil
}

// Images reads the raster images of a READY document from its stored binary.
func (p *Pipeline) Images(ctx context.Context, documentID string) ([]models.PageImage, error) {
	doc, err := p.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.StatusReady {
		return nil, models.NewError(models.CodeNotFound, nil, "document %s is not ready", doc.ID)
	}
	return p.extractor.Images(ctx, doc)
}

// Document returns the registry record.
func (p *Pipeline) Document(ctx context.Context, documentID string) (*models.Document, error) {
	return p.registry.Get(ctx, documentID)
}

// DownloadURL returns a short-lived URL for the stored binary.
func (p *Pipeline) DownloadURL(ctx context.Context, documentID string, ttl time.Duration) (string, error) {
	doc, err := p.registry.Get(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.Status == models.StatusUploading {
		return "", models.NewError(models.CodeNotFound, nil, "document %s is not staged yet", doc.ID)
	}
	url, err := p.store.Presign(ctx, doc.StorageKey, ttl)
	if err != nil {
		return "", models.NewError(models.CodeStorageError, err, "failed to presign download")
	}
	return url, nil
}

func phaseOf(status models.DocumentStatus) models.Phase {
	switch status {
	case models.StatusProcessing:
		return models.PhaseExtract
	case models.StatusReady:
		return models.PhaseReady
	case models.StatusFailed:
		return models.PhaseFailed
	default:
		return models.PhaseUpload
	}
}

func phaseRank(p models.Phase) int {
	switch p {
	case models.PhaseUpload:
		return 1
	case models.PhaseExtract:
		return 2
	default:
		return 3
	}
}

// Watch streams a document's progress until a terminal phase or ctx ends.
// It starts with the registry's current state, then forwards bus events and
// polls the registry so transitions made by another process are seen too.
// Phases never go backwards on one stream.
func (p *Pipeline) Watch(ctx context.Context, documentID string) (<-chan models.ProgressEvent, error) {
	doc, err := p.registry.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := p.events.Subscribe(subCtx, documentID)
	out := make(chan models.ProgressEvent, 8)

	go func() {
		defer cancel()
		defer close(out)

		lastRank := 0
		emit := func(ev models.ProgressEvent) (done bool) {
			if r := phaseRank(ev.Phase); r > lastRank {
				lastRank = r
				select {
				case out <- ev:
				case <-ctx.Done():
					return true
				}
			}
			return ev.Phase.IsTerminal()
		}
		snapshot := func(d *models.Document) models.ProgressEvent {
			return models.ProgressEvent{DocumentID: d.ID, Phase: phaseOf(d.Status), Status: d.Status, Detail: d.ErrorDetail, At: d.UpdatedAt}
		}

		if emit(snapshot(doc)) {
			return
		}
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if emit(ev.Payload) {
					return
				}
			case <-ticker.C:
				current, err := p.registry.Get(ctx, documentID)
				if err != nil {
					continue
				}
				if emit(snapshot(current)) {
					return
				}
			}
		}
	}()
	return out, nil
}

// WaitTerminal blocks until the document is READY or FAILED or ctx ends.
func (p *Pipeline) WaitTerminal(ctx context.Context, documentID string) (*models.Document, error) {
	events, err := p.Watch(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		if ev.Phase.IsTerminal() {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.registry.Get(ctx, documentID)
}

// keyedMutex serialises work per key and frees entries when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
