package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadPlainTextBecomesReady(t *testing.T) {
	env := newTestEnv(t, 10)

	doc, err := env.upload(t, "alice", "chat-1", "notes.txt", "Quarterly notes.\fSecond page.")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, doc.Status)
	assert.Equal(t, "uploads/"+doc.ID, doc.StorageKey)
	assert.Equal(t, "text/plain", doc.MimeType)

	ready := env.waitReady(t, doc.ID)
	assert.Equal(t, models.StatusReady, ready.Status)
	assert.Equal(t, 1, ready.Attempt)

	text, err := env.pipeline.ReadyText(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly notes.\fSecond page.", text.Text)

	url, err := env.pipeline.DownloadURL(context.Background(), doc.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
}

func TestUploadIsIdempotentPerConversation(t *testing.T) {
	env := newTestEnv(t, 20)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	errs := make([]error, 5)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := env.upload(t, "alice", "chat-1", "report.txt", "same bytes")
			errs[i] = err
			if err == nil {
				ids[i] = doc.ID
			}
		}()
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	count, err := env.store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	env.waitReady(t, ids[0])
	again, err := env.upload(t, "alice", "chat-1", "renamed.txt", "same bytes")
	require.NoError(t, err)
	assert.Equal(t, ids[0], again.ID)
	assert.Equal(t, models.StatusReady, again.Status)

	other, err := env.upload(t, "alice", "chat-2", "report.txt", "same bytes")
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], other.ID, "another conversation gets its own document")
}

func TestUploadRateLimit(t *testing.T) {
	env := newTestEnv(t, 5)

	for i := 0; i < 5; i++ {
		_, err := env.upload(t, "alice", "chat-1", "f.txt", fmt.Sprintf("body %d", i))
		require.NoError(t, err)
	}
	_, err := env.upload(t, "alice", "chat-1", "f.txt", "body 5")
	assert.Equal(t, models.CodeRateLimited, models.CodeOf(err))

	_, err = env.upload(t, "bob", "chat-9", "f.txt", "body 5")
	assert.NoError(t, err, "limits are per owner")

	env.clock.Advance(61 * time.Second)
	_, err = env.upload(t, "alice", "chat-1", "f.txt", "body 6")
	assert.NoError(t, err)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	_, err := env.pipeline.Upload(ctx, UploadRequest{
		OwnerID: "alice", Filename: "a.zip", MimeType: "application/zip", Size: 3, Body: strings.NewReader("zip"),
	})
	assert.Equal(t, models.CodeUnsupportedMime, models.CodeOf(err))

	_, err = env.pipeline.Upload(ctx, UploadRequest{
		OwnerID: "alice", Filename: "big.txt", MimeType: "text/plain", Size: 2 << 20, Body: strings.NewReader("x"),
	})
	assert.Equal(t, models.CodeUploadTooLarge, models.CodeOf(err))

	_, err = env.pipeline.Upload(ctx, UploadRequest{
		OwnerID: "alice", Filename: "big.txt", MimeType: "text/plain", Size: -1,
		Body: strings.NewReader(strings.Repeat("x", 1<<20+1)),
	})
	assert.Equal(t, models.CodeUploadTooLarge, models.CodeOf(err), "undeclared size is enforced while streaming")

	count, err := env.store.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUploadStorageFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t, 10)
	env.pipeline.store = brokenStore{ObjectStore: env.store}

	doc, err := env.upload(t, "alice", "chat-1", "notes.txt", "hello")
	require.Error(t, err)
	assert.Equal(t, models.CodeStorageError, models.CodeOf(err))
	require.NotNil(t, doc)
	assert.Equal(t, models.StatusFailed, doc.Status)

	stored, err := env.registry.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.CodeStorageError, stored.ErrorCode)
	assert.Contains(t, stored.ErrorDetail, "disk full")
}

func TestExtractionFailureThenRetry(t *testing.T) {
	env := newTestEnv(t, 10)
	env.extractor.fail = func(call int32) error {
		if call == 1 {
			return errors.New("parser exploded")
		}
		return nil
	}

	doc, err := env.upload(t, "alice", "chat-1", "notes.txt", "retry me")
	require.NoError(t, err)
	failed := env.waitReady(t, doc.ID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, models.CodeExtractionFailed, failed.ErrorCode)

	_, err = env.pipeline.ReadyText(context.Background(), doc.ID)
	assert.Equal(t, models.CodeExtractionFailed, models.CodeOf(err))

	retried, err := env.upload(t, "alice", "chat-1", "notes.txt", "retry me")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, retried.ID)
	assert.Equal(t, 2, retried.Attempt)

	ready := env.waitReady(t, doc.ID)
	assert.Equal(t, models.StatusReady, ready.Status)
	assert.Equal(t, 2, ready.Attempt)
	assert.Empty(t, ready.ErrorCode)
	assert.EqualValues(t, 2, env.extractor.calls.Load())
}

func TestReadyTextRegeneratesOnCacheMiss(t *testing.T) {
	env := newTestEnv(t, 10)
	doc, err := env.upload(t, "alice", "chat-1", "notes.txt", "cached text")
	require.NoError(t, err)
	env.waitReady(t, doc.ID)

	ctx := context.Background()
	_, err = env.pipeline.ReadyText(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, env.extractor.calls.Load())

	env.cache.Delete(doc.ID)
	text, err := env.pipeline.ReadyText(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached text", text.Text)
	assert.EqualValues(t, 2, env.extractor.calls.Load())

	_, err = env.pipeline.ReadyText(ctx, doc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.extractor.calls.Load(), "regenerated text is cached again")
}

func TestProcessExtractionSkipsTerminalDocuments(t *testing.T) {
	env := newTestEnv(t, 10)
	doc, err := env.upload(t, "alice", "chat-1", "notes.txt", "done once")
	require.NoError(t, err)
	env.waitReady(t, doc.ID)

	again, err := env.pipeline.ProcessExtraction(context.Background(), doc.ID, "replayed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, again.Status)
	assert.EqualValues(t, 1, env.extractor.calls.Load())
}

func TestWatchEndsOnTerminalPhase(t *testing.T) {
	env := newTestEnv(t, 10)
	doc, err := env.upload(t, "alice", "chat-1", "notes.txt", "watch me")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := env.pipeline.Watch(ctx, doc.ID)
	require.NoError(t, err)

	var phases []models.Phase
	for ev := range events {
		phases = append(phases, ev.Phase)
	}
	require.NotEmpty(t, phases)
	assert.Equal(t, models.PhaseReady, phases[len(phases)-1])
	for i := 1; i < len(phases); i++ {
		assert.Greater(t, phaseRank(phases[i]), phaseRank(phases[i-1]))
	}

	_, err = env.pipeline.Watch(ctx, "missing")
	assert.Error(t, err)
}

func TestProcessExtractionWaitsForStaging(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	key := models.IdempotencyKey{OwnerID: "alice", ConversationID: "chat-1", ContentHash: "abc"}
	doc, created, err := env.registry.CreateIfAbsent(ctx, &models.Document{
		OwnerID: "alice", ConversationID: "chat-1", Filename: "early.txt", MimeType: "text/plain",
		ContentHash: "abc", StorageKey: key.StorageKey(), Status: models.StatusUploading, Attempt: 1,
	})
	require.NoError(t, err)
	require.True(t, created)

	got, err := env.pipeline.ProcessExtraction(ctx, doc.ID, "finalize-event")
	assert.Nil(t, got)
	assert.Equal(t, models.CodeNotFound, models.CodeOf(err))
	assert.Zero(t, env.extractor.calls.Load())
}
