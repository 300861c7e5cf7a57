package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/kv"
	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/objstore"
	"github.com/Lllllllleong/documentauditflow/internal/pubsub"
	"github.com/Lllllllleong/documentauditflow/internal/registry"
	"github.com/stretchr/testify/require"
)

// countingExtractor wraps an extractor and can inject failures per call.
type countingExtractor struct {
	next  Extractor
	calls atomic.Int32
	fail  func(call int32) error
}

func (e *countingExtractor) Extract(ctx context.Context, doc *models.Document) (*models.ExtractedText, error) {
	n := e.calls.Add(1)
	if e.fail != nil {
		if err := e.fail(n); err != nil {
			return nil, err
		}
	}
	return e.next.Extract(ctx, doc)
}

func (e *countingExtractor) Images(ctx context.Context, doc *models.Document) ([]models.PageImage, error) {
	return e.next.Images(ctx, doc)
}

type brokenStore struct {
	ObjectStore
}

func (brokenStore) Put(context.Context, string, io.ReadSeeker, string) error {
	return errors.New("disk full")
}

type testEnv struct {
	pipeline   *Pipeline
	store      *objstore.DirStore
	registry   *registry.SQLiteRegistry
	cache      *kv.MemoryTextCache
	extractor  *countingExtractor
	dispatcher *LocalDispatcher
	clock      *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEnv(t *testing.T, uploadsPerMinute int) *testEnv {
	t.Helper()
	return newTestEnvWithOCR(t, uploadsPerMinute, nil, ExtractorConfig{PageCap: 10})
}

func newTestEnvWithOCR(t *testing.T, uploadsPerMinute int, ocr OCR, cfg ExtractorConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := objstore.NewDirStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	reg, err := registry.NewSQLiteRegistry(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	env := &testEnv{
		store:      store,
		registry:   reg,
		cache:      kv.NewMemoryTextCache(64),
		extractor:  &countingExtractor{next: NewTextExtractor(store, ocr, cfg)},
		dispatcher: NewLocalDispatcher(2, 16),
		clock:      &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	events := pubsub.NewBroker[models.ProgressEvent](time.Minute)
	t.Cleanup(events.Shutdown)

	env.pipeline = NewPipeline(reg, store, env.extractor, kv.NewMemoryLimiter(uploadsPerMinute, time.Minute), env.cache, events, env.dispatcher, IngestionConfig{
		MaxUploadBytes:   1 << 20,
		AllowedMimeTypes: []string{"application/pdf", "text/plain", "text/html", "image/png", "image/jpeg"},
		PollInterval:     20 * time.Millisecond,
	})
	env.pipeline.now = env.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	env.dispatcher.Start(ctx, func(ctx context.Context, id string) error {
		_, err := env.pipeline.ProcessExtraction(ctx, id, "test")
		return err
	})
	t.Cleanup(func() {
		env.dispatcher.Close()
		cancel()
	})
	return env
}

func (e *testEnv) upload(t *testing.T, owner, conv, name, body string) (*models.Document, error) {
	t.Helper()
	return e.pipeline.Upload(context.Background(), UploadRequest{
		OwnerID:        owner,
		ConversationID: conv,
		Filename:       name,
		MimeType:       "text/plain; charset=utf-8",
		Size:           int64(len(body)),
		Body:           strings.NewReader(body),
	})
}

func (e *testEnv) uploadFile(t *testing.T, name, mimeType string, data []byte) *models.Document {
	t.Helper()
	doc, err := e.pipeline.Upload(context.Background(), UploadRequest{
		OwnerID:        "alice",
		ConversationID: "chat-1",
		Filename:       name,
		MimeType:       mimeType,
		Size:           int64(len(data)),
		Body:           bytes.NewReader(data),
	})
	require.NoError(t, err)
	return doc
}

// attachment serves body as a turn attachment.
func attachment(name, mimeType, body string) models.Attachment {
	return models.Attachment{
		Filename: name,
		MimeType: mimeType,
		Size:     int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func (e *testEnv) waitReady(t *testing.T, id string) *models.Document {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	doc, err := e.pipeline.WaitTerminal(ctx, id)
	require.NoError(t, err)
	return doc
}

// scriptedModel streams its reply word by word, or fails.
type scriptedModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]llm.Message
}

func (m *scriptedModel) Stream(_ context.Context, messages []llm.Message, onToken func(string)) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, messages)
	reply, err := m.reply, m.err
	m.mu.Unlock()

	var sent strings.Builder
	for i, w := range strings.Fields(reply) {
		if i > 0 {
			w = " " + w
		}
		sent.WriteString(w)
		if onToken != nil {
			onToken(w)
		}
	}
	return sent.String(), err
}

func (m *scriptedModel) set(reply string, err error) {
	m.mu.Lock()
	m.reply, m.err = reply, err
	m.mu.Unlock()
}

func (m *scriptedModel) lastPrompt() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []models.TurnEvent
}

func (l *eventLog) emit(ev models.TurnEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(tp models.TurnEventType) []models.TurnEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.TurnEvent
	for _, ev := range l.events {
		if ev.Type == tp {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) states() []models.TurnState {
	var out []models.TurnState
	for _, ev := range l.ofType(models.EventState) {
		out = append(out, ev.State)
	}
	return out
}
