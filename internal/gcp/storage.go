package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure: keys are content-addressed, so the bytes match.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content io.Reader, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// GCSStore is the object store adapter backed by a single bucket.
type GCSStore struct {
	client     *storage.Client
	bucketName string
	maxRetries int
	backoff    time.Duration
	// signer overrides for environments without a metadata server; empty uses ADC.
	googleAccessID string
	privateKey     []byte
}

// GCSOption customises a GCSStore.
type GCSOption func(*GCSStore)

// WithSigningKey sets explicit service account credentials for V4 signed URLs.
func WithSigningKey(accessID string, privateKey []byte) GCSOption {
	return func(s *GCSStore) {
		s.googleAccessID = accessID
		s.privateKey = privateKey
	}
}

// NewGCSStore creates the storage client and binds it to bucketName.
func NewGCSStore(ctx context.Context, bucketName string, opts ...GCSOption) (*GCSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name must be provided to create a GCS store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	s := &GCSStore{client: client, bucketName: bucketName, maxRetries: 4, backoff: time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put uploads src under key with a bounded exponential backoff.
func (s *GCSStore) Put(ctx context.Context, key string, src io.ReadSeeker, contentType string) error {
	backoff := s.backoff
	var lastErr error

	for i := 0; i < s.maxRetries; i++ {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("could not rewind source for %s: %w", key, err)
		}

		err := func() error {
			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()
			return SaveToGCSAtomically(writeCtx, s.client.Bucket(s.bucketName), key, src, contentType)
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", key,
			"attempt", i+1,
			"maxRetries", s.maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", key, lastErr)
}

// Get opens the object for reading.
func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", s.URI(key), err)
	}
	return r, nil
}

// Presign returns a V4 signed GET URL valid for ttl.
func (s *GCSStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	}
	if s.googleAccessID != "" {
		opts.GoogleAccessID = s.googleAccessID
		opts.PrivateKey = s.privateKey
	}
	url, err := s.client.Bucket(s.bucketName).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", s.URI(key), err)
	}
	return url, nil
}

// URI is the gs:// form of key, usable as Vertex FileData.
func (s *GCSStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucketName, key)
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
