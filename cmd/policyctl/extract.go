package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/objstore"
	"github.com/Lllllllleong/documentauditflow/internal/services"
)

// Not every host ships a mime.types table with these.
var plainExtensions = map[string]string{
	".txt": "text/plain",
	".md":  "text/plain",
}

// extractFile runs the pipeline's extractor over a local file by staging it
// in a throwaway directory store. Files without a text layer fail because no
// OCR model is available offline.
func extractFile(ctx context.Context, path string, pageCap int) (*models.Document, *models.ExtractedText, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = plainExtensions[strings.ToLower(filepath.Ext(path))]
	}
	if mimeType == "" {
		return nil, nil, fmt.Errorf("cannot tell the type of %s from its extension", path)
	}
	sum := sha256.Sum256(data)

	stage, err := os.MkdirTemp("", "policyctl-*")
	if err != nil {
		return nil, nil, err
	}
	defer os.RemoveAll(stage)
	store, err := objstore.NewDirStore(stage)
	if err != nil {
		return nil, nil, err
	}

	doc := &models.Document{
		OwnerID:     "local",
		Filename:    filepath.Base(path),
		MimeType:    mimeType,
		ByteSize:    int64(len(data)),
		ContentHash: hex.EncodeToString(sum[:]),
		Status:      models.StatusProcessing,
		Attempt:     1,
	}
	doc.ID = doc.Key().DocumentID()
	doc.StorageKey = doc.Key().StorageKey()

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	if err := store.Put(ctx, doc.StorageKey, f, mimeType); err != nil {
		return nil, nil, err
	}

	extractor := services.NewTextExtractor(store, nil, services.ExtractorConfig{PageCap: pageCap})
	text, err := extractor.Extract(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	// Images are best effort; the logo check reports a diagnostic without them.
	if images, err := extractor.Images(ctx, doc); err == nil {
		text.Images = images
	}
	doc.PageCount = text.PageCount
	doc.Status = models.StatusReady
	return doc, text, nil
}
