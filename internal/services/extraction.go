package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/pdftext"
	"github.com/go-shiori/go-readability"
)

// ObjectStore holds raw uploaded binaries under deterministic keys.
type ObjectStore interface {
	// Put is idempotent: writing an existing key is a successful no-op.
	Put(ctx context.Context, key string, src io.ReadSeeker, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// URI is the reference a model service can read the object by, or "".
	URI(key string) string
}

// OCR transcribes documents without a text layer.
type OCR interface {
	Transcribe(ctx context.Context, uri, mimeType string, inline []byte) (string, error)
}

// Extractor turns a stored document into text. Images are read separately
// so the cached text stays small.
type Extractor interface {
	Extract(ctx context.Context, doc *models.Document) (*models.ExtractedText, error)
	Images(ctx context.Context, doc *models.Document) ([]models.PageImage, error)
}

// ExtractorConfig bounds extraction work.
type ExtractorConfig struct {
	OCRTimeout time.Duration
	// PageCap limits how many pages are read natively or sent to OCR.
	PageCap int
	// MaxInlineBytes caps the payload sent to OCR when the store has no URI.
	MaxInlineBytes int64
}

// TextExtractor reads native text first and falls back to OCR.
type TextExtractor struct {
	store ObjectStore
	ocr   OCR
	cfg   ExtractorConfig
}

// NewTextExtractor wires an extractor. ocr may be nil, in which case
// documents without a text layer fail with EXTRACTION_FAILED.
func NewTextExtractor(store ObjectStore, ocr OCR, cfg ExtractorConfig) *TextExtractor {
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 30 * time.Second
	}
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = 20 << 20
	}
	return &TextExtractor{store: store, ocr: ocr, cfg: cfg}
}

// Extract produces the text of doc from its stored binary.
func (e *TextExtractor) Extract(ctx context.Context, doc *models.Document) (*models.ExtractedText, error) {
	logCtx := slog.With("documentId", doc.ID, "mimeType", doc.MimeType)

	localPath, cleanup, err := e.stage(ctx, doc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var out *models.ExtractedText
	switch baseMime(doc.MimeType) {
	case "application/pdf":
		out, err = e.extractPDF(ctx, logCtx, doc, localPath)
	case "image/png", "image/jpeg":
		out, err = e.extractImage(ctx, doc, localPath)
	case "text/html":
		out, err = extractHTML(localPath)
	case "text/plain":
		out, err = extractPlain(localPath)
	default:
		return nil, models.NewError(models.CodeUnsupportedMime, nil, "no extractor for %s", doc.MimeType)
	}
	if err != nil {
		return nil, err
	}
	out.DocumentID = doc.ID
	out.CreatedAt = time.Now().UTC()
	logCtx.Info("Extraction complete.", "method", out.Method, "pageCount", out.PageCount, "chars", utf8.RuneCountInString(out.Text))
	return out, nil
}

// Images returns the raster images of doc: the embedded images of the first
// pages of a PDF, or the upload itself for image types.
func (e *TextExtractor) Images(ctx context.Context, doc *models.Document) ([]models.PageImage, error) {
	mimeType := baseMime(doc.MimeType)
	switch mimeType {
	case "application/pdf", "image/png", "image/jpeg":
	default:
		return nil, nil
	}
	localPath, cleanup, err := e.stage(ctx, doc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if mimeType == "application/pdf" {
		images, err := pdftext.Images(localPath, e.cfg.PageCap)
		if err != nil {
			return nil, models.NewError(models.CodeExtractionFailed, err, "failed to extract pdf images")
		}
		return images, nil
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, models.NewError(models.CodeExtractionFailed, err, "failed to read image")
	}
	return []models.PageImage{{
		Page:     1,
		Name:     doc.Filename,
		FileType: strings.TrimPrefix(mimeType, "image/"),
		Data:     data,
	}}, nil
}

// stage copies the stored binary of doc into a temp dir removed by cleanup.
func (e *TextExtractor) stage(ctx context.Context, doc *models.Document) (string, func(), error) {
	tempDir, err := os.MkdirTemp("", "extract-*")
	if err != nil {
		return "", nil, models.NewError(models.CodeExtractionFailed, err, "failed to create temp dir")
	}
	cleanup := func() { os.RemoveAll(tempDir) }
	localPath := filepath.Join(tempDir, "source")
	if err := e.download(ctx, doc.StorageKey, localPath); err != nil {
		cleanup()
		return "", nil, models.NewError(models.CodeStorageError, err, "failed to read stored document")
	}
	return localPath, cleanup, nil
}

func (e *TextExtractor) download(ctx context.Context, key, destPath string) error {
	r, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to copy object to local file: %w", err)
	}
	return nil
}

func (e *TextExtractor) extractPDF(ctx context.Context, logCtx *slog.Logger, doc *models.Document, path string) (*models.ExtractedText, error) {
	native, err := pdftext.Read(path, e.cfg.PageCap)
	if err != nil {
		return nil, models.NewError(models.CodeExtractionFailed, err, "failed to read pdf")
	}
	if native.Truncated {
		logCtx.Warn("Page cap reached, remaining pages are not extracted.", "pageCount", native.PageCount, "pageCap", e.cfg.PageCap)
	}

	if native.HasTextLayer() {
		return &models.ExtractedText{
			Text:      native.Text(),
			PageCount: native.PageCount,
			Method:    models.MethodNative,
			Fragments: native.Fragments(),
		}, nil
	}

	logCtx.Info("No text layer found, falling back to OCR.", "pageCount", native.PageCount, "undecodedStrings", native.Undecoded())
	uri := e.store.URI(doc.StorageKey)
	ocrPath := path
	if native.Truncated {
		// A by-reference OCR call would read every page.
		uri = ""
		ocrPath = path + ".trimmed.pdf"
		if err := pdftext.Trim(path, ocrPath, e.cfg.PageCap); err != nil {
			return nil, models.NewError(models.CodeExtractionFailed, err, "failed to trim pdf for ocr")
		}
	}
	text, err := e.transcribe(ctx, uri, "application/pdf", ocrPath)
	if err != nil {
		return nil, err
	}
	body, frags := splitOCRPages(text)
	return &models.ExtractedText{
		Text:      body,
		PageCount: native.PageCount,
		Method:    models.MethodOCR,
		Fragments: frags,
	}, nil
}

func (e *TextExtractor) extractImage(ctx context.Context, doc *models.Document, path string) (*models.ExtractedText, error) {
	text, err := e.transcribe(ctx, e.store.URI(doc.StorageKey), baseMime(doc.MimeType), path)
	if err != nil {
		return nil, err
	}
	body, frags := splitOCRPages(text)
	for i := range frags {
		frags[i].Page = 1
	}
	return &models.ExtractedText{
		Text:      body,
		PageCount: 1,
		Method:    models.MethodOCR,
		Fragments: frags,
	}, nil
}

// transcribe runs OCR under the hard timeout. A timeout is OCR_TIMEOUT, every
// other failure, including an empty transcription, is EXTRACTION_FAILED.
func (e *TextExtractor) transcribe(ctx context.Context, uri, mimeType, localPath string) (string, error) {
	if e.ocr == nil {
		return "", models.NewError(models.CodeExtractionFailed, nil, "document has no text layer and OCR is not configured")
	}
	var inline []byte
	if uri == "" {
		info, err := os.Stat(localPath)
		if err != nil {
			return "", models.NewError(models.CodeExtractionFailed, err, "failed to stat ocr input")
		}
		if info.Size() > e.cfg.MaxInlineBytes {
			return "", models.NewError(models.CodeExtractionFailed, nil, "document too large for inline OCR (%d bytes)", info.Size())
		}
		if inline, err = os.ReadFile(localPath); err != nil {
			return "", models.NewError(models.CodeExtractionFailed, err, "failed to read ocr input")
		}
	}

	ocrCtx, cancel := context.WithTimeout(ctx, e.cfg.OCRTimeout)
	defer cancel()
	text, err := e.ocr.Transcribe(ocrCtx, uri, mimeType, inline)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ocrCtx.Err(), context.DeadlineExceeded) {
			return "", models.NewError(models.CodeOCRTimeout, err, "ocr exceeded %s", e.cfg.OCRTimeout)
		}
		return "", models.NewError(models.CodeExtractionFailed, err, "ocr failed")
	}
	if strings.TrimSpace(text) == "" {
		return "", models.NewError(models.CodeExtractionFailed, nil, "ocr produced no text")
	}
	return text, nil
}

var pageMarker = regexp.MustCompile(`(?m)^=== page (\d+) ===[ \t]*\r?\n?`)

// splitOCRPages strips the page markers requested from the OCR model and
// returns one page-level fragment per page.
func splitOCRPages(text string) (string, []models.Fragment) {
	locs := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		body := strings.TrimSpace(text)
		return body, []models.Fragment{{ID: "p1-f0", Page: 1, Text: body}}
	}

	var sb strings.Builder
	var frags []models.Fragment
	for i, loc := range locs {
		page, _ := strconv.Atoi(text[loc[2]:loc[3]])
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		chunk := strings.TrimSpace(text[loc[1]:end])
		if sb.Len() > 0 {
			sb.WriteString("\n\f")
		}
		frags = append(frags, models.Fragment{
			ID:     fmt.Sprintf("p%d-f0", page),
			Page:   page,
			Offset: 0,
			Text:   chunk,
		})
		sb.WriteString(chunk)
	}
	return sb.String(), frags
}

func extractHTML(path string) (*models.ExtractedText, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.NewError(models.CodeExtractionFailed, err, "failed to open html")
	}
	defer f.Close()
	article, err := readability.FromReader(f, nil)
	if err != nil {
		return nil, models.NewError(models.CodeExtractionFailed, err, "failed to parse HTML")
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return nil, models.NewError(models.CodeExtractionFailed, nil, "html has no readable text")
	}
	return &models.ExtractedText{
		Text:      text,
		PageCount: 1,
		Method:    models.MethodHTML,
		Fragments: []models.Fragment{{ID: "p1-f0", Page: 1, Text: text}},
	}, nil
}

func extractPlain(path string) (*models.ExtractedText, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.CodeExtractionFailed, err, "failed to read text")
	}
	if !utf8.Valid(data) {
		return nil, models.NewError(models.CodeExtractionFailed, nil, "text is not valid UTF-8")
	}
	text := string(data)
	return &models.ExtractedText{
		Text:      text,
		PageCount: 1,
		Method:    models.MethodPlain,
		Fragments: []models.Fragment{{ID: "p1-f0", Page: 1, Text: text}},
	}, nil
}

// baseMime strips parameters and normalises case.
func baseMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
