package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the lifecycle state of an uploaded file.
type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "UPLOADING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusReady      DocumentStatus = "READY"
	StatusFailed     DocumentStatus = "FAILED"
)

// IsTerminal reports whether no further transition will happen without a new upload attempt.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Document represents the main record for one uploaded file in the registry.
// It tracks the overall status and metadata of the file.
type Document struct {
	ID             string         `firestore:"id" json:"id"`
	OwnerID        string         `firestore:"ownerId" json:"ownerId"`
	ConversationID string         `firestore:"conversationId,omitempty" json:"conversationId,omitempty"`
	Filename       string         `firestore:"filename" json:"filename"`
	MimeType       string         `firestore:"mimeType" json:"mimeType"`
	ByteSize       int64          `firestore:"byteSize" json:"byteSize"`
	ContentHash    string         `firestore:"contentHash" json:"contentHash"`
	StorageKey     string         `firestore:"storageKey,omitempty" json:"-"`
	Status         DocumentStatus `firestore:"status" json:"status"`
	ErrorCode      ErrorCode      `firestore:"errorCode,omitempty" json:"errorCode,omitempty"`
	ErrorDetail    string         `firestore:"errorDetail,omitempty" json:"errorDetail,omitempty"`
	PageCount      int            `firestore:"pageCount" json:"pageCount"`
	Attempt        int            `firestore:"attempt" json:"attempt"`
	ExecutionID    string         `firestore:"executionId,omitempty" json:"-"` // For traceability
	CreatedAt      time.Time      `firestore:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time      `firestore:"updatedAt" json:"updatedAt"`
}

// IdempotencyKey is the scope a content hash is deduplicated within.
type IdempotencyKey struct {
	OwnerID        string
	ConversationID string
	ContentHash    string
}

// Key returns the idempotency key of the document.
func (d *Document) Key() IdempotencyKey {
	return IdempotencyKey{OwnerID: d.OwnerID, ConversationID: d.ConversationID, ContentHash: d.ContentHash}
}

// String renders the key as a single stable string.
func (k IdempotencyKey) String() string {
	return k.OwnerID + "|" + k.ConversationID + "|" + k.ContentHash
}

var documentNamespace = uuid.MustParse("6f1c1a52-4f7e-4d2b-9a63-0d3c2b8e5a11")

// DocumentID derives the record id from the key, so that a create-if-absent
// on the id doubles as the uniqueness check on the key.
func (k IdempotencyKey) DocumentID() string {
	return uuid.NewSHA1(documentNamespace, []byte(k.String())).String()
}

// StorageKey is the deterministic object store key for the document's bytes.
func (k IdempotencyKey) StorageKey() string {
	return StorageKeyPrefix + k.DocumentID()
}

// StorageKeyPrefix is the object store folder all uploads live under.
const StorageKeyPrefix = "uploads/"

// ExtractionMethod names the path that produced a document's text.
type ExtractionMethod string

const (
	MethodNative ExtractionMethod = "native"
	MethodOCR    ExtractionMethod = "ocr"
	MethodHTML   ExtractionMethod = "html"
	MethodPlain  ExtractionMethod = "plain"
)

// Fragment is a located run of text. Location granularity is best effort and
// page-level at minimum; Offset is the rune offset within the page text.
type Fragment struct {
	ID       string  `json:"id"`
	Page     int     `json:"page"`
	Offset   int     `json:"offset"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize,omitempty"`
	Color    *RGB    `json:"color,omitempty"`
}

// RGB is a fill color in 0..255 components.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// PageImage is an image found on a page, either embedded in a PDF or the upload itself.
type PageImage struct {
	Page     int    `json:"page"`
	Name     string `json:"name"`
	FileType string `json:"fileType"`
	Data     []byte `json:"data,omitempty"`
}

// ExtractedText is the cached, non-authoritative extraction result of a document.
type ExtractedText struct {
	DocumentID string           `json:"documentId"`
	Text       string           `json:"text"`
	PageCount  int              `json:"pageCount"`
	Method     ExtractionMethod `json:"method"`
	Fragments  []Fragment       `json:"fragments,omitempty"`
	// Images are loaded on demand for image checks and never cached.
	Images     []PageImage      `json:"-"`
	CreatedAt  time.Time        `json:"createdAt"`
}
