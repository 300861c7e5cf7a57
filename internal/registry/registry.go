// Package registry persists Documents, ValidationReports and chat messages.
// Two backends exist: Firestore for deployed functions and SQLite for local
// runs and tests. Both enforce the idempotency key as a unique constraint.
package registry

import (
	"context"

	"github.com/Lllllllleong/documentauditflow/internal/models"
)

// StatusUpdate is the mutable part of a Document written by one transition.
type StatusUpdate struct {
	Status      models.DocumentStatus
	PageCount   int
	ErrorCode   models.ErrorCode
	ErrorDetail string
	ExecutionID string
}

// DocumentRegistry stores Document records.
type DocumentRegistry interface {
	// CreateIfAbsent inserts doc unless a record with the same idempotency key
	// exists, in which case the existing record is returned with created=false.
	CreateIfAbsent(ctx context.Context, doc *models.Document) (stored *models.Document, created bool, err error)
	Get(ctx context.Context, id string) (*models.Document, error)
	FindByKey(ctx context.Context, key models.IdempotencyKey) (*models.Document, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	// MarkRetry moves a FAILED document back to UPLOADING and bumps its attempt.
	// It reports false when the document was not FAILED, meaning another
	// request already started the retry.
	MarkRetry(ctx context.Context, id string) (bool, error)
}

// ReportStore stores immutable ValidationReports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *models.ValidationReport) error
	GetReport(ctx context.Context, id string) (*models.ValidationReport, error)
}

// MessageStore stores chat messages in append order.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	// History returns up to limit most recent messages of a chat, oldest first.
	History(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error)
}

// Store is the union implemented by both backends.
type Store interface {
	DocumentRegistry
	ReportStore
	MessageStore
	Close() error
}
