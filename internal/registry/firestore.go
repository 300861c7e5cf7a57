package registry

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreRegistry keeps documents and reports in top-level collections and
// messages in a per-chat subcollection.
type FirestoreRegistry struct {
	client      *firestore.Client
	documents   string
	reports     string
	chats       string
	messagesSub string
}

// NewFirestoreRegistry creates the client for projectID.
func NewFirestoreRegistry(ctx context.Context, projectID, documents, reports string) (*FirestoreRegistry, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &FirestoreRegistry{
		client:      client,
		documents:   documents,
		reports:     reports,
		chats:       "chats",
		messagesSub: "messages",
	}, nil
}

func (r *FirestoreRegistry) Close() error {
	return r.client.Close()
}

func (r *FirestoreRegistry) docRef(id string) *firestore.DocumentRef {
	return r.client.Collection(r.documents).Doc(id)
}

// CreateIfAbsent relies on the record id being derived from the idempotency
// key: Create fails with AlreadyExists for the second of two racing uploads.
func (r *FirestoreRegistry) CreateIfAbsent(ctx context.Context, doc *models.Document) (*models.Document, bool, error) {
	doc.ID = doc.Key().DocumentID()
	_, err := r.docRef(doc.ID).Create(ctx, doc)
	if err == nil {
		return doc, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, fmt.Errorf("failed to create document record: %w", err)
	}
	existing, err := r.Get(ctx, doc.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *FirestoreRegistry) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := r.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	var doc models.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

func (r *FirestoreRegistry) FindByKey(ctx context.Context, key models.IdempotencyKey) (*models.Document, error) {
	return r.Get(ctx, key.DocumentID())
}

func (r *FirestoreRegistry) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	updates := []firestore.Update{
		{Path: "status", Value: u.Status},
		{Path: "updatedAt", Value: time.Now().UTC()},
		{Path: "errorCode", Value: u.ErrorCode},
		{Path: "errorDetail", Value: u.ErrorDetail},
	}
	if u.PageCount > 0 {
		updates = append(updates, firestore.Update{Path: "pageCount", Value: u.PageCount})
	}
	if u.ExecutionID != "" {
		updates = append(updates, firestore.Update{Path: "executionId", Value: u.ExecutionID})
	}
	if _, err := r.docRef(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	return nil
}

func (r *FirestoreRegistry) MarkRetry(ctx context.Context, id string) (bool, error) {
	ref := r.docRef(id)
	retried := false
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		retried = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc models.Document
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.Status != models.StatusFailed {
			return nil
		}
		retried = true
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: models.StatusUploading},
			{Path: "attempt", Value: firestore.Increment(1)},
			{Path: "errorCode", Value: firestore.Delete},
			{Path: "errorDetail", Value: firestore.Delete},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if status.Code(err) == codes.NotFound {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark %s for retry: %w", id, err)
	}
	return retried, nil
}

func (r *FirestoreRegistry) SaveReport(ctx context.Context, report *models.ValidationReport) error {
	if _, err := r.client.Collection(r.reports).Doc(report.ID).Create(ctx, report); err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}
	return nil
}

func (r *FirestoreRegistry) GetReport(ctx context.Context, id string) (*models.ValidationReport, error) {
	snap, err := r.client.Collection(r.reports).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", id, err)
	}
	var report models.ValidationReport
	if err := snap.DataTo(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return &report, nil
}

func (r *FirestoreRegistry) messages(chatID string) *firestore.CollectionRef {
	return r.client.Collection(r.chats).Doc(chatID).Collection(r.messagesSub)
}

func (r *FirestoreRegistry) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if _, err := r.messages(msg.ChatID).Doc(msg.ID).Set(ctx, msg); err != nil {
		return fmt.Errorf("failed to append message to chat %s: %w", msg.ChatID, err)
	}
	return nil
}

func (r *FirestoreRegistry) History(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error) {
	iter := r.messages(chatID).OrderBy("createdAt", firestore.Desc).Limit(limit).Documents(ctx)
	defer iter.Stop()

	var out []models.ChatMessage
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read history of chat %s: %w", chatID, err)
		}
		var msg models.ChatMessage
		if err := snap.DataTo(&msg); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", snap.Ref.ID, err)
		}
		out = append(out, msg)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
