package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteRegistry is the single-node backend. The idempotency key is a UNIQUE
// constraint on documents.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry opens the database at path and runs migrations.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &SQLiteRegistry{db: db}
	if err := r.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return r, nil
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		filename        TEXT NOT NULL,
		mime_type       TEXT NOT NULL,
		byte_size       INTEGER NOT NULL,
		content_hash    TEXT NOT NULL,
		storage_key     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		error_code      TEXT NOT NULL DEFAULT '',
		error_detail    TEXT NOT NULL DEFAULT '',
		page_count      INTEGER NOT NULL DEFAULT 0,
		attempt         INTEGER NOT NULL DEFAULT 1,
		execution_id    TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE(owner_id, conversation_id, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		owner_id    TEXT NOT NULL,
		policy_id   TEXT NOT NULL,
		verdict     TEXT NOT NULL,
		body        TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_document ON reports(document_id)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		chat_id    TEXT NOT NULL,
		owner_id   TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, seq)`,
}

func (r *SQLiteRegistry) runMigrations(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const documentColumns = `id, owner_id, conversation_id, filename, mime_type, byte_size, content_hash,
	storage_key, status, error_code, error_detail, page_count, attempt, execution_id, created_at, updated_at`

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var d models.Document
	var status, code, created, updated string
	err := row.Scan(&d.ID, &d.OwnerID, &d.ConversationID, &d.Filename, &d.MimeType, &d.ByteSize,
		&d.ContentHash, &d.StorageKey, &status, &code, &d.ErrorDetail, &d.PageCount, &d.Attempt,
		&d.ExecutionID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	d.Status = models.DocumentStatus(status)
	d.ErrorCode = models.ErrorCode(code)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

func (r *SQLiteRegistry) CreateIfAbsent(ctx context.Context, doc *models.Document) (*models.Document, bool, error) {
	doc.ID = doc.Key().DocumentID()
	if doc.Attempt == 0 {
		doc.Attempt = 1
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		doc.ID, doc.OwnerID, doc.ConversationID, doc.Filename, doc.MimeType, doc.ByteSize, doc.ContentHash,
		doc.StorageKey, string(doc.Status), string(doc.ErrorCode), doc.ErrorDetail, doc.PageCount, doc.Attempt,
		doc.ExecutionID, formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create document record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create document record: %w", err)
	}
	if n == 1 {
		return doc, true, nil
	}
	existing, err := r.FindByKey(ctx, doc.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*models.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

func (r *SQLiteRegistry) FindByKey(ctx context.Context, key models.IdempotencyKey) (*models.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE owner_id = ? AND conversation_id = ? AND content_hash = ?`,
		key.OwnerID, key.ConversationID, key.ContentHash)
	return scanDocument(row)
}

func (r *SQLiteRegistry) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	res, err := r.db.ExecContext(ctx, `UPDATE documents SET
		status = ?, error_code = ?, error_detail = ?,
		page_count = CASE WHEN ? > 0 THEN ? ELSE page_count END,
		execution_id = CASE WHEN ? <> '' THEN ? ELSE execution_id END,
		updated_at = ?
		WHERE id = ?`,
		string(u.Status), string(u.ErrorCode), u.ErrorDetail,
		u.PageCount, u.PageCount,
		u.ExecutionID, u.ExecutionID,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *SQLiteRegistry) MarkRetry(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE documents SET
		status = ?, attempt = attempt + 1, error_code = '', error_detail = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusUploading), formatTime(time.Now()), id, string(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s for retry: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s for retry: %w", id, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (r *SQLiteRegistry) SaveReport(ctx context.Context, report *models.ValidationReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO reports (id, document_id, owner_id, policy_id, verdict, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.DocumentID, report.OwnerID, report.PolicyID, string(report.Verdict), string(body),
		formatTime(report.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}
	return nil
}

func (r *SQLiteRegistry) GetReport(ctx context.Context, id string) (*models.ValidationReport, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", id, err)
	}
	var report models.ValidationReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return &report, nil
}

func (r *SQLiteRegistry) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO chat_messages (id, chat_id, owner_id, role, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.OwnerID, string(msg.Role), string(msg.Kind), msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append message to chat %s: %w", msg.ChatID, err)
	}
	return nil
}

func (r *SQLiteRegistry) History(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, chat_id, owner_id, role, kind, content, created_at FROM (
			SELECT * FROM chat_messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var role, kind, created string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.OwnerID, &role, &kind, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.Kind = models.MessageKind(kind)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
