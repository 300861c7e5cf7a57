package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/registry"
	"github.com/google/uuid"
)

const DefaultSystemPrompt = `You are a helpful assistant for reviewing business documents.
Answer using the attached documents and earlier audit reports when they are relevant, and say so when the documents do not contain the answer.
When discussing audit findings, refer to them by severity, page and rule.`

// Ingester is the write side of the ingestion pipeline used within a turn.
type Ingester interface {
	DocumentSource
	Upload(ctx context.Context, req UploadRequest) (*models.Document, error)
	WaitTerminal(ctx context.Context, documentID string) (*models.Document, error)
}

// Auditing runs audits requested within a turn.
type Auditing interface {
	Audit(ctx context.Context, ownerID, documentID string, ref models.PolicyRef) (*AuditResult, error)
}

// OrchestratorConfig holds the per-turn budgets.
type OrchestratorConfig struct {
	TurnTimeout time.Duration
	// IngestWait bounds how long a turn waits for new attachments.
	IngestWait   time.Duration
	HistoryLimit int
	// DocumentChars caps the text of each document placed in the prompt.
	DocumentChars int
	SystemPrompt  string
}

// Orchestrator drives one conversation turn at a time. It keeps no state
// between turns.
type Orchestrator struct {
	docs     Ingester
	audits   Auditing
	messages registry.MessageStore
	model    llm.ChatModel
	cfg      OrchestratorConfig
	now      func() time.Time
}

// NewOrchestrator wires the turn controller.
func NewOrchestrator(docs Ingester, audits Auditing, messages registry.MessageStore, model llm.ChatModel, cfg OrchestratorConfig) *Orchestrator {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 90 * time.Second
	}
	if cfg.IngestWait <= 0 {
		cfg.IngestWait = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.DocumentChars <= 0 {
		cfg.DocumentChars = 6000
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{docs: docs, audits: audits, messages: messages, model: model, cfg: cfg, now: time.Now}
}

// turn is the mutable state of a single RunTurn call.
type turn struct {
	in        models.ConversationTurn
	emit      func(models.TurnEvent)
	result    *models.TurnResult
	logCtx    *slog.Logger
	docs      []*models.Document
	auditNote string
}

func (t *turn) enter(state models.TurnState) {
	t.result.State = state
	t.emit(models.TurnEvent{Type: models.EventState, State: state})
}

func (t *turn) warn(msg string) {
	t.logCtx.Warn("Turn degraded.", "detail", msg)
	t.result.Warnings = append(t.result.Warnings, msg)
	t.emit(models.TurnEvent{Type: models.EventWarning, Message: msg})
}

// RunTurn processes one user message. Only a generation failure ends the
// turn in ERROR; every other failure is surfaced as a warning and the turn
// continues with what is available. The returned error is reserved for
// malformed turns.
func (o *Orchestrator) RunTurn(ctx context.Context, in models.ConversationTurn, emit func(models.TurnEvent)) (*models.TurnResult, error) {
	if in.ChatID == "" || in.OwnerID == "" {
		return nil, models.NewError(models.CodeBadRequest, nil, "chat id and owner are required")
	}
	if strings.TrimSpace(in.UserMessage) == "" && in.Audit == nil && len(in.NewAttachments) == 0 {
		return nil, models.NewError(models.CodeBadRequest, nil, "empty message")
	}
	if emit == nil {
		emit = func(models.TurnEvent) {}
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	t := &turn{
		in:     in,
		emit:   emit,
		result: &models.TurnResult{},
		logCtx: slog.With("chatId", in.ChatID, "ownerId", in.OwnerID),
	}

	ids := append([]string(nil), in.ExistingDocumentIDs...)
	if len(in.NewAttachments) > 0 {
		t.enter(models.TurnIngesting)
		ids = append(ids, o.ingest(ctx, t)...)
	}
	t.result.DocumentIDs = ids

	t.enter(models.TurnRetrieving)
	t.docs = o.documents(ctx, t, ids)

	if req := o.auditRequest(t); req != nil {
		if done := o.runAudit(ctx, t, req); done {
			return t.result, nil
		}
	}

	history := o.history(ctx, t)
	contextBlock := o.documentContext(ctx, t)

	t.enter(models.TurnGenerating)
	prompt := o.prompt(t, history, contextBlock)
	reply, genErr := o.model.Stream(ctx, prompt, func(token string) {
		emit(models.TurnEvent{Type: models.EventToken, Message: token})
	})

	kind := models.KindText
	if genErr != nil {
		t.logCtx.Error("Generation failed.", "error", genErr)
		kind = models.KindError
		note := "Sorry, I could not finish this reply. Please try again."
		if strings.TrimSpace(reply) != "" {
			reply = strings.TrimSpace(reply) + "\n\n" + note
		} else {
			reply = note
		}
	}
	t.result.Reply = reply

	t.enter(models.TurnPersisting)
	o.persist(ctx, t, reply, kind)

	if genErr != nil {
		emit(models.TurnEvent{Type: models.EventError, Message: models.NewError(models.CodeGenerationFailed, genErr, "generation failed").Error()})
		t.enter(models.TurnError)
		return t.result, nil
	}
	t.enter(models.TurnDone)
	emit(models.TurnEvent{Type: models.EventDone})
	return t.result, nil
}

func (o *Orchestrator) upload(ctx context.Context, t *turn, a models.Attachment) (*models.Document, error) {
	if a.Open == nil {
		return nil, models.NewError(models.CodeBadRequest, nil, "attachment %s has no content", a.Filename)
	}
	body, err := a.Open()
	if err != nil {
		return nil, models.NewError(models.CodeBadRequest, err, "failed to open attachment %s", a.Filename)
	}
	defer body.Close()
	return o.docs.Upload(ctx, UploadRequest{
		OwnerID:        t.in.OwnerID,
		ConversationID: t.in.ChatID,
		Filename:       a.Filename,
		MimeType:       a.MimeType,
		Size:           a.Size,
		Body:           body,
	})
}

// ingest uploads new attachments and waits for them to settle. It returns
// the ids of the documents that became READY.
func (o *Orchestrator) ingest(ctx context.Context, t *turn) []string {
	var staged []*models.Document
	var failed []string
	for _, a := range t.in.NewAttachments {
		doc, err := o.upload(ctx, t, a)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%s)", a.Filename, reason(err)))
			continue
		}
		staged = append(staged, doc)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.IngestWait)
	defer cancel()
	var ready []string
	for _, doc := range staged {
		if doc.Status != models.StatusReady {
			settled, err := o.docs.WaitTerminal(waitCtx, doc.ID)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s (still processing)", doc.Filename))
				continue
			}
			doc = settled
		}
		if doc.Status != models.StatusReady {
			failed = append(failed, fmt.Sprintf("%s (%s)", doc.Filename, doc.ErrorCode))
			continue
		}
		ready = append(ready, doc.ID)
	}
	if len(failed) > 0 {
		t.warn("Could not process some attachments, continuing without them: " + strings.Join(failed, ", "))
	}
	return ready
}

// documents loads the records of the conversation's documents, skipping
// those that cannot be read.
func (o *Orchestrator) documents(ctx context.Context, t *turn, ids []string) []*models.Document {
	var out []*models.Document
	var missing []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		doc, err := o.docs.Document(ctx, id)
		if err != nil || doc.OwnerID != t.in.OwnerID {
			missing = append(missing, id)
			continue
		}
		out = append(out, doc)
	}
	if len(missing) > 0 {
		t.warn(fmt.Sprintf("%d document(s) could not be loaded and were left out.", len(missing)))
	}
	return out
}

var auditCommand = regexp.MustCompile(`(?i)^\s*/?audit(?:\s+(?:"([^"]+)"|(\S+)))?(?:\s+(?:with|using)\s+(?:policy\s+)?([\w-]+))?\s*[.!]?\s*$`)

type auditTarget struct {
	documentID string
	filename   string
	policy     models.PolicyRef
	err        string
}

// auditRequest recognises an explicit tool call or an "audit <file> [with
// policy <id>]" message. Without a file name the newest document is used.
func (o *Orchestrator) auditRequest(t *turn) *auditTarget {
	if t.in.Audit != nil {
		return &auditTarget{documentID: t.in.Audit.DocumentID, policy: models.ParsePolicyRef(t.in.Audit.PolicyID)}
	}
	m := auditCommand.FindStringSubmatch(t.in.UserMessage)
	if m == nil {
		return nil
	}
	name := m[1]
	if name == "" {
		name = strings.TrimRight(m[2], ".!?")
	}
	target := &auditTarget{filename: name, policy: models.ParsePolicyRef(m[3])}
	switch strings.ToLower(name) {
	case "", "this", "it":
		if len(t.docs) == 0 {
			target.err = "there is no document in this conversation to audit"
			return target
		}
		target.documentID = t.docs[len(t.docs)-1].ID
		return target
	}
	for i := len(t.docs) - 1; i >= 0; i-- {
		if strings.EqualFold(t.docs[i].Filename, name) {
			target.documentID = t.docs[i].ID
			return target
		}
	}
	target.err = fmt.Sprintf("no document named %q in this conversation", name)
	return target
}

// runAudit reports whether the turn is finished. A failed audit leaves a
// note for the model and the turn continues.
func (o *Orchestrator) runAudit(ctx context.Context, t *turn, target *auditTarget) bool {
	if target.err != "" {
		t.warn("Audit not run: " + target.err + ".")
		t.auditNote = "The user asked for an audit that could not be run: " + target.err + "."
		return false
	}
	res, err := o.audits.Audit(ctx, t.in.OwnerID, target.documentID, target.policy)
	if err != nil {
		t.warn("Audit failed: " + reason(err) + ".")
		t.auditNote = "The user asked for an audit that failed: " + reason(err) + "."
		return false
	}

	t.result.Report = res.Report
	t.result.Reply = res.Message
	summary := res.Report.Summarize()
	t.emit(models.TurnEvent{Type: models.EventReport, Message: res.Message, Summary: &summary})

	t.enter(models.TurnPersisting)
	o.persist(ctx, t, res.Message, models.KindReport)
	t.enter(models.TurnDone)
	t.emit(models.TurnEvent{Type: models.EventDone})
	return true
}

func (o *Orchestrator) history(ctx context.Context, t *turn) []models.ChatMessage {
	msgs, err := o.messages.History(ctx, t.in.ChatID, o.cfg.HistoryLimit)
	if err != nil {
		t.logCtx.Error("Failed to load history.", "error", err)
		t.warn("Earlier messages could not be loaded, answering without them.")
		return nil
	}
	return msgs
}

func (o *Orchestrator) documentContext(ctx context.Context, t *turn) string {
	var sb strings.Builder
	var unavailable []string
	for _, doc := range t.docs {
		text, err := o.docs.ReadyText(ctx, doc.ID)
		if err != nil {
			t.logCtx.Warn("Document text unavailable.", "documentId", doc.ID, "error", err)
			unavailable = append(unavailable, doc.Filename)
			continue
		}
		body := strings.ReplaceAll(text.Text, "\f", "\n")
		if utf8.RuneCountInString(body) > o.cfg.DocumentChars {
			body = string([]rune(body)[:o.cfg.DocumentChars]) + "\n[truncated]"
		}
		fmt.Fprintf(&sb, "<document name=%q pages=\"%d\">\n%s\n</document>\n", doc.Filename, text.PageCount, body)
	}
	if len(unavailable) > 0 {
		t.warn("Could not read " + strings.Join(unavailable, ", ") + ", continuing without their content.")
	}
	return sb.String()
}

func (o *Orchestrator) prompt(t *turn, history []models.ChatMessage, documents string) []llm.Message {
	system := o.cfg.SystemPrompt
	if documents != "" {
		system += "\n\nDocuments in this conversation:\n" + documents
	}
	if t.auditNote != "" {
		system += "\n\n" + t.auditNote + " Explain this to the user."
	}
	msgs := []llm.Message{{Role: string(models.RoleSystem), Content: system}}
	for _, m := range history {
		if m.Kind == models.KindError {
			// The question of a failed turn goes with its reply.
			if n := len(msgs); n > 1 && msgs[n-1].Role == string(models.RoleUser) {
				msgs = msgs[:n-1]
			}
			continue
		}
		if m.Role == models.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	user := t.in.UserMessage
	if strings.TrimSpace(user) == "" {
		user = "I have attached new documents."
	}
	return append(msgs, llm.Message{Role: string(models.RoleUser), Content: user})
}

// persist saves the user message and the reply. Failures are reported, the
// streamed reply stands.
func (o *Orchestrator) persist(ctx context.Context, t *turn, reply string, kind models.MessageKind) {
	// The turn deadline may already have passed; the record must still be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	// History orders by creation time only, so the reply must sort after the question.
	now := o.now().UTC().Truncate(time.Microsecond)
	msgs := []*models.ChatMessage{
		{ID: uuid.NewString(), ChatID: t.in.ChatID, OwnerID: t.in.OwnerID, Role: models.RoleUser, Kind: models.KindText, Content: t.in.UserMessage, CreatedAt: now},
		{ID: uuid.NewString(), ChatID: t.in.ChatID, OwnerID: t.in.OwnerID, Role: models.RoleAssistant, Kind: kind, Content: reply, CreatedAt: now.Add(time.Microsecond)},
	}
	for _, m := range msgs {
		if err := o.messages.AppendMessage(ctx, m); err != nil {
			t.logCtx.Error("Failed to persist message.", "role", m.Role, "error", err)
			t.result.PersistError = err
			t.emit(models.TurnEvent{Type: models.EventError, Message: "The conversation could not be saved."})
			return
		}
	}
}

func reason(err error) string {
	if code := models.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}
