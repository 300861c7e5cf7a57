package handlers

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// TurnRequest is the JSON form of a turn. Attachments need the multipart form.
type TurnRequest struct {
	Message     string               `json:"message"`
	DocumentIDs []string             `json:"document_ids"`
	Audit       *models.AuditRequest `json:"audit,omitempty"`
}

type turnSummary struct {
	State       models.TurnState `json:"state"`
	DocumentIDs []string         `json:"document_ids"`
	ReportID    string           `json:"report_id,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Persisted   bool             `json:"persisted"`
}

// turn runs one conversation turn and streams its events as SSE.
func (h *Handler) turn(c *gin.Context) {
	if h.turns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": models.CodeGenerationFailed, "message": "no chat model is configured"})
		return
	}
	in, err := h.readTurn(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var mu sync.Mutex
	started := false
	send := func(eventType string, data any) {
		mu.Lock()
		defer mu.Unlock()
		if !started {
			setSSEHeaders(c)
			started = true
		}
		_ = sendSSE(c, eventType, data)
	}
	emit := func(ev models.TurnEvent) { send(string(ev.Type), ev) }

	res, err := h.turns.RunTurn(c.Request.Context(), in, emit)
	if err != nil {
		// Malformed turns fail before any event is emitted.
		writeError(c, err)
		return
	}
	summary := turnSummary{State: res.State, DocumentIDs: res.DocumentIDs, Warnings: res.Warnings, Persisted: res.PersistError == nil}
	if res.Report != nil {
		summary.ReportID = res.Report.ID
	}
	send("result", summary)
}

func (h *Handler) readTurn(c *gin.Context) (models.ConversationTurn, error) {
	in := models.ConversationTurn{ChatID: c.Param("chatId"), OwnerID: ownerOf(c)}

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var req TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return in, models.NewError(models.CodeBadRequest, err, "invalid turn body")
		}
		in.UserMessage = req.Message
		in.ExistingDocumentIDs = req.DocumentIDs
		in.Audit = req.Audit
		return in, nil
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 4*h.maxBytes+1<<20)
	form, err := c.MultipartForm()
	if err != nil {
		return in, models.NewError(models.CodeBadRequest, err, "invalid multipart turn")
	}
	in.UserMessage = strings.Join(form.Value["message"], "\n")
	in.ExistingDocumentIDs = form.Value["document_ids"]
	for _, header := range form.File["attachments"] {
		// Oversized attachments are passed through so the pipeline reports
		// UPLOAD_TOO_LARGE for them as a warning.
		in.NewAttachments = append(in.NewAttachments, models.Attachment{
			Filename: header.Filename,
			MimeType: mimeOf(header.Header.Get("Content-Type"), header.Filename),
			Size:     header.Size,
			Open: func() (io.ReadCloser, error) {
				return header.Open()
			},
		})
	}
	return in, nil
}

// audit is the explicit tool invocation: {document_id, policy_id}.
func (h *Handler) audit(c *gin.Context) {
	var req models.AuditRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DocumentID == "" {
		writeError(c, models.NewError(models.CodeBadRequest, err, "document_id is required"))
		return
	}
	res, err := h.audits.Audit(c.Request.Context(), ownerOf(c), req.DocumentID, models.ParsePolicyRef(req.PolicyID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

func (h *Handler) report(c *gin.Context) {
	report, err := h.audits.Report(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Owner identity is checked by the gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// progressSocket is the progress stream over a websocket, one JSON event per message.
func (h *Handler) progressSocket(c *gin.Context) {
	doc, ok := h.ownedDocument(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stream, err := h.docs.Watch(c.Request.Context(), doc.ID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"code": models.CodeOf(err), "message": err.Error()})
		return
	}
	for ev := range stream {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}
