// Package handlers exposes the pipeline, audits and conversation turns over
// HTTP with gin. Authentication happens upstream; the caller's identity
// arrives in the X-Owner-ID header.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/services"
	"github.com/gin-gonic/gin"
)

const (
	ownerHeader     = "X-Owner-ID"
	contextKeyOwner = "owner_id"
	downloadTTL     = 15 * time.Minute
)

// Documents is the ingestion side used by the handlers.
type Documents interface {
	Upload(ctx context.Context, req services.UploadRequest) (*models.Document, error)
	Document(ctx context.Context, documentID string) (*models.Document, error)
	Watch(ctx context.Context, documentID string) (<-chan models.ProgressEvent, error)
	DownloadURL(ctx context.Context, documentID string, ttl time.Duration) (string, error)
}

// Audits runs and reads validation reports.
type Audits interface {
	Audit(ctx context.Context, ownerID, documentID string, ref models.PolicyRef) (*services.AuditResult, error)
	Report(ctx context.Context, ownerID, reportID string) (*models.ValidationReport, error)
}

// Turns runs conversation turns.
type Turns interface {
	RunTurn(ctx context.Context, in models.ConversationTurn, emit func(models.TurnEvent)) (*models.TurnResult, error)
}

// Handler serves the public API.
type Handler struct {
	docs     Documents
	audits   Audits
	turns    Turns
	policies *services.PolicyRegistry
	maxBytes int64
}

// New creates the handler. turns may be nil when no chat model is configured.
func New(docs Documents, audits Audits, turns Turns, policies *services.PolicyRegistry, maxUploadBytes int64) *Handler {
	return &Handler{docs: docs, audits: audits, turns: turns, policies: policies, maxBytes: maxUploadBytes}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1", requireOwner())
	v1.POST("/documents", h.upload)
	v1.GET("/documents/:id", h.document)
	v1.GET("/documents/:id/events", h.events)
	v1.GET("/documents/:id/ws", h.progressSocket)
	v1.GET("/documents/:id/download", h.download)
	v1.POST("/chats/:chatId/turns", h.turn)
	v1.POST("/audits", h.audit)
	v1.GET("/reports/:id", h.report)
	v1.GET("/policies", h.listPolicies)
	return r
}

func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(ownerHeader)
		if owner == "" {
			c.AbortWithStatusJSON(models.CodeUnauthenticated.HTTPStatus(), gin.H{
				"code":    models.CodeUnauthenticated,
				"message": ownerHeader + " header is required",
			})
			return
		}
		c.Set(contextKeyOwner, owner)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request served.",
			"method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds())
	}
}

func ownerOf(c *gin.Context) string { return c.GetString(contextKeyOwner) }

// writeError renders a typed error as {code, message} with its HTTP status.
func writeError(c *gin.Context, err error) {
	var appErr *models.Error
	if !errors.As(err, &appErr) {
		slog.Error("Unhandled request error.", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}
	c.JSON(appErr.Code.HTTPStatus(), gin.H{"code": appErr.Code, "message": appErr.Message})
}

// ownedDocument loads a document and hides those of other owners.
func (h *Handler) ownedDocument(c *gin.Context) (*models.Document, bool) {
	id := c.Param("id")
	doc, err := h.docs.Document(c.Request.Context(), id)
	if err == nil && doc.OwnerID != ownerOf(c) {
		err = models.NewError(models.CodeNotFound, nil, "document %s not found", id)
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return doc, true
}

func (h *Handler) upload(c *gin.Context) {
	// Leave headroom for the multipart envelope; the pipeline enforces the
	// exact ceiling on the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, models.NewError(models.CodeUploadTooLarge, err, "upload exceeds the %d byte limit", h.maxBytes))
			return
		}
		writeError(c, models.NewError(models.CodeBadRequest, err, "multipart field \"file\" is required"))
		return
	}
	f, err := header.Open()
	if err != nil {
		writeError(c, models.NewError(models.CodeBadRequest, err, "failed to read upload"))
		return
	}
	defer f.Close()

	doc, err := h.docs.Upload(c.Request.Context(), services.UploadRequest{
		OwnerID:        ownerOf(c),
		ConversationID: c.PostForm("conversation_id"),
		Filename:       header.Filename,
		MimeType:       mimeOf(header.Header.Get("Content-Type"), header.Filename),
		Size:           header.Size,
		Body:           f,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// mimeOf trusts the declared part type unless it is missing or generic.
func mimeOf(declared, filename string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func (h *Handler) document(c *gin.Context) {
	if doc, ok := h.ownedDocument(c); ok {
		c.JSON(http.StatusOK, doc)
	}
}

func (h *Handler) download(c *gin.Context) {
	doc, ok := h.ownedDocument(c)
	if !ok {
		return
	}
	url, err := h.docs.DownloadURL(c.Request.Context(), doc.ID, downloadTTL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, url)
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

func sendSSE(c *gin.Context, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.SSEvent(eventType, string(jsonData))
	c.Writer.Flush()
	return nil
}

// events streams a document's progress until it is READY or FAILED.
func (h *Handler) events(c *gin.Context) {
	doc, ok := h.ownedDocument(c)
	if !ok {
		return
	}
	stream, err := h.docs.Watch(c.Request.Context(), doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	setSSEHeaders(c)
	for ev := range stream {
		if err := sendSSE(c, "progress", ev); err != nil {
			return
		}
	}
}

func (h *Handler) listPolicies(c *gin.Context) {
	type policySummary struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Default     bool   `json:"default"`
	}
	var out []policySummary
	for _, p := range h.policies.List() {
		out = append(out, policySummary{ID: p.ID, Name: p.Name, Description: p.Description, Default: p.ID == h.policies.DefaultID()})
	}
	c.JSON(http.StatusOK, gin.H{"policies": out})
}
