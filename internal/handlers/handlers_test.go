package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDocs struct {
	uploaded  services.UploadRequest
	body      string
	uploadErr error
	docs      map[string]*models.Document
	progress  []models.ProgressEvent
}

func (f *fakeDocs) Upload(_ context.Context, req services.UploadRequest) (*models.Document, error) {
	data, _ := io.ReadAll(req.Body)
	f.uploaded, f.body = req, string(data)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &models.Document{ID: "doc-1", OwnerID: req.OwnerID, Filename: req.Filename, Status: models.StatusProcessing}, nil
}

func (f *fakeDocs) Document(_ context.Context, id string) (*models.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDocs) Watch(context.Context, string) (<-chan models.ProgressEvent, error) {
	ch := make(chan models.ProgressEvent, len(f.progress))
	for _, ev := range f.progress {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeDocs) DownloadURL(_ context.Context, id string, _ time.Duration) (string, error) {
	return "https://storage.example.com/" + id + "?sig=abc", nil
}

type fakeAudits struct {
	err error
}

func (f *fakeAudits) Audit(_ context.Context, ownerID, documentID string, ref models.PolicyRef) (*services.AuditResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	report := &models.ValidationReport{ID: "rep-1", DocumentID: documentID, OwnerID: ownerID, PolicyID: ref.String(), Verdict: models.VerdictPass}
	return &services.AuditResult{Report: report, Message: "Audit report: x"}, nil
}

func (f *fakeAudits) Report(_ context.Context, ownerID, reportID string) (*models.ValidationReport, error) {
	if ownerID != "alice" {
		return nil, models.NewError(models.CodeNotFound, nil, "report %s not found", reportID)
	}
	return &models.ValidationReport{ID: reportID, OwnerID: ownerID}, nil
}

type fakeTurns struct {
	got      models.ConversationTurn
	contents []string
}

func (f *fakeTurns) RunTurn(_ context.Context, in models.ConversationTurn, emit func(models.TurnEvent)) (*models.TurnResult, error) {
	if in.UserMessage == "" && len(in.NewAttachments) == 0 {
		return nil, models.NewError(models.CodeBadRequest, nil, "empty message")
	}
	f.got = in
	for _, a := range in.NewAttachments {
		r, err := a.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		f.contents = append(f.contents, string(data))
	}
	emit(models.TurnEvent{Type: models.EventState, State: models.TurnGenerating})
	emit(models.TurnEvent{Type: models.EventToken, Message: "Hello"})
	emit(models.TurnEvent{Type: models.EventDone})
	return &models.TurnResult{State: models.TurnDone, Reply: "Hello"}, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeDocs, *fakeAudits, *fakeTurns) {
	t.Helper()
	policies, err := services.NewPolicyRegistry([]models.Policy{{ID: "general", Name: "General", Default: true}}, "", 0)
	require.NoError(t, err)
	docs := &fakeDocs{docs: map[string]*models.Document{
		"doc-1": {ID: "doc-1", OwnerID: "alice", Filename: "a.pdf", Status: models.StatusReady},
	}}
	audits := &fakeAudits{}
	turns := &fakeTurns{}
	return New(docs, audits, turns, policies, 1<<20), docs, audits, turns
}

func do(h *Handler, req *http.Request, owner string) *httptest.ResponseRecorder {
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="` + fileField + `"; filename="` + filename + `"`}
		if contentType != "" {
			header["Content-Type"] = []string{contentType}
		}
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestRequiresOwner(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	w := do(h, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1", nil), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(models.CodeUnauthenticated), body["code"])

	w = do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadHandler(t *testing.T) {
	h, docs, _, _ := newTestHandler(t)
	body, ct := multipartBody(t, map[string]string{"conversation_id": "chat-1"}, "file", "notes.txt", "", "hello")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", ct)

	w := do(h, req, "alice")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "alice", docs.uploaded.OwnerID)
	assert.Equal(t, "chat-1", docs.uploaded.ConversationID)
	assert.True(t, strings.HasPrefix(docs.uploaded.MimeType, "text/plain"), "mime type falls back to the extension")
	assert.Equal(t, "hello", docs.body)

	var doc models.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "doc-1", doc.ID)
}

func TestUploadHandlerMapsErrorCodes(t *testing.T) {
	h, docs, _, _ := newTestHandler(t)
	docs.uploadErr = models.NewError(models.CodeRateLimited, nil, "too many uploads, try again later")
	body, ct := multipartBody(t, nil, "file", "a.pdf", "application/pdf", "%PDF")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", ct)

	w := do(h, req, "alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"code":"RATE_LIMITED","message":"too many uploads, try again later"}`, w.Body.String())

	body, ct = multipartBody(t, nil, "", "", "", "")
	req = httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", ct)
	w = do(h, req, "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentOwnership(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	w := do(h, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1", nil), "mallory")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/download", nil), "alice")
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "https://storage.example.com/doc-1?sig=abc", w.Header().Get("Location"))
}

func TestProgressEventsSSE(t *testing.T) {
	h, docs, _, _ := newTestHandler(t)
	docs.progress = []models.ProgressEvent{
		{DocumentID: "doc-1", Phase: models.PhaseExtract, Status: models.StatusProcessing},
		{DocumentID: "doc-1", Phase: models.PhaseReady, Status: models.StatusReady},
	}
	w := do(h, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/events", nil), "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 2, strings.Count(w.Body.String(), "event:progress"))
	assert.Contains(t, w.Body.String(), `"phase":"READY"`)
}

func TestTurnStreamsEvents(t *testing.T) {
	h, _, _, turns := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chats/chat-1/turns", strings.NewReader(`{"message":"hi","document_ids":["doc-1"]}`))
	req.Header.Set("Content-Type", "application/json")

	w := do(h, req, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "event:state")
	assert.Contains(t, out, "event:token")
	assert.Contains(t, out, "event:result")
	assert.Equal(t, "chat-1", turns.got.ChatID)
	assert.Equal(t, []string{"doc-1"}, turns.got.ExistingDocumentIDs)

	req = httptest.NewRequest(http.MethodPost, "/v1/chats/chat-1/turns", strings.NewReader(`{"message":""}`))
	req.Header.Set("Content-Type", "application/json")
	w = do(h, req, "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTurnWithAttachments(t *testing.T) {
	h, _, _, turns := newTestHandler(t)
	body, ct := multipartBody(t, map[string]string{"message": "what is this?"}, "attachments", "brief.pdf", "application/pdf", "%PDF-1.7")
	req := httptest.NewRequest(http.MethodPost, "/v1/chats/chat-1/turns", body)
	req.Header.Set("Content-Type", ct)

	w := do(h, req, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, turns.got.NewAttachments, 1)
	assert.Equal(t, "brief.pdf", turns.got.NewAttachments[0].Filename)
	assert.Equal(t, "application/pdf", turns.got.NewAttachments[0].MimeType)
	assert.Equal(t, int64(len("%PDF-1.7")), turns.got.NewAttachments[0].Size)
	assert.Equal(t, []string{"%PDF-1.7"}, turns.contents)
}

func TestAuditHandler(t *testing.T) {
	h, _, audits, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/audits", strings.NewReader(`{"document_id":"doc-1","policy_id":"auto"}`))
	req.Header.Set("Content-Type", "application/json")
	w := do(h, req, "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.AuditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Audit report: x", resp.Message)
	assert.Equal(t, "rep-1", resp.Summary.ReportID)
	assert.Equal(t, "auto", resp.Summary.PolicyID)

	audits.err = models.NewError(models.CodeUnknownPolicy, nil, `unknown policy "nope"`)
	req = httptest.NewRequest(http.MethodPost, "/v1/audits", strings.NewReader(`{"document_id":"doc-1","policy_id":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	w = do(h, req, "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "UNKNOWN_POLICY")

	w = do(h, httptest.NewRequest(http.MethodGet, "/v1/reports/rep-1", nil), "bob")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPolicies(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	w := do(h, httptest.NewRequest(http.MethodGet, "/v1/policies", nil), "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"policies":[{"id":"general","name":"General","default":true}]}`, w.Body.String())
}
