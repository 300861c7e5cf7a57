package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentauditflow/internal/app"
	"github.com/Lllllllleong/documentauditflow/internal/config"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	pipeline *services.Pipeline
	once     sync.Once
	initErr  error
)

func init() {
	// --- Set up structured logging ---
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Called by the extraction workflow with {"documentId": ...}.
	functions.HTTP("ExtractDocument", extractDocument)
	// Triggered by the uploads bucket when DISPATCH_MODE=event.
	functions.CloudEvent("OnUploadFinalized", onUploadFinalized)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() {
	cfg, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	config.SetupLogging(cfg.LogLevel)
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		initErr = err
		return
	}
	pipeline = a.Pipeline
}

// storageObject is the subset of the GCS finalize payload we read.
type storageObject struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func extractDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(setup)
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	var req models.ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		http.Error(w, "documentId is required", http.StatusBadRequest)
		return
	}
	doc, err := pipeline.ProcessExtraction(r.Context(), req.DocumentID, req.ExecutionID)
	if doc == nil {
		slog.Error("Extraction request failed.", "documentId", req.DocumentID, "error", err)
		status := http.StatusInternalServerError
		if code := models.CodeOf(err); code != "" {
			status = code.HTTPStatus()
		}
		http.Error(w, err.Error(), status)
		return
	}

	// A FAILED document is a handled outcome; the workflow reads the status.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.ExtractResponse{
		Status:    doc.Status,
		PageCount: doc.PageCount,
		ErrorCode: doc.ErrorCode,
	})
}

func onUploadFinalized(ctx context.Context, e cloudevents.Event) error {
	once.Do(setup)
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var obj storageObject
	if err := json.Unmarshal(e.Data(), &obj); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	if !strings.HasPrefix(obj.Name, models.StorageKeyPrefix) {
		slog.Info("Ignoring object outside the uploads folder.", "object", obj.Name)
		return nil
	}
	documentID := strings.TrimPrefix(obj.Name, models.StorageKeyPrefix)

	doc, err := pipeline.ProcessExtraction(ctx, documentID, e.ID())
	if doc == nil && err != nil {
		// Returning the error lets the trigger retry; the record is unchanged.
		return err
	}
	return nil
}
