package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentauditflow/internal/app"
	"github.com/Lllllllleong/documentauditflow/internal/config"
	"github.com/Lllllllleong/documentauditflow/internal/handlers"
	"github.com/gin-gonic/gin"
)

var (
	router  http.Handler
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.HTTP("ChatAPI", serve)
}

// main runs the function locally; on Cloud Run functions the framework calls serve directly.
func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := funcframework.Start(port); err != nil {
		slog.Error("Server stopped.", "error", err)
		os.Exit(1)
	}
}

func setup() {
	cfg, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	config.SetupLogging(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		initErr = err
		return
	}
	var turns handlers.Turns
	if a.Orchestrator != nil {
		turns = a.Orchestrator
	}
	router = handlers.New(a.Pipeline, a.Audits, turns, a.Policies, cfg.MaxUploadBytes).Router()
}

// serve is the HTTP entry point. Clients are built once per instance.
func serve(w http.ResponseWriter, r *http.Request) {
	once.Do(setup)
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	router.ServeHTTP(w, r)
}
