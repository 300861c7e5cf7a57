// Package app assembles the services from configuration. Both the chat API and
// the extractor function build the same graph so that either can finish an
// extraction the other started.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/documentauditflow/internal/auditors"
	"github.com/Lllllllleong/documentauditflow/internal/config"
	"github.com/Lllllllleong/documentauditflow/internal/gcp"
	"github.com/Lllllllleong/documentauditflow/internal/kv"
	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/objstore"
	"github.com/Lllllllleong/documentauditflow/internal/pubsub"
	"github.com/Lllllllleong/documentauditflow/internal/registry"
	"github.com/Lllllllleong/documentauditflow/internal/services"
)

// App holds the wired services of one process.
type App struct {
	Config   *config.Config
	Pipeline *services.Pipeline
	Policies *services.PolicyRegistry
	Audits   *services.AuditService
	// Orchestrator is nil when no chat model is configured.
	Orchestrator *services.Orchestrator

	closers []func() error
}

// New builds every service cfg selects. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.registry(ctx)
	if err != nil {
		return nil, err
	}
	limiter, cache, err := a.kv(ctx)
	if err != nil {
		return nil, err
	}
	chat, judge, ocr, err := a.models(ctx)
	if err != nil {
		return nil, err
	}

	events := pubsub.NewBroker[models.ProgressEvent](cfg.EventGracePeriod)
	a.closers = append(a.closers, func() error { events.Shutdown(); return nil })

	extractor := services.NewTextExtractor(store, ocr, services.ExtractorConfig{
		OCRTimeout: cfg.OCRTimeout,
		PageCap:    cfg.AuditPageCap,
	})
	a.Pipeline = services.NewPipeline(reg, store, extractor, limiter, cache, events, nil, services.IngestionConfig{
		MaxUploadBytes:   cfg.MaxUploadBytes,
		AllowedMimeTypes: cfg.AllowedMimeTypes,
		CacheTTL:         cfg.TextCacheTTL,
	})
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	a.Pipeline.SetDispatcher(dispatcher)

	policies, err := services.LoadPolicies(cfg.PolicyDir)
	if err != nil {
		return nil, err
	}
	a.Policies, err = services.NewPolicyRegistry(policies, cfg.DefaultPolicy, cfg.DetectionFloor)
	if err != nil {
		return nil, fmt.Errorf("invalid policy table: %w", err)
	}

	deps := auditors.Deps{}
	if cfg.GrammarURL != "" {
		deps.Grammar = auditors.NewLanguageTool(cfg.GrammarURL, float64(cfg.GrammarRPS), 0)
	}
	if judge != nil {
		deps.Judge = judge
	}
	coordinator := services.NewCoordinator(deps, services.CoordinatorConfig{AuditorTimeout: cfg.AuditorTimeout})
	a.Audits = services.NewAuditService(a.Pipeline, a.Policies, coordinator, reg, services.AuditConfig{
		Timeout:      cfg.AuditTimeout,
		ReportTokens: cfg.ReportTokenBudget,
	})

	if chat != nil {
		a.Orchestrator = services.NewOrchestrator(a.Pipeline, a.Audits, reg, chat, services.OrchestratorConfig{
			TurnTimeout:  cfg.TurnTimeout,
			HistoryLimit: cfg.HistoryLimit,
		})
	}

	slog.Info("Services initialised.",
		"registry", cfg.RegistryBackend, "storage", cfg.StorageBackend, "llm", cfg.LLMBackend,
		"dispatch", cfg.DispatchMode, "policies", len(policies), "defaultPolicy", a.Policies.DefaultID())
	return a, nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) objectStore(ctx context.Context) (services.ObjectStore, error) {
	cfg := a.Config
	if cfg.StorageBackend == "local" {
		return objstore.NewDirStore(cfg.LocalStoreDir)
	}
	var opts []gcp.GCSOption
	if cfg.SignerEmail != "" && cfg.SignerKeyFile != "" {
		key, err := os.ReadFile(cfg.SignerKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signer key: %w", err)
		}
		opts = append(opts, gcp.WithSigningKey(cfg.SignerEmail, key))
	}
	store, err := gcp.NewGCSStore(ctx, cfg.UploadsBucket, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) registry(ctx context.Context) (registry.Store, error) {
	cfg := a.Config
	var (
		store registry.Store
		err   error
	)
	if cfg.RegistryBackend == "sqlite" {
		store, err = registry.NewSQLiteRegistry(cfg.SQLitePath)
	} else {
		store, err = registry.NewFirestoreRegistry(ctx, cfg.ProjectID, cfg.FirestoreCollection, cfg.ReportsCollection)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// kv uses Redis when configured so that limits and cached text are shared
// across instances; otherwise both live in this process.
func (a *App) kv(ctx context.Context) (kv.RateLimiter, kv.TextCache, error) {
	cfg := a.Config
	if cfg.RedisURL == "" {
		return kv.NewMemoryLimiter(cfg.RateLimitMax, cfg.RateLimitWindow), kv.NewMemoryTextCache(cfg.TextCacheSize), nil
	}
	client, err := kv.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, client.Close)
	return kv.NewRedisLimiter(client, cfg.RateLimitMax, cfg.RateLimitWindow), kv.NewRedisTextCache(client), nil
}

func (a *App) models(ctx context.Context) (llm.ChatModel, llm.Judge, services.OCR, error) {
	cfg := a.Config
	var vertex *gcp.VertexClient
	if cfg.LLMBackend == "vertex" || cfg.ProjectID != "" {
		vc, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexRegion, cfg.ChatModel, cfg.OCRModel)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, vc.Close)
		vertex = vc
	}

	switch cfg.LLMBackend {
	case "vertex":
		return vertex, vertex, vertex, nil
	case "openai":
		chat, err := llm.NewEinoChat(ctx, llm.EinoConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL})
		if err != nil {
			return nil, nil, nil, err
		}
		if vertex == nil {
			return chat, chat, nil, nil
		}
		return chat, chat, vertex, nil
	default:
		if vertex == nil {
			return nil, nil, nil, nil
		}
		return nil, nil, vertex, nil
	}
}

func (a *App) dispatcher(ctx context.Context) (services.Dispatcher, error) {
	cfg := a.Config
	if cfg.DispatchMode == "workflow" {
		wd, err := gcp.NewWorkflowDispatcher(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, wd.Close)
		return wd, nil
	}

	local := services.NewLocalDispatcher(cfg.ExtractWorkers, 0)
	local.Start(context.WithoutCancel(ctx), func(ctx context.Context, id string) error {
		_, err := a.Pipeline.ProcessExtraction(ctx, id, "local")
		return err
	})
	a.closers = append(a.closers, local.Close)
	if cfg.DispatchMode == "event" {
		return services.NewFinalizeDispatcher(local), nil
	}
	return local, nil
}
