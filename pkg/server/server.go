// Package server provides the public entry point for initializing the
// OpsConductor AI pipeline server.
//
// It lives in pkg/ (not internal/) so deployment wrappers can compose
// the full server with extra middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/api"
	"github.com/opsconductor/opsconductor/internal/api/handlers"
	"github.com/opsconductor/opsconductor/internal/assets"
	"github.com/opsconductor/opsconductor/internal/canary"
	"github.com/opsconductor/opsconductor/internal/catalog"
	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/internal/embeddings"
	"github.com/opsconductor/opsconductor/internal/executor"
	"github.com/opsconductor/opsconductor/internal/llm"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/pipeline"
	"github.com/opsconductor/opsconductor/internal/secrets"
	"github.com/opsconductor/opsconductor/internal/telemetry"
	"github.com/opsconductor/opsconductor/internal/toolindex"
)

// Server holds the initialized pipeline.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// Catalog runs the background spec refresh; Stop it on shutdown.
	Catalog *catalog.Catalog

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all pipeline components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the pipeline with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetBuildInfo(cfg.Version, "", "")

	// Embeddings drive both the catalog backfill and selector retrieval.
	var driver embeddings.Driver
	switch cfg.Embeddings.Provider {
	case "openai":
		driver = embeddings.NewOpenAIDriver(cfg.Embeddings.Endpoint, cfg.LLM.APIKey, cfg.Embeddings.Model)
	default:
		driver = embeddings.NewOllamaDriver(cfg.Embeddings.Endpoint, cfg.Embeddings.Model)
	}

	// Stores: PostgreSQL when DATABASE_URL is set, in-memory otherwise.
	var index toolindex.Store
	var secretStore secrets.Store
	if cfg.Database.URL != "" {
		pgIndex, err := toolindex.NewPgStore(ctx, cfg.Database.URL, driver.Dimensions())
		if err != nil {
			return nil, fmt.Errorf("tool index: %w", err)
		}
		pgSecrets, err := secrets.NewPgStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("secrets store: %w", err)
		}
		index, secretStore = pgIndex, pgSecrets
		log.Info().Msg("PostgreSQL stores initialized")
	} else {
		index = toolindex.NewMemoryStore()
		secretStore = secrets.NewMemoryStore()
		log.Info().Msg("in-memory stores initialized")
	}

	broker, err := secrets.NewBroker(secretStore, cfg.Secrets.MasterKey)
	if err != nil {
		return nil, err
	}

	embedder := embeddings.NewService(driver, broker.Redactor())
	facade := assets.NewFacade(cfg.Services.AssetURL)

	llmClient := llm.New(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		BackupBaseURL: cfg.LLM.BackupBaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		CallTimeout:   cfg.LLM.CallTimeout,
	})

	cat := catalog.New(index, embedder)
	if err := cat.Backfill(ctx); err != nil {
		// A cold embedding model must not block boot; lexical search
		// still works and the background refresh retries.
		log.Warn().Err(err).Msg("catalog backfill incomplete")
	}
	cat.Start(ctx)

	selector := pipeline.NewSelector(index, embedder, facade, broker, llmClient, m, pipeline.SelectorOptions{
		Budget: pipeline.TokenBudget{
			ContextWindow: cfg.LLM.MaxModelLen,
			OutputReserve: cfg.LLM.OutputReserve,
			BasePrompt:    cfg.LLM.SafetyMargin,
			PerRow:        cfg.LLM.TokensPerRow,
		},
		AmbiguityMarginPct: cfg.Selector.AmbiguityMarginPct,
		TiebreakModel:      cfg.LLM.TiebreakModel,
		CacheTTL:           cfg.Selector.CacheTTL,
		CacheMaxEntries:    cfg.Selector.CacheMaxEntries,
	})

	classifier := pipeline.NewClassifier(llmClient, cfg.LLM.CallTimeout)
	planner := pipeline.NewPlanner(llmClient, index, cfg.LLM.CallTimeout, cfg.Executor.StepTimeoutMax)
	responder := pipeline.NewResponder(llmClient, cfg.LLM.CallTimeout)
	orch := pipeline.NewOrchestrator(classifier, selector, planner, responder, m)
	orch.BypassLLM = cfg.BypassLLM

	exec := executor.New(broker, facade, index, m, executor.Config{
		AutomationURL:    cfg.Services.AutomationURL,
		CommunicationURL: cfg.Services.CommunicationURL,
		AssetURL:         cfg.Services.AssetURL,
		NetworkURL:       cfg.Services.NetworkURL,
		RequestTimeout:   cfg.Executor.RequestTimeout,
		StepTimeoutMax:   cfg.Executor.StepTimeoutMax,
		LoopConcurrency:  cfg.Executor.LoopConcurrency,
		TenantID:         cfg.Executor.TenantID,
	})

	gate := canary.NewGate(smokeCheck(orch))

	h := handlers.New(orch, selector, exec, index, broker, facade, gate)
	router := api.NewRouter(cfg, h, reg)

	log.Info().Int("port", cfg.Port).Bool("bypass_llm", cfg.BypassLLM).Msg("pipeline initialized")

	return &Server{
		Handler:      router,
		Port:         cfg.Port,
		Catalog:      cat,
		ShutdownFunc: shutdown,
	}, nil
}

// smokeCheck runs one synthetic classification through the pipeline and
// verifies it produced a response at all.
func smokeCheck(orch *pipeline.Orchestrator) canary.SmokeFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		res := orch.Run(ctx, "smoke", "list tools available for linux", pipeline.SelectorContext{})
		if res.Response == "" {
			return fmt.Errorf("smoke request produced no response")
		}
		return nil
	}
}
