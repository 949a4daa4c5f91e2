// -----------------------------------------------------------------------
// Last Modified: Tuesday, 18th August 2026 2:41:07 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/services/bib"
	"github.com/thala-research/thala/internal/services/citations"
	"github.com/thala-research/thala/internal/services/embedding"
	"github.com/thala-research/thala/internal/services/export"
	"github.com/thala-research/thala/internal/services/fetch"
	"github.com/thala-research/thala/internal/services/language"
	"github.com/thala-research/thala/internal/services/llm"
	"github.com/thala-research/thala/internal/services/papers"
	"github.com/thala-research/thala/internal/services/pipeline"
	"github.com/thala-research/thala/internal/services/review"
	"github.com/thala-research/thala/internal/services/translate"
	"github.com/thala-research/thala/internal/services/websearch"
	"github.com/thala-research/thala/internal/storage"
	"github.com/thala-research/thala/internal/storage/badger"
	"github.com/thala-research/thala/internal/workflows"
)

// App holds the wired service graph for one thala process
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage layer
	BadgerDB       *badger.BadgerDB
	AuditStorage   interfaces.AuditStorage
	URLCache       interfaces.URLCacheStorage
	StorageManager interfaces.StorageManager

	// External system clients
	BibSystem  interfaces.BibSystem
	Translator interfaces.TranslationService
	WebSearch  interfaces.WebSearchService // nil without an API key
	Fetcher    interfaces.FetchService
	Detector   interfaces.LanguageDetector

	// Model-backed services (nil when no provider key is configured)
	LLMService interfaces.LLMService
	Embedder   interfaces.EmbeddingEngine

	// Pipeline, review and post-processing
	Dumper        *workflows.Dumper
	Processor     interfaces.DocumentProcessor
	Verifier      *citations.Verifier
	PostProcessor interfaces.CitationPostProcessor
	Papers        *papers.Service
	Review        interfaces.ReviewOrchestrator
	Exporter      interfaces.ExportService
}

// New initializes the application in dependency order: storage first,
// then the external clients, then the model-backed stages. A missing
// model provider key degrades the pipeline and review to nil instead of
// failing startup, so storage-only commands keep working.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.initServices()

	logger.Info().
		Bool("pipeline_enabled", app.Processor != nil).
		Bool("review_enabled", app.Review != nil).
		Bool("websearch_enabled", app.WebSearch != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage brings up Badger (audit trail + URL cache), the bib
// system client, and the partitioned Elasticsearch/Chroma manager.
func (a *App) initStorage(ctx context.Context) error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger store: %w", err)
	}
	a.BadgerDB = db
	a.AuditStorage = badger.NewAuditStorage(db, a.Logger)
	a.URLCache = badger.NewURLCacheStorage(db, a.Logger)

	// The bib system is wired into the storage manager so lineage and
	// citation checks share one client.
	a.BibSystem = bib.NewService(a.Logger, &a.Config.Bib)

	manager, err := storage.NewStorageManager(ctx, a.Logger, a.Config, a.BibSystem)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager

	a.Logger.Debug().
		Str("badger_path", a.Config.Storage.Badger.Path).
		Str("elastic_coherence", a.Config.Storage.Elastic.CoherenceHost).
		Str("elastic_forgotten", a.Config.Storage.Elastic.ForgottenHost).
		Msg("Storage layer initialized")

	return nil
}

// initServices wires the clients and the model-backed stages. Order
// matters: the pipeline feeds the paper tools, which feed the review.
// Missing provider keys degrade features instead of failing startup.
func (a *App) initServices() {
	// 1. Plain clients with no model dependency
	a.Translator = translate.NewService(a.Logger, &a.Config.Translation)
	a.Fetcher = fetch.NewService(&a.Config.Fetch, a.Logger)
	a.Detector = language.NewDetector(a.Logger)
	a.Dumper = workflows.NewDumper(&a.Config.Workflow, a.Logger)

	// 2. Web search is optional; review fact-checking degrades without it
	webSearch, err := websearch.NewService(a.Logger, &a.Config.WebSearch)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Web search unavailable, review fact-checking disabled")
	} else {
		a.WebSearch = webSearch
	}

	// 3. LLM gateway, audited through badger
	llmService, err := llm.NewService(a.Logger, a.Config, a.AuditStorage)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("LLM service unavailable, pipeline and review disabled")
		a.Logger.Info().Msg("To enable model-backed stages, set ANTHROPIC_API_KEY or claude.api_key in config")
	} else {
		a.LLMService = llmService
	}

	// 4. Embedding engine per configured provider
	embedder, err := embedding.NewEngine(a.Logger, &a.Config.Embedding)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Embedding engine unavailable, ingestion and paper search disabled")
	} else {
		a.Embedder = embedder
	}

	// 5. Citation verification runs against the bib system alone
	a.Verifier = citations.NewVerifier(a.BibSystem, a.Config.Review.BibVerifyConcurrency, a.Logger)

	// 6. Ingestion graph needs both the gateway and the embedder
	var generator papers.SummaryGenerator
	if a.LLMService != nil && a.Embedder != nil {
		processor := pipeline.NewProcessor(
			a.Config.Pipeline,
			a.StorageManager,
			a.LLMService,
			a.Embedder,
			a.Fetcher,
			a.Translator,
			a.Detector,
			a.Dumper,
			a.Logger,
		)
		a.Processor = processor
		generator = processor
		a.Logger.Debug().Msg("Document pipeline initialized")
	}

	// 7. Paper search works with just the embedder; lazy condensed
	// summaries only happen when the pipeline is up
	if a.Embedder != nil {
		a.Papers = papers.NewService(a.StorageManager, a.Embedder, generator, a.Config.Pipeline.LongDocThreshold, a.Logger)
	}

	// 8. Citation post-processing converts numeric citations after a run
	if a.LLMService != nil {
		a.PostProcessor = citations.NewPostProcessor(
			a.BibSystem,
			a.Translator,
			a.LLMService,
			a.Fetcher,
			a.URLCache,
			a.Config.Review.CitationConcurrency,
			a.Logger,
		)
	}

	// 9. Review loops sit on top of everything above
	if a.LLMService != nil && a.Papers != nil {
		mini := review.NewCorpusMiniReviewer(a.Papers, a.BibSystem, a.LLMService, a.Logger)
		a.Review = review.NewService(
			a.Config.Review,
			a.LLMService,
			a.Verifier,
			a.Papers,
			mini,
			a.WebSearch,
			a.Dumper,
			a.Logger,
		)
		a.Logger.Debug().Msg("Review orchestrator initialized")
	}

	// 10. Export needs only the bib system for references
	a.Exporter = export.NewService(a.Config.Export, a.BibSystem, a.Logger)
}

// Health probes every storage backend and returns the composite report.
func (a *App) Health(ctx context.Context) interfaces.HealthStatus {
	return a.StorageManager.Health(ctx)
}

// Close releases resources in reverse dependency order
func (a *App) Close() error {
	if a.LLMService != nil {
		if err := a.LLMService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage manager")
		}
	}

	if a.BadgerDB != nil {
		if err := a.BadgerDB.Close(); err != nil {
			return fmt.Errorf("failed to close badger store: %w", err)
		}
	}

	return nil
}
