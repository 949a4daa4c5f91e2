// -----------------------------------------------------------------------
// Last Modified: Thursday, 19th February 2026 4:31:55 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
	"github.com/thala-research/thala/internal/workflows"
)

const workflowName = "document_processing"

// Processor runs the document ingestion graph: resolve, stub, content,
// analysis agents, bibliographic update, chapter detection and the 10:1
// summarization subgraph. One instance serves all runs concurrently.
type Processor struct {
	cfg        common.PipelineConfig
	storage    interfaces.StorageManager
	llm        interfaces.LLMService
	embedder   interfaces.EmbeddingEngine
	fetcher    interfaces.FetchService
	translator interfaces.TranslationService
	detector   interfaces.LanguageDetector
	dumper     *workflows.Dumper
	logger     arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.DocumentProcessor = (*Processor)(nil)

// NewProcessor creates a document processor with its injected dependencies.
func NewProcessor(
	cfg common.PipelineConfig,
	storage interfaces.StorageManager,
	llm interfaces.LLMService,
	embedder interfaces.EmbeddingEngine,
	fetcher interfaces.FetchService,
	translator interfaces.TranslationService,
	detector interfaces.LanguageDetector,
	dumper *workflows.Dumper,
	logger arbor.ILogger,
) *Processor {
	return &Processor{
		cfg:        cfg,
		storage:    storage,
		llm:        llm,
		embedder:   embedder,
		fetcher:    fetcher,
		translator: translator,
		detector:   detector,
		dumper:     dumper,
		logger:     logger,
	}
}

// ProcessDocument runs the full graph for one input (URL, DOI, or raw
// markdown). Hard failures in the early stages abort the run; later stages
// collect their errors in the state and keep going, so a flaky summary
// never destroys an ingested document.
func (p *Processor) ProcessDocument(ctx context.Context, input string, title string) (state *models.DocumentState, err error) {
	state = &models.DocumentState{
		RunID:     common.NewRunID(),
		Input:     input,
		Title:     title,
		Status:    models.StatusProcessing,
		StartedAt: time.Now().UTC(),
	}
	log := p.logger.WithCorrelationId(state.RunID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Document processing panicked")
			state.AddError(fmt.Sprintf("panic: %v", r))
			state.Status = models.StatusFailed
			state.FinishedAt = time.Now().UTC()
			err = fmt.Errorf("document processing panicked: %v", r)
		}
	}()

	log.Info().Int("input_length", len(input)).Msg("Starting document processing")

	if stageErr := p.resolveInput(ctx, log, state); stageErr != nil {
		return p.fail(log, state, "resolve_input", stageErr)
	}
	p.dump(state, "resolve_input")

	if stageErr := p.createStub(ctx, log, state); stageErr != nil {
		return p.fail(log, state, "create_stub", stageErr)
	}
	p.dump(state, "create_stub")

	p.detectLanguage(log, state)
	p.dump(state, "detect_language")

	if stageErr := p.updateContent(ctx, log, state); stageErr != nil {
		return p.fail(log, state, "update_store_with_content", stageErr)
	}
	p.dump(state, "update_store_with_content")

	p.runAnalysisAgents(ctx, log, state)
	p.dump(state, "analysis_agents")

	p.saveShortSummary(ctx, log, state)
	p.dump(state, "save_short_summary")

	p.updateBibItem(ctx, log, state)
	p.dump(state, "update_bib_item")

	p.validateContent(ctx, log, state)
	p.dump(state, "validate_content")

	p.detectChapters(ctx, log, state)
	p.dump(state, "detect_chapters")

	if state.NeedsTenthSummary {
		p.summarizeChapters(ctx, log, state)
		p.dump(state, "chapter_summaries")

		p.saveTenthSummary(ctx, log, state)
		p.dump(state, "save_tenth_summary")
	}

	p.finalize(log, state)
	p.dump(state, "finalize")

	return state, nil
}

// ProcessDocumentsBatch fans ProcessDocument out under a semaphore.
// Per-document failures become failed results; the batch itself never
// cancels.
func (p *Processor) ProcessDocumentsBatch(ctx context.Context, inputs []string, concurrency int) ([]*models.ProcessResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if concurrency <= 0 {
		concurrency = p.cfg.IngestConcurrency
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	p.logger.Info().
		Int("documents", len(inputs)).
		Int("concurrency", concurrency).
		Msg("Starting batch ingestion")

	results := make([]*models.ProcessResult, len(inputs))

	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, input := range inputs {
		group.Go(func() error {
			state, runErr := p.ProcessDocument(ctx, input, "")
			results[i] = resultFromState(input, state, runErr)
			return nil
		})
	}
	group.Wait()

	completed := 0
	for _, r := range results {
		if r.Status == models.StatusCompleted {
			completed++
		}
	}
	p.logger.Info().
		Int("completed", completed).
		Int("failed", len(inputs)-completed).
		Msg("Batch ingestion finished")

	return results, nil
}

func (p *Processor) fail(log arbor.ILogger, state *models.DocumentState, stage string, err error) (*models.DocumentState, error) {
	state.AddError(fmt.Sprintf("%s: %v", stage, err))
	state.Status = models.StatusFailed
	state.FinishedAt = time.Now().UTC()
	p.dump(state, stage)

	log.Error().Err(err).Str("stage", stage).Msg("Document processing failed")
	return state, fmt.Errorf("%s: %w", stage, err)
}

func (p *Processor) finalize(log arbor.ILogger, state *models.DocumentState) {
	state.Status = models.StatusCompleted
	state.FinishedAt = time.Now().UTC()

	log.Info().
		Str("bib_key", state.BibKey).
		Str("l0_id", state.L0ID).
		Str("l1_id", state.L1ID).
		Str("l2_id", state.L2ID).
		Int("word_count", state.WordCount).
		Int("chapters", len(state.Chapters)).
		Int("errors", len(state.Errors)).
		Dur("duration", state.FinishedAt.Sub(state.StartedAt)).
		Msg("Document processing completed")
}

func (p *Processor) dump(state *models.DocumentState, stage string) {
	p.dumper.Dump(workflowName, state.RunID, stage, state)
}

func resultFromState(input string, state *models.DocumentState, err error) *models.ProcessResult {
	result := &models.ProcessResult{
		Input:  input,
		Status: models.StatusCompleted,
	}
	if state != nil {
		result.L0ID = state.L0ID
		result.L1ID = state.L1ID
		result.L2ID = state.L2ID
		result.BibKey = state.BibKey
		result.Errors = state.Errors
		if state.Validation != nil && state.Validation.Mismatch {
			result.ValidationError = fmt.Sprintf("metadata does not match content: %s", state.Validation.Details)
		}
		if state.Status == models.StatusFailed {
			result.Status = models.StatusFailed
		}
	}
	if err != nil {
		result.Status = models.StatusFailed
	}
	return result
}
