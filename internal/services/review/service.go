// -----------------------------------------------------------------------
// Last Modified: Monday, 4th May 2026 11:47:29 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package review

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
	"github.com/thala-research/thala/internal/services/citations"
	"github.com/thala-research/thala/internal/workflows"
)

const workflowName = "review_refinement"

const (
	// sectionTokenLimit caps how much of the review one editor sees at once
	sectionTokenLimit = 5000

	// citedSummaryCharLimit bounds the paper summaries handed to one editor
	citedSummaryCharLimit = 30000

	// agentMaxToolCalls / agentMaxTotalChars are the two dimensions of the
	// tool budget for editing and checking agents
	agentMaxToolCalls  = 10
	agentMaxTotalChars = 100000

	// analysisThinkingTokens is the extended-thinking budget for the
	// deep-reasoning analytical phases
	analysisThinkingTokens = 8000

	// consecutiveFailureLimit is how many failed iterations in a row a loop
	// tolerates before finalizing early
	consecutiveFailureLimit = 2

	// maxLoop3Repeats bounds re-entries into the structural loop from the
	// cohesion gate; a full structure-and-edit cycle is expensive
	maxLoop3Repeats = 1
)

// ToolProvider exposes the paper-corpus tools bound into editing and
// checking agents
type ToolProvider interface {
	Tools() []interfaces.Tool
}

// Service runs the staged review loops: theoretical depth, literature
// expansion, structural rewrite, parallel section editing, the cohesion gate
// and the fact/reference check. One instance serves all runs concurrently;
// per-run state lives entirely in the ReviewState passed to Run.
type Service struct {
	cfg       common.ReviewConfig
	llm       interfaces.LLMService
	websearch interfaces.WebSearchService
	verifier  *citations.Verifier
	papers    ToolProvider
	mini      MiniReviewRunner
	dumper    *workflows.Dumper
	logger    arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.ReviewOrchestrator = (*Service)(nil)

// NewService creates the review orchestrator. websearch and mini may be nil;
// the fact-check tool and loop 2 degrade gracefully without them.
func NewService(
	cfg common.ReviewConfig,
	llm interfaces.LLMService,
	verifier *citations.Verifier,
	papers ToolProvider,
	mini MiniReviewRunner,
	websearch interfaces.WebSearchService,
	dumper *workflows.Dumper,
	logger arbor.ILogger,
) *Service {
	if cfg.CoherenceThreshold <= 0 {
		cfg.CoherenceThreshold = 0.8
	}
	if cfg.HolisticThreshold <= 0 {
		cfg.HolisticThreshold = 0.7
	}
	if cfg.SectionConcurrency <= 0 {
		cfg.SectionConcurrency = 5
	}
	return &Service{
		cfg:       cfg,
		llm:       llm,
		websearch: websearch,
		verifier:  verifier,
		papers:    papers,
		mini:      mini,
		dumper:    dumper,
		logger:    logger,
	}
}

// Run executes the selected loops in order over the state's review text.
// Recoverable loop failures are collected in the state and the run keeps
// going; only cancellation or invalid input aborts it.
func (s *Service) Run(ctx context.Context, state *models.ReviewState, loops models.LoopSelection) (result *models.ReviewResult, err error) {
	if state == nil || strings.TrimSpace(state.CurrentReview) == "" {
		return nil, fmt.Errorf("%w: review text is empty", interfaces.ErrInvalidInput)
	}
	if state.RunID == "" {
		state.RunID = common.NewRunID()
	}
	log := s.logger.WithCorrelationId(state.RunID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Review run panicked")
			err = fmt.Errorf("review run panicked: %v", r)
			result = nil
		}
	}()

	highest := loops.HighestLoop()
	log.Info().
		Str("loops", string(loops)).
		Int("review_words", len(strings.Fields(state.CurrentReview))).
		Int("corpus_papers", len(state.PaperSummaries)).
		Msg("Starting review refinement")

	if highest == 0 {
		return s.finish(log, state, "loops_disabled"), nil
	}

	type loopFn struct {
		number int
		run    func(context.Context, arbor.ILogger, *models.ReviewState) error
	}
	staged := []loopFn{
		{1, s.runLoop1},
		{2, s.runLoop2},
		{3, s.runLoop3},
		{4, s.runLoop4},
	}

	for _, loop := range staged {
		if loop.number > highest {
			break
		}
		if err := s.runOne(ctx, log, state, loop.number, loop.run); err != nil {
			return nil, err
		}
	}

	if highest >= 5 {
		// Cohesion gate: a restructure verdict sends the run back through
		// the structural and editing loops, once.
		for s.cohesionCheck(ctx, log, state) && state.Progress.Loop3RepeatCount < maxLoop3Repeats {
			state.Progress.Loop3RepeatCount++
			log.Info().Int("repeat", state.Progress.Loop3RepeatCount).Msg("Cohesion gate routing back to the structural loop")
			if err := s.runOne(ctx, log, state, 3, s.runLoop3); err != nil {
				return nil, err
			}
			if err := s.runOne(ctx, log, state, 4, s.runLoop4); err != nil {
				return nil, err
			}
		}

		if err := s.runOne(ctx, log, state, 5, s.runLoop5); err != nil {
			return nil, err
		}
	}

	reason := "completed"
	if len(state.Errors) > 0 {
		reason = "completed_with_errors"
	}
	return s.finish(log, state, reason), nil
}

// runOne wraps a loop invocation with revision recording, checkpointing and
// panic containment. Only cancellation propagates as an error; anything else
// a loop surfaces has already been recorded as failures in the state.
func (s *Service) runOne(ctx context.Context, log arbor.ILogger, state *models.ReviewState, number int, run func(context.Context, arbor.ILogger, *models.ReviewState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	before := state.CurrentReview

	err := func() (loopErr error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Int("loop", number).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Review loop panicked")
				recordFailure(state, number, 0, "loop", fmt.Errorf("panic: %v", r), false)
			}
		}()
		return run(ctx, log, state)
	}()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		recordFailure(state, number, 0, "loop", err, true)
	}

	s.recordRevision(state, number, before, state.CurrentReview)
	s.dump(state, fmt.Sprintf("loop_%d", number))
	return nil
}

// cohesionCheck is the 4.5 gate: one deep-reasoning call deciding whether
// the document needs another structural pass
func (s *Service) cohesionCheck(ctx context.Context, log arbor.ILogger, state *models.ReviewState) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	check := models.CohesionCheckResult{}
	err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "cohesion-check",
		System: cohesionSystem,
		Prompt: buildCohesionPrompt(state.CurrentReview),
	}, &check, interfaces.CompletionOptions{
		Tier:  interfaces.TierOpus,
		RunID: state.RunID,
	})
	if err != nil {
		recordFailure(state, 4, 0, "cohesion_check", err, true)
		log.Warn().Err(err).Msg("Cohesion check failed, proceeding without restructuring")
		return false
	}
	log.Info().
		Bool("needs_restructuring", check.NeedsRestructuring).
		Str("reasoning", firstChars(check.Reasoning, 160)).
		Msg("Cohesion check complete")
	return check.NeedsRestructuring
}

func (s *Service) finish(log arbor.ILogger, state *models.ReviewState, reason string) *models.ReviewResult {
	log.Info().
		Str("completion_reason", reason).
		Int("revisions", len(state.Revisions)).
		Int("errors", len(state.Errors)).
		Msg("Review refinement finished")
	return &models.ReviewResult{
		FinalReview:      state.CurrentReview,
		CompletionReason: reason,
		Errors:           state.Errors,
		Revisions:        state.Revisions,
		Progress:         state.Progress,
	}
}

// recordRevision appends a document revision when a loop changed the text
func (s *Service) recordRevision(state *models.ReviewState, loop int, before, after string) {
	if before == after {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	})
	if err != nil {
		diff = ""
	}
	state.Revisions = append(state.Revisions, models.DocumentRevision{
		LoopNumber: loop,
		Iteration:  state.Progress.LoopIterations[loop],
		Before:     before,
		After:      after,
		Diff:       diff,
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Service) dump(state *models.ReviewState, stage string) {
	s.dumper.Dump(workflowName, state.RunID, stage, state)
}

// maxIterations derives the per-loop iteration budget: quality settings win
// when present, otherwise the configured default, floored at 2 so
// self-correction is always possible
func (s *Service) maxIterations(q models.QualitySettings) int {
	if q.MaxStages > 0 {
		return q.MaxIterations()
	}
	n := s.cfg.MaxIterations
	if n < 2 {
		n = 2
	}
	return n
}

// analysisTier is opus when the quality settings opt into deep analysis,
// sonnet otherwise
func analysisTier(q models.QualitySettings) interfaces.Tier {
	if q.OpusAnalysis {
		return interfaces.TierOpus
	}
	return interfaces.TierSonnet
}

// corpusKeySet flattens the state's known citation keys into a lookup set
func corpusKeySet(state *models.ReviewState) map[string]bool {
	set := make(map[string]bool, len(state.PaperSummaries)+len(state.ZoteroKeys))
	for key := range state.PaperSummaries {
		set[key] = true
	}
	for _, key := range state.ZoteroKeys {
		set[key] = true
	}
	return set
}

func recordFailure(state *models.ReviewState, loop, iteration int, node string, err error, recoverable bool) {
	state.Errors = append(state.Errors, newFailure(loop, iteration, node, err, recoverable))
}

// newFailure builds a failure without touching the state, for callers running
// under errgroup that must not append concurrently
func newFailure(loop, iteration int, node string, err error, recoverable bool) models.LoopFailure {
	return models.LoopFailure{
		LoopNumber:   loop,
		Iteration:    iteration,
		NodeName:     node,
		ErrorType:    classifyError(err),
		ErrorMessage: err.Error(),
		Recoverable:  recoverable,
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrStructuredOutputFailure):
		return "structured_output"
	case errors.Is(err, interfaces.ErrTokenBudgetExceeded):
		return "token_budget"
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, interfaces.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "node_error"
	}
}

func firstChars(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}
