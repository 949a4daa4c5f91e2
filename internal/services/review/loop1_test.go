package review

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
	"github.com/thala-research/thala/internal/services/citations"
	"github.com/thala-research/thala/internal/workflows"
)

func TestLoop1ResearchThenComplete(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		decision, ok := out.(*models.SupervisorDecision)
		if !ok {
			return fx.llm.defaultStructured(req, out)
		}
		if req.ID == "depth-supervisor-1" {
			decision.Action = models.SupervisorConductResearch
			decision.Questions = []string{
				"How did print change the art of memory?",
				"Where did the practice persist longest?",
			}
			return nil
		}
		decision.Action = models.SupervisorResearchComplete
		return nil
	}
	state := sampleState(reviewDoc)

	err := fx.service.runLoop1(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.Progress.LoopIterations[1])
	assert.Empty(t, state.Errors)
	assert.Equal(t, reviewDoc, state.CurrentReview)

	researchers := fx.llm.agentsBySystem(researcherSystem)
	require.Len(t, researchers, 2, "one agent per question")
	assert.Contains(t, researchers[0].Messages[0].Content, "How did print change the art of memory?")
	require.Len(t, researchers[0].Tools, 1, "researchers stay inside the corpus")
	assert.Equal(t, "search_papers", researchers[0].Tools[0].Name)
	assert.Equal(t, interfaces.TierSonnet, researchers[0].Options.Tier)

	// The next supervisor turn sees the gathered findings.
	prompt, ok := fx.llm.structuredPrompt("depth-supervisor-2")
	require.True(t, ok)
	assert.Contains(t, prompt, "How did print change the art of memory?")
	assert.Contains(t, prompt, "The corpus supports the point.")

	opts, ok := fx.llm.structuredOpts("depth-supervisor-1")
	require.True(t, ok)
	assert.Equal(t, interfaces.TierOpus, opts.Tier)
	assert.NotZero(t, opts.ThinkingBudget)
}

func TestLoop1RefineFoldsFindings(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		decision, ok := out.(*models.SupervisorDecision)
		if !ok {
			return fx.llm.defaultStructured(req, out)
		}
		if req.ID == "depth-supervisor-1" {
			decision.Action = models.SupervisorRefineDraft
			decision.Updates = "Deepen the print-culture claim."
			decision.Gaps = []string{"Reception outside Italy"}
			return nil
		}
		decision.Action = models.SupervisorResearchComplete
		return nil
	}
	fx.llm.completeFn = func(_ interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
		return &interfaces.CompletionResult{
			Content: "REVISED DRAFT\n\n" + reviewDoc + "\n\nWith a deeper print-culture argument.",
		}, nil
	}
	state := sampleState(reviewDoc)

	err := fx.service.runLoop1(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.True(t, len(state.CurrentReview) > len(reviewDoc))
	assert.Contains(t, state.CurrentReview, "REVISED DRAFT")
	assert.Empty(t, state.Errors)

	completes := fx.llm.completes()
	require.Len(t, completes, 1)
	assert.Equal(t, refineSystem, completes[0].System)
	assert.Equal(t, interfaces.TierOpus, completes[0].Options.Tier)
	assert.Contains(t, completes[0].Messages[0].Content, "Deepen the print-culture claim.")

	// Declared gaps carry into the next supervisor turn.
	prompt, ok := fx.llm.structuredPrompt("depth-supervisor-2")
	require.True(t, ok)
	assert.Contains(t, prompt, "Reception outside Italy")
}

func TestLoop1RejectsShortRefinement(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if decision, ok := out.(*models.SupervisorDecision); ok {
			decision.Action = models.SupervisorRefineDraft
			decision.Updates = "Tighten everything."
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	fx.llm.completeFn = func(_ interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
		return &interfaces.CompletionResult{Content: "No."}, nil
	}
	state := sampleState(reviewDoc)

	err := fx.service.runLoop1(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, reviewDoc, state.CurrentReview, "a fragment must not replace the draft")
	assert.Equal(t, 2, state.Progress.LoopIterations[1], "repeated failures finalize early")
	require.Len(t, state.Errors, 2)
	for _, failure := range state.Errors {
		assert.Equal(t, "refine_draft", failure.NodeName)
	}
}

func TestLoop1FactCheckRecordsVerdict(t *testing.T) {
	fx := newReviewFixture(t)
	claim := "The loci method reached England by 1550."
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		decision, ok := out.(*models.SupervisorDecision)
		if !ok {
			return fx.llm.defaultStructured(req, out)
		}
		if req.ID == "depth-supervisor-1" {
			decision.Action = models.SupervisorCheckFact
			decision.Claim = claim
			return nil
		}
		decision.Action = models.SupervisorResearchComplete
		return nil
	}
	fx.llm.completeFn = func(_ interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
		return &interfaces.CompletionResult{Content: "The evidence supports the claim."}, nil
	}
	state := sampleState(reviewDoc)

	err := fx.service.runLoop1(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	require.Len(t, fx.web.queries, 1)
	assert.Equal(t, claim, fx.web.queries[0])

	completes := fx.llm.completes()
	require.Len(t, completes, 1)
	assert.Equal(t, factVerdictSystem, completes[0].System)
	assert.Equal(t, interfaces.TierHaiku, completes[0].Options.Tier)
	assert.Contains(t, completes[0].Messages[0].Content, "Memory in print")

	// The verdict joins the findings the supervisor sees next turn.
	prompt, ok := fx.llm.structuredPrompt("depth-supervisor-2")
	require.True(t, ok)
	assert.Contains(t, prompt, "Fact check: "+claim)
	assert.Contains(t, prompt, "The evidence supports the claim.")
}

func TestLoop1WithoutWebSearchSkipsFactCheck(t *testing.T) {
	llm := &fakeLLM{}
	llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		decision, ok := out.(*models.SupervisorDecision)
		if !ok {
			return llm.defaultStructured(req, out)
		}
		if req.ID == "depth-supervisor-1" {
			decision.Action = models.SupervisorCheckFact
			decision.Claim = "An unverifiable claim."
			return nil
		}
		decision.Action = models.SupervisorResearchComplete
		return nil
	}
	bib := &fakeKeyBib{known: map[string]bool{}}
	verifier := citations.NewVerifier(bib, 4, arbor.NewLogger())
	dumper := workflows.NewDumper(&common.WorkflowConfig{Mode: "prod"}, arbor.NewLogger())
	service := NewService(common.NewDefaultConfig().Review, llm, verifier, &fakeTools{}, &fakeMini{}, nil, dumper, arbor.NewLogger())
	state := sampleState(reviewDoc)

	err := service.runLoop1(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Empty(t, llm.completes(), "no provider, no verdict call")
	assert.Empty(t, state.Errors, "a skipped check is not a failure")
	assert.Equal(t, 2, state.Progress.LoopIterations[1])
}

func TestLoop1ResearcherFailuresFinalizeEarly(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if decision, ok := out.(*models.SupervisorDecision); ok {
			decision.Action = models.SupervisorConductResearch
			decision.Questions = []string{"A question the agent cannot answer?"}
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	fx.llm.agentFn = func(_ interfaces.AgentRequest, _ interfaces.Validatable) error {
		return fmt.Errorf("%w: agent budget exhausted", interfaces.ErrTokenBudgetExceeded)
	}
	state := sampleState(reviewDoc)

	err := fx.service.runLoop1(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.Progress.LoopIterations[1])
	require.Len(t, state.Errors, 2)
	for _, failure := range state.Errors {
		assert.Equal(t, "researcher", failure.NodeName)
		assert.True(t, failure.Recoverable)
	}
}

func TestResearchCompleteness(t *testing.T) {
	// No questions asked, first iteration, no gaps: only the gap term
	// contributes.
	assert.InDelta(t, 0.2, researchCompleteness(0, 0, 0, 1, 3), 0.001)

	// Full coverage on the last iteration with no gaps is complete.
	assert.InDelta(t, 1.0, researchCompleteness(4, 4, 0, 3, 3), 0.001)

	// Open gaps pull the estimate down.
	withGaps := researchCompleteness(4, 4, 4, 3, 3)
	assert.Less(t, withGaps, 1.0)
	assert.InDelta(t, 0.8, withGaps, 0.001)

	// Coverage is capped at one even when answers exceed questions.
	assert.LessOrEqual(t, researchCompleteness(10, 2, 0, 3, 3), 1.0)
}
