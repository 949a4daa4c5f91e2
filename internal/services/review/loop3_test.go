package review

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

func structureDoc() (string, []string) {
	paragraphs := []string{
		"The opening paragraph frames the central question about early modern memory practice.",
		"The second paragraph surveys the rhetorical tradition the memory arts grew out of.",
		"The third paragraph follows the loci method into the first printed handbooks.",
		"The fourth paragraph examines how universities absorbed the printed tradition.",
		"The fifth paragraph wanders into devotional uses before the academic story is finished.",
		"The sixth paragraph closes the argument and states what the tradition left behind.",
	}
	return strings.Join(paragraphs, "\n\n"), paragraphs
}

func TestLoop3RewritesFlaggedRegion(t *testing.T) {
	fx := newReviewFixture(t)
	doc, paragraphs := structureDoc()
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		switch v := out.(type) {
		case *models.StructureAnalysis:
			if req.ID == "structure-analysis-1" {
				v.NeedsRestructuring = true
				v.Issues = []models.StructuralIssue{{
					IssueID:             "mis-1",
					Type:                models.IssueMisplacedContent,
					AffectedParagraphs:  []int{5, 6},
					SuggestedResolution: models.ResolutionRewrite,
					Description:         "The devotional material interrupts the academic account.",
				}}
			}
			return nil
		case *models.SectionRewrite:
			v.RewrittenText = "A rewritten fifth paragraph that finishes the academic account first.\n\nA rewritten sixth paragraph that then turns to devotional practice."
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(doc)

	err := fx.service.runLoop3(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 1, state.Progress.LoopIterations[3])
	assert.Empty(t, state.Errors)
	assert.Contains(t, state.CurrentReview, "A rewritten fifth paragraph")
	assert.NotContains(t, state.CurrentReview, "wanders into devotional uses")
	assert.Len(t, markdown.SplitParagraphs(state.CurrentReview), 6)

	ids := fx.llm.structuredIDs()
	assert.Contains(t, ids, "structure-rewrite-mis-1")
	assert.Contains(t, ids, "structure-verify-1")

	// The rewrite sees surrounding paragraphs as read-only context.
	prompt, ok := fx.llm.structuredPrompt("structure-rewrite-mis-1")
	require.True(t, ok)
	assert.Contains(t, prompt, paragraphs[1], "context reaches back three paragraphs")
	assert.Contains(t, prompt, paragraphs[4])
	assert.Contains(t, prompt, "misplaced_content")

	verifyPrompt, ok := fx.llm.structuredPrompt("structure-verify-1")
	require.True(t, ok)
	assert.Contains(t, verifyPrompt, "mis-1")
}

func TestLoop3SkipsMoveAndOutOfRangeIssues(t *testing.T) {
	fx := newReviewFixture(t)
	doc, _ := structureDoc()
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if analysis, ok := out.(*models.StructureAnalysis); ok {
			if req.ID == "structure-analysis-1" {
				analysis.NeedsRestructuring = true
				analysis.Issues = []models.StructuralIssue{
					{
						IssueID:             "move-1",
						Type:                models.IssueOrdering,
						AffectedParagraphs:  []int{2},
						SuggestedResolution: models.ResolutionMove,
					},
					{
						IssueID:             "oob-1",
						Type:                models.IssueRedundancy,
						AffectedParagraphs:  []int{99},
						SuggestedResolution: models.ResolutionRewrite,
					},
				}
			}
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(doc)

	err := fx.service.runLoop3(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.False(t, hasPrefixIn(fx.llm.structuredIDs(), "structure-rewrite"), "neither issue reaches the rewrite model")
	assert.Equal(t, doc, state.CurrentReview)
	assert.Empty(t, state.Errors)
}

func TestLoop3StopsAfterRepeatedAnalysisFailures(t *testing.T) {
	fx := newReviewFixture(t)
	doc, _ := structureDoc()
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if _, ok := out.(*models.StructureAnalysis); ok {
			return fmt.Errorf("%w: no valid analysis", interfaces.ErrStructuredOutputFailure)
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(doc)

	err := fx.service.runLoop3(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.Progress.LoopIterations[3])
	assert.Equal(t, doc, state.CurrentReview)
	require.Len(t, state.Errors, 2)
	for _, failure := range state.Errors {
		assert.Equal(t, "structure_analysis", failure.NodeName)
		assert.Equal(t, "structured_output", failure.ErrorType)
	}
}

func TestLoop3RunsUntilVerificationPasses(t *testing.T) {
	fx := newReviewFixture(t)
	doc, _ := structureDoc()
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		switch v := out.(type) {
		case *models.StructureAnalysis:
			v.NeedsRestructuring = true
			v.Issues = []models.StructuralIssue{{
				IssueID:             "ord-" + req.ID[len(req.ID)-1:],
				Type:                models.IssueOrdering,
				AffectedParagraphs:  []int{2},
				SuggestedResolution: models.ResolutionRewrite,
			}}
			return nil
		case *models.SectionRewrite:
			v.RewrittenText = "A reworked second paragraph."
			return nil
		case *models.ArchitectureVerificationResult:
			if req.ID == "structure-verify-1" {
				v.CoherenceScore = 0.5
				v.IssuesRemaining = []string{"ord-1"}
				return nil
			}
			v.CoherenceScore = 0.9
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(doc)

	err := fx.service.runLoop3(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.Progress.LoopIterations[3])
	assert.Contains(t, state.CurrentReview, "A reworked second paragraph.")
}

func TestLoop3ExhaustsBudgetWhenNeverClean(t *testing.T) {
	fx := newReviewFixture(t)
	doc, _ := structureDoc()
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		switch v := out.(type) {
		case *models.StructureAnalysis:
			v.NeedsRestructuring = true
			v.Issues = []models.StructuralIssue{{
				IssueID:             "stub-1",
				Type:                models.IssueRedundancy,
				AffectedParagraphs:  []int{3},
				SuggestedResolution: models.ResolutionRewrite,
			}}
			return nil
		case *models.SectionRewrite:
			v.RewrittenText = "A trimmed third paragraph."
			return nil
		case *models.ArchitectureVerificationResult:
			v.CoherenceScore = 0.4
			v.IssuesRemaining = []string{"stub-1"}
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(doc)

	err := fx.service.runLoop3(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	// Configured iterations plus the confirmation pass.
	assert.Equal(t, 4, state.Progress.LoopIterations[3])
}

func TestLoop3AnalysisTierFollowsQuality(t *testing.T) {
	doc, _ := structureDoc()

	fx := newReviewFixture(t)
	state := sampleState(doc)
	state.Quality = models.QualitySettings{MaxStages: 2, OpusAnalysis: true}
	require.NoError(t, fx.service.runLoop3(context.Background(), arbor.NewLogger(), state))
	opts, ok := fx.llm.structuredOpts("structure-analysis-1")
	require.True(t, ok)
	assert.Equal(t, interfaces.TierOpus, opts.Tier)
	assert.NotZero(t, opts.ThinkingBudget)

	fx = newReviewFixture(t)
	state = sampleState(doc)
	require.NoError(t, fx.service.runLoop3(context.Background(), arbor.NewLogger(), state))
	opts, ok = fx.llm.structuredOpts("structure-analysis-1")
	require.True(t, ok)
	assert.Equal(t, interfaces.TierSonnet, opts.Tier)
}

func TestLoop3EmptyDocument(t *testing.T) {
	fx := newReviewFixture(t)
	state := sampleState("   ")

	err := fx.service.runLoop3(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)
	assert.Empty(t, fx.llm.structuredIDs())
}
