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
	"github.com/thala-research/thala/internal/models"
)

// editedSection extracts the section a SectionEdit prompt targets, so hooks
// can tell it apart from the read-only context around it.
func editedSection(req interfaces.AgentRequest) string {
	prompt := req.Messages[0].Content
	idx := strings.Index(prompt, sectionEditMarker)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(prompt[idx+len(sectionEditMarker):])
}

func twoSectionDoc() string {
	return fmt.Sprintf("## Background\n\n%s\n\n## Findings\n\n%s", genWords(98), genWords(118))
}

func TestLoop4AcceptsCleanEdits(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.agentFn = func(req interfaces.AgentRequest, out interfaces.Validatable) error {
		edit, ok := out.(*models.SectionEdit)
		if !ok {
			return fx.llm.defaultAgent(req, out)
		}
		if strings.HasPrefix(editedSection(req), "## Background") {
			edit.EditedContent = "## Background\n\nimproved " + genWords(96)
		} else {
			edit.EditedContent = "## Findings\n\nimproved " + genWords(110)
		}
		edit.Confidence = 0.85
		edit.ChangesMade = "Tightened the prose."
		return nil
	}
	state := sampleState(twoSectionDoc())

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 1, state.Progress.LoopIterations[4])
	assert.Empty(t, state.Errors)
	assert.Contains(t, state.CurrentReview, "## Background\n\nimproved")
	assert.Contains(t, state.CurrentReview, "## Findings\n\nimproved")

	editors := fx.llm.agentsBySystem(sectionEditorSystem)
	require.Len(t, editors, 2, "every section gets one pass")
	assert.Equal(t, interfaces.TierSonnet, editors[0].Options.Tier)
	assert.Contains(t, editors[0].Messages[0].Content, "must stay between")
	assert.Contains(t, fx.llm.structuredIDs(), "holistic")
}

func TestLoop4StripsUnverifiedCitations(t *testing.T) {
	fx := newReviewFixture(t)
	doc := fmt.Sprintf("## Findings\n\n%s as shown in [@KEYAAA01] [@BADKEYZZ] the record holds.", genWords(88))
	state := sampleState(doc)

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Contains(t, state.CurrentReview, "[@KEYAAA01]", "corpus keys survive")
	assert.NotContains(t, state.CurrentReview, "BADKEYZZ", "unknown keys are stripped")
	assert.NotContains(t, state.CurrentReview, "TODO", "the strip marker is resolved before the loop ends")
	assert.Equal(t, 0, fx.bib.lookupCount(), "default quality never asks the bib server")

	resolvers := fx.llm.agentsBySystem(todoResolverSystem)
	require.Len(t, resolvers, 1)
	assert.Contains(t, resolvers[0].Messages[0].Content, "could not be verified")
}

func TestLoop4RetryThenExtendedTolerance(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.agentFn = func(req interfaces.AgentRequest, out interfaces.Validatable) error {
		if edit, ok := out.(*models.SectionEdit); ok {
			edit.EditedContent = "## Analysis\n\nextended " + genWords(262)
			edit.Confidence = 0.9
			return nil
		}
		return fx.llm.defaultAgent(req, out)
	}
	state := sampleState("## Analysis\n\n" + genWords(198))

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	editors := fx.llm.agentsBySystem(sectionEditorSystem)
	require.Len(t, editors, 2, "one retry after the rejected size")
	assert.Contains(t, editors[1].Messages[0].Content, "Your previous edit was rejected")
	assert.Contains(t, editors[1].Messages[0].Content, "outside the required")

	assert.Contains(t, state.CurrentReview, "extended word1", "the oversize edit lands inside the widened bounds")
	assert.Empty(t, state.Errors)
	assert.Equal(t, 1, state.Progress.LoopIterations[4])
}

func TestLoop4RevertsUnrepairableEdit(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.agentFn = func(req interfaces.AgentRequest, out interfaces.Validatable) error {
		if edit, ok := out.(*models.SectionEdit); ok {
			edit.EditedContent = "Too short."
			edit.Confidence = 0.9
			return nil
		}
		return fx.llm.defaultAgent(req, out)
	}
	original := "## Analysis\n\n" + genWords(198)
	state := sampleState(original)

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, original, state.CurrentReview, "the original section survives a hopeless edit")
	assert.NotContains(t, state.CurrentReview, "Too short.")
	require.Len(t, fx.llm.agentsBySystem(sectionEditorSystem), 2)
	assert.Empty(t, state.Errors, "a revert is a policy outcome, not a failure")
}

func TestLoop4SecondPassOverFlaggedSections(t *testing.T) {
	fx := newReviewFixture(t)
	holisticCalls := 0
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if review, ok := out.(*models.HolisticReview); ok {
			holisticCalls++
			if holisticCalls == 1 {
				review.SectionsApproved = []string{"background"}
				review.SectionsFlagged = []string{"findings"}
				review.FlaggedReasons = map[string]string{"findings": "weak evidence for the print claim"}
				review.OverallCoherenceScore = 0.75
				return nil
			}
			review.OverallCoherenceScore = 0.9
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(twoSectionDoc())

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.Progress.LoopIterations[4])
	editors := fx.llm.agentsBySystem(sectionEditorSystem)
	require.Len(t, editors, 3, "the second pass edits only the flagged section")
	assert.Contains(t, editors[2].Messages[0].Content, "weak evidence for the print claim")
	assert.Contains(t, editedSection(editors[2]), "## Findings")

	prompt, ok := fx.llm.structuredPrompt("holistic")
	require.True(t, ok)
	assert.Contains(t, prompt, "background, findings")
}

func TestLoop4HolisticFallsBackToScoreOnly(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if _, ok := out.(*models.HolisticReview); ok {
			return fmt.Errorf("%w: flagged ids did not validate", interfaces.ErrStructuredOutputFailure)
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(twoSectionDoc())

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	ids := fx.llm.structuredIDs()
	assert.Contains(t, ids, "holistic")
	assert.Contains(t, ids, "holistic-retry")
	assert.Contains(t, ids, "holistic-score")
	assert.Equal(t, 1, state.Progress.LoopIterations[4], "a healthy score ends the loop")
	assert.Empty(t, state.Errors, "a successful fallback is not a failure")
}

func TestLoop4LowScoreFlagsEverySection(t *testing.T) {
	fx := newReviewFixture(t)
	scoreCalls := 0
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		switch v := out.(type) {
		case *models.HolisticReview:
			return fmt.Errorf("%w: flagged ids did not validate", interfaces.ErrStructuredOutputFailure)
		case *coherenceScore:
			scoreCalls++
			if scoreCalls == 1 {
				v.OverallCoherenceScore = 0.2
			} else {
				v.OverallCoherenceScore = 0.9
			}
			return nil
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(twoSectionDoc())

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 2, state.Progress.LoopIterations[4])
	assert.Len(t, fx.llm.agentsBySystem(sectionEditorSystem), 4, "a weak score sends every section back")
}

func TestLoop4TotalHolisticFailureApproves(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		switch out.(type) {
		case *models.HolisticReview, *coherenceScore:
			return fmt.Errorf("%w: provider down", interfaces.ErrBackendUnavailable)
		}
		return fx.llm.defaultStructured(req, out)
	}
	state := sampleState(twoSectionDoc())

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 1, state.Progress.LoopIterations[4], "an unusable check cannot hold the document hostage")
	require.Len(t, state.Errors, 1)
	assert.Equal(t, "holistic", state.Errors[0].NodeName)
	assert.Equal(t, "backend_unavailable", state.Errors[0].ErrorType)
}

func TestLoop4CollapsesDuplicatedHeadings(t *testing.T) {
	fx := newReviewFixture(t)
	fx.llm.agentFn = func(req interfaces.AgentRequest, out interfaces.Validatable) error {
		edit, ok := out.(*models.SectionEdit)
		if !ok {
			return fx.llm.defaultAgent(req, out)
		}
		target := editedSection(req)
		if strings.HasPrefix(target, "## Findings") {
			// Models sometimes restate the heading they were given.
			edit.EditedContent = "## Findings\n\n## Findings\n\n" + genWords(100)
		} else {
			edit.EditedContent = target
		}
		edit.Confidence = 0.9
		return nil
	}
	state := sampleState(twoSectionDoc())

	err := fx.service.runLoop4(context.Background(), arbor.NewLogger(), state)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(state.CurrentReview, "## Findings"))
	assert.NotContains(t, state.CurrentReview, "\n\n\n")
}
