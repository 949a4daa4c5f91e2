// -----------------------------------------------------------------------
// Last Modified: Tuesday, 5th May 2026 3:18:54 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package review

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

// Paragraphs of surrounding context shown to the rewrite model on each side
// of the affected region
const rewriteContextParagraphs = 3

// runLoop3 is the structural pass: analyze the review as a numbered
// paragraph list, rewrite the regions the analysis flags, then verify the
// document still coheres. Iterates until the verifier is satisfied or the
// iteration allowance runs out; one extra pass is allowed so a clean
// analysis can end the loop without a rewrite.
func (s *Service) runLoop3(ctx context.Context, log arbor.ILogger, state *models.ReviewState) error {
	maxIter := s.maxIterations(state.Quality) + 1
	consecutive := 0

	for iteration := 1; iteration <= maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.Progress.RecordIteration(3)

		paragraphs := markdown.SplitParagraphs(state.CurrentReview)
		if len(paragraphs) == 0 {
			log.Warn().Msg("Review has no paragraphs, nothing to restructure")
			return nil
		}

		var analysis models.StructureAnalysis
		err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
			ID:     fmt.Sprintf("structure-analysis-%d", iteration),
			System: structureAnalysisSystem,
			Prompt: buildStructurePrompt(markdown.NumberParagraphs(paragraphs)),
		}, &analysis, interfaces.CompletionOptions{
			Tier:           analysisTier(state.Quality),
			ThinkingBudget: analysisThinkingTokens,
			CachedSystem:   true,
			RunID:          state.RunID,
		})
		if err != nil {
			recordFailure(state, 3, iteration, "structure_analysis", err, true)
			consecutive++
			if consecutive >= consecutiveFailureLimit {
				log.Warn().Int("failures", consecutive).Msg("Structure analysis keeps failing, leaving the document as is")
				return nil
			}
			continue
		}
		consecutive = 0

		if len(analysis.Issues) == 0 && !analysis.NeedsRestructuring {
			log.Info().
				Int("iteration", iteration).
				Str("assessment", firstChars(analysis.OverallAssessment, 160)).
				Msg("Structure analysis found no issues")
			return nil
		}

		log.Info().
			Int("iteration", iteration).
			Int("issues", len(analysis.Issues)).
			Msg("Resolving structural issues")

		paragraphs = s.resolveIssues(ctx, log, state, iteration, paragraphs, analysis.Issues)
		state.CurrentReview = markdown.JoinParagraphs(paragraphs)

		var verification models.ArchitectureVerificationResult
		err = s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
			ID:     fmt.Sprintf("structure-verify-%d", iteration),
			System: structureVerifySystem,
			Prompt: buildVerifyPrompt(markdown.NumberParagraphs(paragraphs), analysis.Issues),
		}, &verification, interfaces.CompletionOptions{
			Tier:         interfaces.TierSonnet,
			CachedSystem: true,
			RunID:        state.RunID,
		})
		if err != nil {
			recordFailure(state, 3, iteration, "structure_verify", err, true)
			continue
		}

		log.Info().
			Int("iteration", iteration).
			Float64("coherence", verification.CoherenceScore).
			Int("resolved", len(verification.IssuesResolved)).
			Int("remaining", len(verification.IssuesRemaining)).
			Int("regressions", len(verification.RegressionsIntroduced)).
			Msg("Structural verification")

		if verification.CoherenceScore >= s.cfg.CoherenceThreshold ||
			(len(verification.IssuesRemaining) == 0 && len(verification.RegressionsIntroduced) == 0) {
			return nil
		}
	}

	log.Warn().Msg("Structural loop ended without a clean verification")
	return nil
}

// resolveIssues rewrites the affected region of each issue, last region
// first so earlier indices stay valid as the paragraph list changes length
func (s *Service) resolveIssues(ctx context.Context, log arbor.ILogger, state *models.ReviewState, iteration int, paragraphs []string, issues []models.StructuralIssue) []string {
	sorted := make([]models.StructuralIssue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MaxAffectedParagraph() > sorted[j].MaxAffectedParagraph()
	})

	for _, issue := range sorted {
		if ctx.Err() != nil {
			return paragraphs
		}
		if issue.SuggestedResolution == models.ResolutionMove {
			// A pure move is two coupled edits; rewriting in place covers
			// the cases that matter without risking duplicated content.
			log.Debug().Str("issue", issue.IssueID).Msg("Skipping move resolution")
			continue
		}

		lo, hi, ok := issueRange(issue, len(paragraphs))
		if !ok {
			log.Warn().
				Str("issue", issue.IssueID).
				Str("paragraphs", fmt.Sprintf("%v", issue.AffectedParagraphs)).
				Msg("Issue references paragraphs outside the document, skipped")
			continue
		}

		before := paragraphs[maxInt(0, lo-rewriteContextParagraphs):lo]
		after := paragraphs[hi+1 : minInt(len(paragraphs), hi+1+rewriteContextParagraphs)]

		var rewrite models.SectionRewrite
		err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
			ID:     fmt.Sprintf("structure-rewrite-%s", issue.IssueID),
			System: structureRewriteSystem,
			Prompt: buildRewritePrompt(issue, paragraphs[lo:hi+1], before, after),
		}, &rewrite, interfaces.CompletionOptions{
			Tier:         interfaces.TierSonnet,
			CachedSystem: true,
			RunID:        state.RunID,
		})
		if err != nil {
			recordFailure(state, 3, iteration, "structure_rewrite", err, true)
			continue
		}

		replacement := markdown.SplitParagraphs(rewrite.RewrittenText)
		if len(replacement) == 0 {
			log.Warn().Str("issue", issue.IssueID).Msg("Rewrite came back empty, region kept")
			continue
		}

		paragraphs = spliceParagraphs(paragraphs, lo, hi, replacement)
		log.Debug().
			Str("issue", issue.IssueID).
			Str("type", string(issue.Type)).
			Int("region_paragraphs", hi-lo+1).
			Int("replacement_paragraphs", len(replacement)).
			Msg("Structural issue rewritten")
	}
	return paragraphs
}

// issueRange converts the 1-based affected paragraph list into 0-based
// slice bounds, rejecting references outside the document
func issueRange(issue models.StructuralIssue, total int) (int, int, bool) {
	if len(issue.AffectedParagraphs) == 0 {
		return 0, 0, false
	}
	lo, hi := issue.AffectedParagraphs[0], issue.AffectedParagraphs[0]
	for _, p := range issue.AffectedParagraphs[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if lo < 1 || hi > total {
		return 0, 0, false
	}
	return lo - 1, hi - 1, true
}

func spliceParagraphs(paragraphs []string, lo, hi int, replacement []string) []string {
	out := make([]string, 0, len(paragraphs)-(hi-lo+1)+len(replacement))
	out = append(out, paragraphs[:lo]...)
	out = append(out, replacement...)
	out = append(out, paragraphs[hi+1:]...)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
