// -----------------------------------------------------------------------
// Last Modified: Thursday, 7th May 2026 9:21:10 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
	"github.com/thala-research/thala/internal/services/citations"
)

const (
	// Confidence multipliers applied when an edit needed repair before it
	// could be accepted
	citationStripPenalty     = 0.9
	extendedTolerancePenalty = 0.85

	// todoContextChars is how much surrounding text the TODO resolver sees
	todoContextChars = 600
)

// sectionOutcome is what one editing goroutine hands back. Failures are
// collected here and appended to the state serially after Wait so the
// goroutines never write shared state.
type sectionOutcome struct {
	result   *models.SectionEditResult
	failures []models.LoopFailure
}

// runLoop4 edits every section of the review concurrently, resolves the TODO
// markers the editors left behind, and asks a whole-document check which
// sections need another pass. Iterates over the flagged subset until the
// check approves everything or the iteration allowance runs out.
func (s *Service) runLoop4(ctx context.Context, log arbor.ILogger, state *models.ReviewState) error {
	maxIter := s.maxIterations(state.Quality)

	// nil means every section gets an editing pass; later iterations narrow
	// to the sections the holistic check flagged, keyed by id with the
	// reason the check gave
	var flagged map[string]string

	for iteration := 1; iteration <= maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.Progress.RecordIteration(4)

		sections := markdown.SplitSections(state.CurrentReview, sectionTokenLimit, s.llm.EstimateTokens)
		if len(sections) == 0 {
			log.Warn().Msg("Review split into no sections, nothing to edit")
			return nil
		}

		outcomes := make([]*sectionOutcome, len(sections))
		var group errgroup.Group
		group.SetLimit(s.cfg.SectionConcurrency)
		for i := range sections {
			reason := ""
			if flagged != nil {
				var selected bool
				if reason, selected = flagged[sections[i].ID]; !selected {
					continue
				}
			}
			group.Go(func() error {
				outcomes[i] = s.editSection(ctx, log, state, iteration, sections, i, reason)
				return nil
			})
		}
		// Goroutines report through the outcomes slice, never through errors
		_ = group.Wait()

		accepted, reverted := 0, 0
		for i, outcome := range outcomes {
			if outcome == nil {
				continue
			}
			state.Errors = append(state.Errors, outcome.failures...)
			res := outcome.result
			if res == nil {
				continue
			}
			if res.Accepted {
				sections[i].Content = res.Content
				accepted++
			} else if res.Reverted {
				reverted++
			}
		}
		log.Info().
			Int("iteration", iteration).
			Int("sections", len(sections)).
			Int("accepted", accepted).
			Int("reverted", reverted).
			Msg("Section editing pass complete")

		doc := markdown.ReassembleSections(sections)
		doc = s.resolveTodos(ctx, log, state, iteration, doc)
		doc, deduped := markdown.DedupeAdjacentHeadings(doc)
		if deduped > 0 {
			log.Debug().Int("removed", deduped).Msg("Collapsed duplicated headings after reassembly")
		}
		state.CurrentReview = doc

		ids := lo.Map(sections, func(sec models.Section, _ int) string { return sec.ID })
		flaggedIDs, reasons := s.holisticReview(ctx, log, state, iteration, ids)
		if len(flaggedIDs) == 0 {
			log.Info().Int("iteration", iteration).Msg("Holistic check approved every section")
			return nil
		}

		flagged = make(map[string]string, len(flaggedIDs))
		for _, id := range flaggedIDs {
			flagged[id] = reasons[id]
		}
		log.Info().
			Int("iteration", iteration).
			Int("flagged", len(flaggedIDs)).
			Msg("Holistic check wants another pass over flagged sections")
	}

	log.Warn().Msg("Section editing ended with sections still flagged")
	return nil
}

// editSection runs the tool-using editor over one section and enforces the
// citation and word-count policies on what comes back. Runs inside the
// errgroup; everything it learns goes into the returned outcome.
func (s *Service) editSection(ctx context.Context, log arbor.ILogger, state *models.ReviewState, iteration int, sections []models.Section, index int, flagReason string) *sectionOutcome {
	out := &sectionOutcome{}
	if ctx.Err() != nil {
		return out
	}
	section := sections[index]

	normal, extended, constrained := s.sectionBounds(section.Type, section.WordCount())
	instruction := wordPolicyInstruction(section.Type, normal, constrained)
	if flagReason != "" {
		instruction += " A whole-document check flagged this section: " + flagReason
	}
	window := markdown.SectionWindow(sections, index, 1)
	summaries := citedSummaries(state.PaperSummaries, section.Content, citedSummaryCharLimit)

	edit, err := s.sectionEditAgent(ctx, state, section, window, summaries, instruction, "")
	if err != nil {
		out.failures = append(out.failures, newFailure(4, iteration, "section_edit", err, true))
		return out
	}

	content, notes, confidence := s.applyCitationPolicy(ctx, state, iteration, edit, out)
	words := editedWordCount(content)
	if !constrained || normal.contains(words) {
		out.result = acceptedEdit(section.ID, content, confidence, notes)
		return out
	}

	// One retry with explicit feedback, then the widened bounds, then revert
	feedback := fmt.Sprintf("the edit was %d words, outside the required %s", words, normal)
	retry, retryErr := s.sectionEditAgent(ctx, state, section, window, summaries, instruction, feedback)
	if retryErr != nil {
		out.failures = append(out.failures, newFailure(4, iteration, "section_edit_retry", retryErr, true))
	} else {
		retryContent, retryNotes, retryConfidence := s.applyCitationPolicy(ctx, state, iteration, retry, out)
		retryWords := editedWordCount(retryContent)
		if normal.contains(retryWords) {
			out.result = acceptedEdit(section.ID, retryContent, retryConfidence, retryNotes)
			return out
		}
		if extended.contains(retryWords) {
			retryNotes = append(retryNotes, fmt.Sprintf("Accepted at extended tolerance: %d words, target %s", retryWords, normal))
			out.result = acceptedEdit(section.ID, retryContent, retryConfidence*extendedTolerancePenalty, retryNotes)
			return out
		}
	}

	if extended.contains(words) {
		notes = append(notes, fmt.Sprintf("Accepted at extended tolerance: %d words, target %s", words, normal))
		out.result = acceptedEdit(section.ID, content, confidence*extendedTolerancePenalty, notes)
		return out
	}

	log.Warn().
		Str("section", section.ID).
		Int("words", words).
		Str("target", normal.String()).
		Msg("Section edit reverted, size stayed out of tolerance")
	out.result = &models.SectionEditResult{
		SectionID: section.ID,
		Content:   section.Content,
		Reverted:  true,
		Notes:     []string{"Edit discarded, word count out of tolerance after retry"},
	}
	return out
}

func (s *Service) sectionEditAgent(ctx context.Context, state *models.ReviewState, section models.Section, window []models.Section, summaries []citedSummary, instruction, retryFeedback string) (*models.SectionEdit, error) {
	edit := models.SectionEdit{}
	err := s.llm.RunToolAgent(ctx, interfaces.AgentRequest{
		System:   sectionEditorSystem,
		Messages: []interfaces.Message{{Role: "user", Content: buildSectionEditPrompt(section, window, summaries, instruction, retryFeedback)}},
		Tools:    s.agentTools(),
		Budget:   agentBudget(),
		Options: interfaces.CompletionOptions{
			Tier:         interfaces.TierSonnet,
			CachedSystem: true,
			RunID:        state.RunID,
		},
	}, &edit)
	if err != nil {
		return nil, err
	}
	return &edit, nil
}

// applyCitationPolicy verifies every citation the edit carries and strips
// the ones that fail, discounting the editor's confidence. A verification
// outage keeps the content as-is; the failure is recorded and the edit is
// judged on words alone.
func (s *Service) applyCitationPolicy(ctx context.Context, state *models.ReviewState, iteration int, edit *models.SectionEdit, out *sectionOutcome) (string, []string, float64) {
	content := edit.EditedContent
	confidence := edit.Confidence
	var notes []string

	keys := models.ExtractCitationKeys(content)
	if len(keys) == 0 {
		return content, notes, confidence
	}
	outcome, err := s.verifier.VerifyKeys(ctx, keys, corpusKeySet(state), state.Quality.VerifyBib, state.Quality.VerifyAll)
	if err != nil {
		out.failures = append(out.failures, newFailure(4, iteration, "citation_verify", err, true))
		return content, notes, confidence
	}
	if len(outcome.Invalid) > 0 {
		stripped, n := citations.StripInvalid(content, outcome.Invalid)
		content = stripped
		confidence *= citationStripPenalty
		notes = append(notes, fmt.Sprintf("Stripped %d unverified citations", n))
	}
	return content, notes, confidence
}

func acceptedEdit(sectionID, content string, confidence float64, notes []string) *models.SectionEditResult {
	return &models.SectionEditResult{
		SectionID:  sectionID,
		Content:    content,
		Accepted:   true,
		Confidence: confidence,
		Notes:      notes,
	}
}

// citedSummaries collects, in citation order, the stored paper summaries the
// section cites, within the character allowance. A leftover allowance too
// small for a useful fragment ends the collection.
func citedSummaries(summaries map[string]string, sectionContent string, charLimit int) []citedSummary {
	keys := models.ExtractCitationKeys(sectionContent)
	out := make([]citedSummary, 0, len(keys))
	used := 0
	for _, key := range keys {
		text, ok := summaries[key]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		remaining := charLimit - used
		if remaining < 200 {
			break
		}
		text = firstChars(text, remaining)
		out = append(out, citedSummary{key: key, text: text})
		used += len(text)
	}
	return out
}

// resolveTodos walks the TODO markers editors left in the document and asks
// an agent to resolve each against the corpus. Markers that cannot be
// resolved are deleted; a half-finished document must not ship placeholders.
func (s *Service) resolveTodos(ctx context.Context, log arbor.ILogger, state *models.ReviewState, iteration int, doc string) string {
	markers := models.ExtractTodoMarkers(doc)
	for _, marker := range markers {
		if ctx.Err() != nil {
			return doc
		}
		resolution := models.TodoResolution{}
		err := s.llm.RunToolAgent(ctx, interfaces.AgentRequest{
			System:   todoResolverSystem,
			Messages: []interfaces.Message{{Role: "user", Content: buildTodoPrompt(marker, surroundingText(doc, marker, todoContextChars))}},
			Tools:    s.agentTools(),
			Budget:   agentBudget(),
			Options: interfaces.CompletionOptions{
				Tier:         interfaces.TierSonnet,
				CachedSystem: true,
				RunID:        state.RunID,
			},
		}, &resolution)

		replacement := ""
		if err != nil {
			recordFailure(state, 4, iteration, "todo_resolve", err, true)
		} else if resolution.Resolved && strings.TrimSpace(resolution.Replacement) != "" {
			replacement = resolution.Replacement
		}
		if replacement == "" {
			log.Warn().Str("marker", firstChars(marker, 120)).Msg("Unresolved TODO deleted")
		}
		doc = strings.Replace(doc, marker, replacement, 1)
	}
	if len(markers) > 0 {
		doc = collapseBlankRuns(doc)
	}
	return doc
}

// holisticReview asks for a whole-document verdict, degrading through three
// prompt shapes before giving up. The last resort is a bare coherence score:
// below the threshold every section is flagged, otherwise the pass stands.
func (s *Service) holisticReview(ctx context.Context, log arbor.ILogger, state *models.ReviewState, iteration int, sectionIDs []string) ([]string, map[string]string) {
	opts := interfaces.CompletionOptions{
		Tier:         interfaces.TierOpus,
		CachedSystem: true,
		RunID:        state.RunID,
	}

	review := models.HolisticReview{}
	err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "holistic",
		System: holisticSystem,
		Prompt: buildHolisticPrompt(state.CurrentReview, sectionIDs),
	}, &review, opts)
	if err == nil {
		return filterFlagged(log, review, sectionIDs), review.FlaggedReasons
	}
	log.Warn().Err(err).Msg("Holistic review failed, retrying with a simpler prompt")

	err = s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "holistic-retry",
		System: holisticSystem,
		Prompt: buildHolisticSimplePrompt(state.CurrentReview, sectionIDs),
	}, &review, opts)
	if err == nil {
		return filterFlagged(log, review, sectionIDs), review.FlaggedReasons
	}
	log.Warn().Err(err).Msg("Holistic retry failed, falling back to a bare coherence score")

	score := coherenceScore{}
	err = s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "holistic-score",
		System: holisticSystem,
		Prompt: buildScoreOnlyPrompt(state.CurrentReview),
	}, &score, opts)
	if err != nil {
		recordFailure(state, 4, iteration, "holistic", err, true)
		log.Warn().Err(err).Msg("Every holistic fallback failed, letting the pass stand")
		return nil, nil
	}
	if score.OverallCoherenceScore < s.cfg.HolisticThreshold {
		log.Info().
			Float64("score", score.OverallCoherenceScore).
			Float64("threshold", s.cfg.HolisticThreshold).
			Msg("Bare coherence score below threshold, flagging every section")
		return sectionIDs, nil
	}
	return nil, nil
}

// filterFlagged drops flagged ids the document does not actually contain
func filterFlagged(log arbor.ILogger, review models.HolisticReview, sectionIDs []string) []string {
	flagged := lo.Filter(review.SectionsFlagged, func(id string, _ int) bool {
		return lo.Contains(sectionIDs, id)
	})
	if dropped := len(review.SectionsFlagged) - len(flagged); dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("Holistic check flagged unknown section ids")
	}
	log.Info().
		Int("approved", len(review.SectionsApproved)).
		Int("flagged", len(flagged)).
		Float64("coherence", review.OverallCoherenceScore).
		Msg("Holistic review complete")
	return flagged
}

// coherenceScore is the reduced schema of the last holistic fallback
type coherenceScore struct {
	OverallCoherenceScore float64 `json:"overall_coherence_score" validate:"gte=0,lte=1"`
}

// Validate validates the schema using go-playground/validator
func (c *coherenceScore) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// surroundingText returns the text around the first occurrence of needle
func surroundingText(doc, needle string, radius int) string {
	idx := strings.Index(doc, needle)
	if idx < 0 {
		return firstChars(doc, 2*radius)
	}
	start := maxInt(0, idx-radius)
	end := minInt(len(doc), idx+len(needle)+radius)
	return doc[start:end]
}

func collapseBlankRuns(text string) string {
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}
