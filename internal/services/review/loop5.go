package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
	"github.com/thala-research/thala/internal/services/citations"
)

// sonnetEditThreshold routes big sections to the mid tier; small ones are
// cheap enough for haiku
const sonnetEditThreshold = 1500

// checkPass is one verification sweep over a section
type checkPass struct {
	name   string
	system string
	prompt string
}

// runLoop5 is the final verification: a fact-check and a reference-check
// sweep over every section, then the closure steps that leave the document
// publishable. Closure always runs, even when the sweeps are cut short.
func (s *Service) runLoop5(ctx context.Context, log arbor.ILogger, state *models.ReviewState) error {
	state.Progress.RecordIteration(5)

	err := s.checkSections(ctx, log, state)
	if err == nil {
		s.fixInvalidCitations(ctx, log, state)
		s.auditTodos(ctx, log, state)
	}
	s.finalizeReview(log, state)
	return err
}

func (s *Service) checkSections(ctx context.Context, log arbor.ILogger, state *models.ReviewState) error {
	sections := markdown.SplitSections(state.CurrentReview, sectionTokenLimit, s.llm.EstimateTokens)
	consecutive := 0

sectionLoop:
	for _, section := range sections {
		if err := ctx.Err(); err != nil {
			return err
		}

		passes := []checkPass{{
			name:   "fact_check",
			system: factCheckPassSystem,
			prompt: buildFactCheckPrompt(section),
		}}
		if keys := models.ExtractCitationKeys(section.Content); len(keys) > 0 {
			passes = append(passes, checkPass{
				name:   "reference_check",
				system: referencePassSystem,
				prompt: buildReferencePrompt(section, keys),
			})
		}

		tier := s.editTier(section.Content)
		for _, pass := range passes {
			edits := models.DocumentEdits{}
			err := s.llm.RunToolAgent(ctx, interfaces.AgentRequest{
				System:   pass.system,
				Messages: []interfaces.Message{{Role: "user", Content: pass.prompt}},
				Tools:    s.agentTools(),
				Budget:   agentBudget(),
				Options: interfaces.CompletionOptions{
					Tier:         tier,
					CachedSystem: true,
					RunID:        state.RunID,
				},
			}, &edits)
			if err != nil {
				recordFailure(state, 5, 1, pass.name, err, true)
				consecutive++
				if consecutive >= consecutiveFailureLimit {
					log.Warn().Int("failures", consecutive).Msg("Checking agents keep failing, moving to closure")
					break sectionLoop
				}
				continue
			}
			consecutive = 0
			s.applyDocumentEdits(log, state, section.ID, pass.name, edits)
		}
	}
	return nil
}

// editTier picks the model for a checking agent by how much text it carries
func (s *Service) editTier(content string) interfaces.Tier {
	if s.llm.EstimateTokens(content) >= sonnetEditThreshold {
		return interfaces.TierSonnet
	}
	return interfaces.TierHaiku
}

// applyDocumentEdits applies a pass's find/replace edits against the running
// document. Edits whose find string no longer occurs exactly once are
// rejected, not guessed at.
func (s *Service) applyDocumentEdits(log arbor.ILogger, state *models.ReviewState, sectionID, pass string, edits models.DocumentEdits) {
	if len(edits.Edits) == 0 && len(edits.AmbiguousClaims) == 0 {
		return
	}
	doc, report := citations.ApplyEdits(state.CurrentReview, edits.Edits)
	state.CurrentReview = doc

	for _, invalid := range report.Invalid {
		log.Debug().
			Str("pass", pass).
			Str("section", sectionID).
			Str("find", firstChars(invalid.Edit.Find, 80)).
			Str("reason", invalid.Reason).
			Msg("Edit rejected")
	}
	for _, claim := range edits.AmbiguousClaims {
		log.Warn().
			Str("section", sectionID).
			Str("claim", firstChars(claim, 160)).
			Msg("Claim could not be verified either way")
	}
	log.Info().
		Str("pass", pass).
		Str("section", sectionID).
		Int("applied", report.Applied).
		Int("rejected", len(report.Invalid)).
		Msg("Check pass applied")
}

// fixInvalidCitations verifies every key the document still carries and
// repairs the failures one at a time. Keys that survive repair are stripped
// to markers so the audit sees them.
func (s *Service) fixInvalidCitations(ctx context.Context, log arbor.ILogger, state *models.ReviewState) {
	if ctx.Err() != nil {
		return
	}
	keys := models.ExtractCitationKeys(state.CurrentReview)
	if len(keys) == 0 {
		return
	}
	outcome, err := s.verifier.VerifyKeys(ctx, keys, corpusKeySet(state), state.Quality.VerifyBib, state.Quality.VerifyAll)
	if err != nil {
		recordFailure(state, 5, 1, "citation_verify", err, true)
		log.Warn().Err(err).Msg("Final citation verification unavailable, keys left as written")
		return
	}
	if len(outcome.Invalid) == 0 {
		return
	}
	log.Info().Int("invalid", len(outcome.Invalid)).Msg("Repairing invalid citation keys")

	for _, key := range outcome.Invalid {
		if ctx.Err() != nil {
			break
		}
		s.repairCitation(ctx, log, state, key)
	}

	remaining := lo.Filter(outcome.Invalid, func(key string, _ int) bool {
		return strings.Contains(state.CurrentReview, "[@"+key+"]")
	})
	if len(remaining) > 0 {
		stripped, n := citations.StripInvalid(state.CurrentReview, remaining)
		state.CurrentReview = stripped
		log.Warn().Int("stripped", n).Msg("Unrepairable citations stripped to markers")
	}
}

// repairCitation asks a corpus-bound agent what to do about one invalid key
// and applies the verdict. Anything unusable is left in place for the strip
// sweep behind it.
func (s *Service) repairCitation(ctx context.Context, log arbor.ILogger, state *models.ReviewState, key string) {
	needle := "[@" + key + "]"
	passage := containingParagraph(state.CurrentReview, needle)

	fix := models.CitationFix{}
	err := s.llm.RunToolAgent(ctx, interfaces.AgentRequest{
		System:   citationFixSystem,
		Messages: []interfaces.Message{{Role: "user", Content: buildCitationFixPrompt(key, passage)}},
		Tools:    s.paperTools(),
		Budget:   agentBudget(),
		Options: interfaces.CompletionOptions{
			Tier:         interfaces.TierSonnet,
			CachedSystem: true,
			RunID:        state.RunID,
		},
	}, &fix)
	if err != nil {
		recordFailure(state, 5, 1, "citation_fix", err, true)
		return
	}

	switch fix.Action {
	case models.CitationSubstitute:
		sub := strings.TrimSpace(fix.SubstituteKey)
		if sub == "" || !s.keyVerifies(ctx, state, sub) {
			log.Warn().Str("bib_key", key).Str("substitute", sub).Msg("Substitute key did not verify, citation left for the strip sweep")
			return
		}
		state.CurrentReview = strings.ReplaceAll(state.CurrentReview, needle, "[@"+sub+"]")
		log.Debug().Str("bib_key", key).Str("substitute", sub).Msg("Citation substituted")

	case models.CitationRemove:
		// Take the leading space with the citation so no double space is
		// left mid-sentence
		doc := strings.ReplaceAll(state.CurrentReview, " "+needle, "")
		state.CurrentReview = strings.ReplaceAll(doc, needle, "")
		log.Debug().Str("bib_key", key).Msg("Citation removed")

	case models.CitationRewrite:
		text := strings.TrimSpace(fix.RewrittenText)
		if text == "" || strings.Contains(text, needle) || passage == "" {
			log.Warn().Str("bib_key", key).Msg("Rewrite unusable, citation left for the strip sweep")
			return
		}
		state.CurrentReview = strings.Replace(state.CurrentReview, passage, text, 1)
		log.Debug().Str("bib_key", key).Msg("Claim rewritten without the citation")
	}
}

func (s *Service) keyVerifies(ctx context.Context, state *models.ReviewState, key string) bool {
	outcome, err := s.verifier.VerifyKeys(ctx, []string{key}, corpusKeySet(state), state.Quality.VerifyBib, state.Quality.VerifyAll)
	return err == nil && len(outcome.Invalid) == 0
}

// auditTodos judges every surviving TODO marker in one batched call: genuine
// gap notes are discarded, the rest become human-review items in the result
func (s *Service) auditTodos(ctx context.Context, log arbor.ILogger, state *models.ReviewState) {
	if ctx.Err() != nil {
		return
	}
	markers := models.ExtractTodoMarkers(state.CurrentReview)
	if len(markers) == 0 {
		return
	}

	audit := models.TodoAudit{}
	err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "todo-audit",
		System: todoAuditSystem,
		Prompt: buildTodoAuditPrompt(markers),
	}, &audit, interfaces.CompletionOptions{
		Tier:         interfaces.TierOpus,
		CachedSystem: true,
		RunID:        state.RunID,
	})
	if err != nil {
		recordFailure(state, 5, 1, "todo_audit", err, true)
		log.Warn().Err(err).Int("markers", len(markers)).Msg("TODO audit failed, markers go to the finalize sweep")
		return
	}

	for _, verdict := range audit.Verdicts {
		switch {
		case !strings.Contains(state.CurrentReview, verdict.Marker):
			log.Warn().Str("marker", firstChars(verdict.Marker, 120)).Msg("Audit verdict references an unknown marker")
		case verdict.Discard:
			state.CurrentReview = strings.Replace(state.CurrentReview, verdict.Marker, "", 1)
			log.Debug().Str("marker", firstChars(verdict.Marker, 120)).Msg("TODO discarded by audit")
		case verdict.HumanReview:
			state.Errors = append(state.Errors, models.LoopFailure{
				LoopNumber:   5,
				Iteration:    1,
				NodeName:     "todo_audit",
				ErrorType:    "human_review",
				ErrorMessage: fmt.Sprintf("%s: %s", firstChars(verdict.Marker, 120), verdict.Reasoning),
				Recoverable:  true,
			})
			log.Info().Str("marker", firstChars(verdict.Marker, 120)).Msg("TODO flagged for human review")
		}
	}
	state.CurrentReview = collapseBlankRuns(state.CurrentReview)
}

// finalizeReview is the last sweep before the result is built: no TODO
// marker and no adjacent duplicate citation survives into the final document
func (s *Service) finalizeReview(log arbor.ILogger, state *models.ReviewState) {
	for _, marker := range models.ExtractTodoMarkers(state.CurrentReview) {
		log.Warn().Str("marker", firstChars(marker, 120)).Msg("Stripping unresolved TODO marker at finalize")
	}
	state.CurrentReview = models.StripTodoMarkers(state.CurrentReview)

	doc, collapsed := citations.CollapseAdjacentKeys(state.CurrentReview)
	if collapsed > 0 {
		log.Debug().Int("collapsed", collapsed).Msg("Adjacent duplicate citations collapsed")
	}
	state.CurrentReview = doc
}

// containingParagraph returns the first paragraph holding needle
func containingParagraph(doc, needle string) string {
	for _, p := range markdown.SplitParagraphs(doc) {
		if strings.Contains(p, needle) {
			return p
		}
	}
	return ""
}
