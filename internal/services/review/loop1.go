package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// researchAnswer is the researcher agent's submission schema
type researchAnswer struct {
	Answer  string   `json:"answer" validate:"required"`
	Sources []string `json:"sources,omitempty"`
}

func (r *researchAnswer) Validate() error {
	return validator.New().Struct(r)
}

// runLoop1 deepens the review's theoretical framing. A supervisor decides
// each iteration between gathering research, folding findings into the
// draft, checking one claim, or declaring the framing complete.
func (s *Service) runLoop1(ctx context.Context, log arbor.ILogger, state *models.ReviewState) error {
	maxIter := s.maxIterations(state.Quality)
	var findings []models.ResearchFinding
	var gaps []string
	questionsAsked := 0
	consecutive := 0

	for iteration := 1; iteration <= maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.Progress.RecordIteration(1)
		iterationFailed := false

		completeness := researchCompleteness(len(findings), questionsAsked, len(gaps), iteration, maxIter)
		decision := models.SupervisorDecision{}
		err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
			ID:     fmt.Sprintf("depth-supervisor-%d", iteration),
			System: supervisorSystem,
			Prompt: buildSupervisorPrompt(state, findings, gaps, iteration, maxIter, completeness),
		}, &decision, interfaces.CompletionOptions{
			Tier:           interfaces.TierOpus,
			ThinkingBudget: analysisThinkingTokens,
			CachedSystem:   true,
			RunID:          state.RunID,
		})
		if err != nil {
			recordFailure(state, 1, iteration, "supervisor", err, true)
			consecutive++
			if consecutive >= consecutiveFailureLimit {
				log.Warn().Int("iteration", iteration).Msg("Depth loop finalizing early after repeated supervisor failures")
				return nil
			}
			continue
		}

		log.Info().
			Int("iteration", iteration).
			Str("action", string(decision.Action)).
			Float64("completeness", completeness).
			Msg("Depth supervisor decided")

		switch decision.Action {
		case models.SupervisorResearchComplete:
			return nil

		case models.SupervisorConductResearch:
			answered := s.conductResearch(ctx, log, state, decision.Questions, &findings)
			questionsAsked += len(decision.Questions)
			if answered == 0 && len(decision.Questions) > 0 {
				recordFailure(state, 1, iteration, "researcher",
					fmt.Errorf("no research question could be answered"), true)
				iterationFailed = true
			}

		case models.SupervisorRefineDraft:
			if err := s.refineDraft(ctx, state, decision, findings); err != nil {
				recordFailure(state, 1, iteration, "refine_draft", err, true)
				iterationFailed = true
			} else {
				gaps = decision.Gaps
			}

		case models.SupervisorCheckFact:
			s.checkFact(ctx, log, state, decision.Claim, &findings)
		}

		if iterationFailed {
			consecutive++
			if consecutive >= consecutiveFailureLimit {
				log.Warn().Int("iteration", iteration).Msg("Depth loop finalizing early after repeated failures")
				return nil
			}
		} else {
			consecutive = 0
		}
	}
	log.Info().Int("iterations", maxIter).Msg("Depth loop exhausted its iteration budget")
	return nil
}

// conductResearch answers the supervisor's questions against the paper
// corpus, one tool agent per question. Individual failures are logged and
// skipped; the return value is how many questions produced findings.
func (s *Service) conductResearch(ctx context.Context, log arbor.ILogger, state *models.ReviewState, questions []string, findings *[]models.ResearchFinding) int {
	answered := 0
	for _, question := range questions {
		if ctx.Err() != nil {
			return answered
		}
		answer := researchAnswer{}
		err := s.llm.RunToolAgent(ctx, interfaces.AgentRequest{
			System:   researcherSystem,
			Messages: []interfaces.Message{{Role: "user", Content: buildResearchPrompt(question, state)}},
			Tools:    s.paperTools(),
			Budget:   agentBudget(),
			Options: interfaces.CompletionOptions{
				Tier:         interfaces.TierSonnet,
				CachedSystem: true,
				RunID:        state.RunID,
			},
		}, &answer)
		if err != nil {
			log.Warn().Err(err).Str("question", firstChars(question, 120)).Msg("Research question failed")
			continue
		}
		*findings = append(*findings, models.ResearchFinding{
			Question: question,
			Answer:   answer.Answer,
			Sources:  answer.Sources,
		})
		answered++
	}
	return answered
}

// refineDraft folds the gathered findings into the review text. The model
// returns the complete revised document; an implausibly short response is
// rejected so a refusal or a fragment cannot replace the draft.
func (s *Service) refineDraft(ctx context.Context, state *models.ReviewState, decision models.SupervisorDecision, findings []models.ResearchFinding) error {
	res, err := s.llm.Complete(ctx, interfaces.CompletionRequest{
		System:   refineSystem,
		Messages: []interfaces.Message{{Role: "user", Content: buildRefinePrompt(state.CurrentReview, decision, findings)}},
		Options: interfaces.CompletionOptions{
			Tier:         interfaces.TierOpus,
			CachedSystem: true,
			RunID:        state.RunID,
		},
	})
	if err != nil {
		return err
	}
	revised := strings.TrimSpace(res.Content)
	if len(revised) < len(state.CurrentReview)/3 {
		return fmt.Errorf("refined draft is implausibly short (%d chars for a %d char review)", len(revised), len(state.CurrentReview))
	}
	state.CurrentReview = revised
	return nil
}

// checkFact verifies one claim against the live web and records the verdict
// as a finding. Without a search provider the check is skipped.
func (s *Service) checkFact(ctx context.Context, log arbor.ILogger, state *models.ReviewState, claim string, findings *[]models.ResearchFinding) {
	if s.websearch == nil {
		log.Debug().Msg("No web search provider configured, skipping fact check")
		return
	}
	results, err := s.websearch.Search(ctx, claim, 5, nil)
	if err != nil {
		log.Warn().Err(err).Str("claim", firstChars(claim, 120)).Msg("Fact check search failed")
		return
	}

	var evidence strings.Builder
	var sources []string
	for _, r := range results {
		fmt.Fprintf(&evidence, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
		sources = append(sources, r.URL)
	}

	res, err := s.llm.Complete(ctx, interfaces.CompletionRequest{
		System:   factVerdictSystem,
		Messages: []interfaces.Message{{Role: "user", Content: buildFactVerdictPrompt(claim, evidence.String())}},
		Options: interfaces.CompletionOptions{
			Tier:  interfaces.TierHaiku,
			RunID: state.RunID,
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Fact check verdict failed")
		return
	}
	*findings = append(*findings, models.ResearchFinding{
		Question: "Fact check: " + claim,
		Answer:   res.Content,
		Sources:  sources,
	})
}

// researchCompleteness blends finding coverage, iteration progress, and open
// gaps into the single signal the supervisor prompt reports
func researchCompleteness(findings, questionsAsked, gaps, iteration, maxIterations int) float64 {
	coverage := 0.0
	if questionsAsked > 0 {
		coverage = float64(findings) / float64(questionsAsked)
		if coverage > 1 {
			coverage = 1
		}
	}
	progress := 0.0
	if maxIterations > 1 {
		progress = float64(iteration-1) / float64(maxIterations-1)
	}
	gapPenalty := float64(gaps) / 4
	if gapPenalty > 1 {
		gapPenalty = 1
	}
	return 0.5*coverage + 0.3*progress + 0.2*(1-gapPenalty)
}
