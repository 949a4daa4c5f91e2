package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// MiniReviewRunner produces a short literature review for one base. The
// default wiring grounds it on the ingested corpus; a deployment with a full
// generation workflow can substitute its own.
type MiniReviewRunner interface {
	RunMiniReview(ctx context.Context, runID string, base models.LiteratureBase) (*models.MiniReviewResult, error)
}

// runLoop2 expands the review's literature base. An analyzer names a missing
// body of work, a mini-review is built for it, and an integration call
// splices the result into the main text.
func (s *Service) runLoop2(ctx context.Context, log arbor.ILogger, state *models.ReviewState) error {
	if s.mini == nil {
		log.Debug().Msg("No mini-review runner configured, skipping literature expansion")
		return nil
	}

	maxIter := s.maxIterations(state.Quality)
	consecutive := 0

	for iteration := 1; iteration <= maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.Progress.RecordIteration(2)

		decision := models.LiteratureBaseDecision{}
		err := s.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
			ID:     fmt.Sprintf("literature-analyzer-%d", iteration),
			System: literatureAnalyzerSystem,
			Prompt: buildAnalyzerPrompt(state, iteration, maxIter),
		}, &decision, interfaces.CompletionOptions{
			Tier:         interfaces.TierOpus,
			CachedSystem: true,
			RunID:        state.RunID,
		})
		if err != nil {
			recordFailure(state, 2, iteration, "analyzer", err, true)
			consecutive++
			if consecutive >= consecutiveFailureLimit {
				log.Warn().Int("iteration", iteration).Msg("Literature loop finalizing early after repeated analyzer failures")
				return nil
			}
			continue
		}

		switch decision.Action {
		case models.LiteratureComplete:
			log.Info().Int("iteration", iteration).Int("bases", len(state.ExploredBases)).Msg("Literature base complete")
			return nil

		case models.LiteratureError:
			recordFailure(state, 2, iteration, "analyzer", fmt.Errorf("analyzer reported: %s", decision.Reasoning), true)
			consecutive++
			if consecutive >= consecutiveFailureLimit {
				log.Warn().Int("iteration", iteration).Msg("Literature loop finalizing early after repeated analyzer errors")
				return nil
			}
			continue

		case models.LiteratureExpand:
			if err := s.expandBase(ctx, log, state, *decision.Base); err != nil {
				recordFailure(state, 2, iteration, "expand_base", err, true)
				consecutive++
				if consecutive >= consecutiveFailureLimit {
					log.Warn().Int("iteration", iteration).Msg("Literature loop finalizing early after repeated expansion failures")
					return nil
				}
				continue
			}
			consecutive = 0
		}
	}
	log.Info().Int("iterations", maxIter).Msg("Literature loop exhausted its iteration budget")
	return nil
}

// expandBase runs the mini-review for one base and integrates it. New bib
// keys surfaced by the mini-review join the corpus so later loops treat them
// as known citations.
func (s *Service) expandBase(ctx context.Context, log arbor.ILogger, state *models.ReviewState, base models.LiteratureBase) error {
	log.Info().
		Str("base", base.Name).
		Int("queries", len(base.SearchQueries)).
		Msg("Expanding literature base")

	mini, err := s.mini.RunMiniReview(ctx, state.RunID, base)
	if err != nil {
		return fmt.Errorf("mini-review for %q: %w", base.Name, err)
	}
	if strings.TrimSpace(mini.Text) == "" {
		return fmt.Errorf("mini-review for %q came back empty", base.Name)
	}

	res, err := s.llm.Complete(ctx, interfaces.CompletionRequest{
		System:   integrateSystem,
		Messages: []interfaces.Message{{Role: "user", Content: buildIntegratePrompt(state.CurrentReview, base, mini.Text)}},
		Options: interfaces.CompletionOptions{
			Tier:         interfaces.TierOpus,
			CachedSystem: true,
			RunID:        state.RunID,
		},
	})
	if err != nil {
		return fmt.Errorf("integrate %q: %w", base.Name, err)
	}
	integrated := strings.TrimSpace(res.Content)
	if len(integrated) < len(state.CurrentReview)/2 {
		return fmt.Errorf("integration of %q lost most of the review (%d chars from %d)", base.Name, len(integrated), len(state.CurrentReview))
	}

	state.CurrentReview = integrated
	state.ExploredBases = append(state.ExploredBases, base.Name)
	for _, key := range mini.DOIKeys {
		state.ZoteroKeys = append(state.ZoteroKeys, key)
	}
	state.ZoteroKeys = lo.Uniq(state.ZoteroKeys)

	log.Info().
		Str("base", base.Name).
		Int("new_keys", len(mini.DOIKeys)).
		Msg("Literature base integrated")
	return nil
}
