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

const (
	miniReviewPapersPerQuery = 5
	miniReviewContentChars   = 8000
	miniReviewTotalChars     = 40000
)

// PaperSearcher is the slice of the paper service the mini-reviewer needs
type PaperSearcher interface {
	SearchPapers(ctx context.Context, query string, limit int) ([]models.PaperSearchResult, error)
	GetPaperContent(ctx context.Context, ref string, maxChars int) (*models.PaperContent, error)
}

// CorpusMiniReviewer builds the mini-review for a literature base from
// papers already ingested: it runs the base's queries against the corpus,
// reads the matches, and synthesizes one short cited review
type CorpusMiniReviewer struct {
	papers PaperSearcher
	bib    interfaces.BibSystem
	llm    interfaces.LLMService
	logger arbor.ILogger
}

var _ MiniReviewRunner = (*CorpusMiniReviewer)(nil)

// NewCorpusMiniReviewer creates the corpus-grounded mini-review runner.
// bib may be nil; DOI mapping is skipped without it.
func NewCorpusMiniReviewer(papers PaperSearcher, bib interfaces.BibSystem, llm interfaces.LLMService, logger arbor.ILogger) *CorpusMiniReviewer {
	return &CorpusMiniReviewer{papers: papers, bib: bib, llm: llm, logger: logger}
}

// RunMiniReview searches the corpus with the base's queries and synthesizes
// a short review citing the matches. An empty corpus intersection is an
// error; the caller decides whether that fails its iteration.
func (m *CorpusMiniReviewer) RunMiniReview(ctx context.Context, runID string, base models.LiteratureBase) (*models.MiniReviewResult, error) {
	log := m.logger.WithCorrelationId(runID)

	var keys []string
	for _, query := range base.SearchQueries {
		results, err := m.papers.SearchPapers(ctx, query, miniReviewPapersPerQuery)
		if err != nil {
			log.Warn().Err(err).Str("query", firstChars(query, 80)).Msg("Mini-review query failed")
			continue
		}
		for _, r := range results {
			keys = append(keys, r.BibKey)
		}
	}
	keys = lo.Uniq(keys)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no corpus papers matched the base %q", interfaces.ErrNotFound, base.Name)
	}

	var sources strings.Builder
	total := 0
	used := make([]string, 0, len(keys))
	for _, key := range keys {
		if total >= miniReviewTotalChars {
			break
		}
		content, err := m.papers.GetPaperContent(ctx, key, miniReviewContentChars)
		if err != nil {
			log.Warn().Err(err).Str("bib_key", key).Msg("Mini-review paper read failed")
			continue
		}
		fmt.Fprintf(&sources, "\n[@%s]\n%s\n", key, content.Content)
		total += len(content.Content)
		used = append(used, key)
	}
	if len(used) == 0 {
		return nil, fmt.Errorf("%w: no paper content could be read for the base %q", interfaces.ErrBackendUnavailable, base.Name)
	}

	res, err := m.llm.Complete(ctx, interfaces.CompletionRequest{
		System:   miniReviewSystem,
		Messages: []interfaces.Message{{Role: "user", Content: buildMiniReviewPrompt(base, sources.String())}},
		Options: interfaces.CompletionOptions{
			Tier:         interfaces.TierSonnet,
			CachedSystem: true,
			RunID:        runID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mini-review synthesis: %w", err)
	}

	log.Info().
		Str("base", base.Name).
		Int("papers", len(used)).
		Msg("Mini-review synthesized from corpus")

	return &models.MiniReviewResult{
		Text:    strings.TrimSpace(res.Content),
		DOIKeys: m.doiMap(ctx, log, used),
	}, nil
}

// doiMap resolves each used paper's DOI so the caller can fold the mapping
// into its corpus references
func (m *CorpusMiniReviewer) doiMap(ctx context.Context, log arbor.ILogger, keys []string) map[string]string {
	if m.bib == nil {
		return nil
	}
	out := make(map[string]string)
	for _, key := range keys {
		item, err := m.bib.GetItem(ctx, key)
		if err != nil {
			log.Debug().Err(err).Str("bib_key", key).Msg("DOI lookup skipped")
			continue
		}
		if doi := item.Field("DOI"); doi != "" {
			out[doi] = key
		}
	}
	return out
}

const miniReviewSystem = `You write compact literature mini-reviews. Cite every claim with the [@KEY]
of a supplied source; never cite anything else. Aim for 400 to 700 words.`

func buildMiniReviewPrompt(base models.LiteratureBase, sources string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a mini-review of the literature base %q.\n", base.Name)
	fmt.Fprintf(&b, "It will be integrated into a larger review with this strategy: %s\n", base.IntegrationStrategy)
	b.WriteString("\nSource papers:\n")
	b.WriteString(sources)
	return b.String()
}
