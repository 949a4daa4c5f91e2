// -----------------------------------------------------------------------
// Last Modified: Wednesday, 22nd April 2026 10:12:18 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package papers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

const (
	// maxSearchResults caps what one search call can return
	maxSearchResults = 20

	// defaultSearchResults applies when the caller passes no limit
	defaultSearchResults = 10

	// maxContentChars caps a single content payload
	maxContentChars = 20000

	// rrfK is the reciprocal-rank-fusion dampening constant
	rrfK = 60

	// minFusedRelevance filters fused hits: a paper passes only when it
	// appears in both ranking legs, or leads one of them outright
	minFusedRelevance = 0.5

	// snippetWords is the excerpt length on search hits
	snippetWords = 50
)

// SummaryGenerator produces and persists a tenth summary for a stored L0
// record. The pipeline processor implements it.
type SummaryGenerator interface {
	GenerateTenthSummary(ctx context.Context, record *models.Record) (*models.Record, error)
}

// Service answers the paper-scoped questions review agents ask: which
// papers match a query, and what does one paper say. Search is hybrid over
// the summary indices; content is served at the strongest compression
// available.
type Service struct {
	storage          interfaces.StorageManager
	embedder         interfaces.EmbeddingEngine
	generator        SummaryGenerator
	longDocThreshold int
	logger           arbor.ILogger
}

// NewService creates the paper tool service. generator may be nil, in which
// case long L0 documents are served truncated instead of lazily summarized.
func NewService(storage interfaces.StorageManager, embedder interfaces.EmbeddingEngine, generator SummaryGenerator, longDocThreshold int, logger arbor.ILogger) *Service {
	if longDocThreshold <= 0 {
		longDocThreshold = 150000
	}
	return &Service{
		storage:          storage,
		embedder:         embedder,
		generator:        generator,
		longDocThreshold: longDocThreshold,
		logger:           logger,
	}
}

// SearchPapers runs the hybrid search: a semantic leg (query embedding, kNN
// over the summary levels) and a keyword leg (text-index match on content),
// each fetching twice the requested limit, fused by reciprocal rank.
func (s *Service) SearchPapers(ctx context.Context, query string, limit int) ([]models.PaperSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is empty", interfaces.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultSearchResults
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}
	fetch := limit * 2

	var (
		semantic []*models.ScoredRecord
		keyword  []*models.Record
		semErr   error
		keyErr   error
	)

	var group errgroup.Group
	group.Go(func() error {
		embedding, err := s.embedder.Embed(ctx, query)
		if err != nil {
			semErr = fmt.Errorf("embed query: %w", err)
			return nil
		}
		semantic, semErr = s.storage.Main().KNNSearch(ctx, embedding, fetch, interfaces.LevelAll)
		return nil
	})
	group.Go(func() error {
		dsl := map[string]interface{}{
			"match": map[string]interface{}{"content": query},
		}
		keyword, keyErr = s.storage.Main().Search(ctx, dsl, fetch, interfaces.LevelAll)
		return nil
	})
	_ = group.Wait()

	if semErr != nil && keyErr != nil {
		return nil, fmt.Errorf("paper search failed on both legs: %v; %v", semErr, keyErr)
	}
	if semErr != nil {
		s.logger.Warn().Err(semErr).Msg("Semantic search leg failed, keyword results only")
	}
	if keyErr != nil {
		s.logger.Warn().Err(keyErr).Msg("Keyword search leg failed, semantic results only")
	}

	results := fuseResults(semantic, keyword, limit)
	s.logger.Debug().
		Str("query", markdown.FirstNWords(query, 8)).
		Int("semantic", len(semantic)).
		Int("keyword", len(keyword)).
		Int("fused", len(results)).
		Msg("Paper search complete")
	return results, nil
}

// fusedHit accumulates one paper's rank evidence across the two legs
type fusedHit struct {
	record   *models.Record
	score    float64
	semantic bool
	keyword  bool
}

// fuseResults merges the two ranked lists with reciprocal-rank fusion,
// deduplicating on bib key. Scores are normalized against the best possible
// two-leg score so the relevance floor has a stable meaning; the 0.5 floor
// then admits papers ranked in both legs, or first in one.
func fuseResults(semantic []*models.ScoredRecord, keyword []*models.Record, limit int) []models.PaperSearchResult {
	hits := make(map[string]*fusedHit)

	rank := 0
	for _, scored := range semantic {
		record := scored.Record
		if record == nil || record.BibKey == "" {
			continue
		}
		rank++
		hit, ok := hits[record.BibKey]
		if !ok {
			hit = &fusedHit{record: record}
			hits[record.BibKey] = hit
		} else if hit.semantic {
			continue // Same paper at a deeper rank in the same leg
		}
		hit.semantic = true
		hit.score += 1.0 / float64(rrfK+rank)
	}

	rank = 0
	for _, record := range keyword {
		if record == nil || record.BibKey == "" {
			continue
		}
		rank++
		hit, ok := hits[record.BibKey]
		if !ok {
			hit = &fusedHit{record: record}
			hits[record.BibKey] = hit
		} else if hit.keyword {
			continue
		}
		hit.keyword = true
		hit.score += 1.0 / float64(rrfK+rank)
	}

	perfect := 2.0 / float64(rrfK+1)
	results := make([]models.PaperSearchResult, 0, len(hits))
	for bibKey, hit := range hits {
		normalized := hit.score / perfect
		if normalized < minFusedRelevance {
			continue
		}
		source := models.SearchSourceHybrid
		if !hit.keyword {
			source = models.SearchSourceSemantic
		} else if !hit.semantic {
			source = models.SearchSourceKeyword
		}
		results = append(results, models.PaperSearchResult{
			BibKey:   bibKey,
			RecordID: hit.record.ID,
			Title:    hit.record.Title(),
			Snippet:  markdown.FirstNWords(hit.record.Content, snippetWords),
			Score:    normalized,
			Source:   source,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].BibKey < results[j].BibKey
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// GetPaperContent serves one paper's text by bib key or DOI, preferring the
// tenth summary over the full source. A long L0 with no summary gets one
// generated and persisted on the spot.
func (s *Service) GetPaperContent(ctx context.Context, ref string, maxChars int) (*models.PaperContent, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: paper reference is empty", interfaces.ErrInvalidInput)
	}
	if maxChars <= 0 || maxChars > maxContentChars {
		maxChars = maxContentChars
	}

	key := ref
	if !models.IsValidBibKey(ref) {
		resolved, err := s.keyFromDOI(ctx, ref)
		if err != nil {
			return nil, err
		}
		key = resolved
	}

	l0, err := s.recordByBibKey(ctx, key, models.CompressionOriginal)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	if l0 != nil {
		if l2, err := s.storage.Main().GetBySourceID(ctx, l0.ID, models.CompressionTenth); err == nil {
			return clampContent(key, l2.Content, models.CompressionTenth, maxChars), nil
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, err
		}

		if len(l0.Content) > s.longDocThreshold && s.generator != nil {
			l2, genErr := s.generator.GenerateTenthSummary(ctx, l0)
			if genErr != nil {
				s.logger.Warn().Err(genErr).Str("bib_key", key).
					Msg("On-demand tenth summary failed, serving truncated original")
			} else {
				s.logger.Info().Str("bib_key", key).Str("l2_id", l2.ID).
					Msg("Generated tenth summary on demand")
				return clampContent(key, l2.Content, models.CompressionTenth, maxChars), nil
			}
		}
		return clampContent(key, l0.Content, models.CompressionOriginal, maxChars), nil
	}

	// No original stored; a summary alone can still answer the question.
	if l2, err := s.recordByBibKey(ctx, key, models.CompressionTenth); err == nil {
		return clampContent(key, l2.Content, models.CompressionTenth, maxChars), nil
	}
	return nil, fmt.Errorf("%w: no stored content for bib key %s", interfaces.ErrNotFound, key)
}

// keyFromDOI resolves a DOI to its bib key through the bibliographic system
func (s *Service) keyFromDOI(ctx context.Context, doi string) (string, error) {
	items, err := s.storage.Bib().Search(ctx, []models.SearchCondition{
		{Condition: "DOI", Operator: "is", Value: doi},
	}, 1, false)
	if err != nil {
		return "", fmt.Errorf("resolve DOI %s: %w", doi, err)
	}
	if len(items) == 0 || items[0].Key == "" {
		return "", fmt.Errorf("%w: no bib item for DOI %s", interfaces.ErrNotFound, doi)
	}
	return items[0].Key, nil
}

// recordByBibKey finds the single record carrying a bib key at one level
func (s *Service) recordByBibKey(ctx context.Context, key string, level int) (*models.Record, error) {
	dsl := map[string]interface{}{
		"term": map[string]interface{}{"bib_key": key},
	}
	records, err := s.storage.Main().Search(ctx, dsl, 1, level)
	if err != nil {
		return nil, fmt.Errorf("lookup bib key %s at level %d: %w", key, level, err)
	}
	if len(records) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return records[0], nil
}

func clampContent(key, content string, level, maxChars int) *models.PaperContent {
	truncated := false
	if len(content) > maxChars {
		content = content[:maxChars]
		truncated = true
	}
	return &models.PaperContent{
		BibKey:           key,
		Content:          content,
		CompressionLevel: level,
		Truncated:        truncated,
	}
}
