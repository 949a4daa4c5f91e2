package interfaces

import (
	"context"

	"github.com/thala-research/thala/internal/models"
)

// PaperSearchService scopes hybrid search and content retrieval to the
// in-memory paper corpus of a review run. Its two operations are also bound
// into editing agents as tools.
type PaperSearchService interface {
	// SearchPapers fuses semantic and keyword rankings by reciprocal rank,
	// deduplicates on bib key, and filters out weak matches. limit is
	// capped at 20.
	SearchPapers(ctx context.Context, query string, limit int) ([]*models.PaperSearchResult, error)

	// GetPaperContent serves a paper's text, preferring the compressed
	// derivative, generating it on the fly for oversized originals.
	// maxChars is capped at 20000.
	GetPaperContent(ctx context.Context, bibKeyOrDOI string, maxChars int) (*models.PaperContent, error)
}
