package interfaces

import (
	"context"

	"github.com/thala-research/thala/internal/models"
)

// DocumentProcessor runs the ingestion graph over one or many documents
type DocumentProcessor interface {
	// ProcessDocument runs the full graph for a single input (URL or raw
	// markdown) and returns the final state. Node errors that do not abort
	// the run are collected in the state's error list.
	ProcessDocument(ctx context.Context, input string, title string) (*models.DocumentState, error)

	// ProcessDocumentsBatch fans out ProcessDocument under a semaphore.
	// Failures become per-document failed results, never a cancelled batch.
	ProcessDocumentsBatch(ctx context.Context, inputs []string, concurrency int) ([]*models.ProcessResult, error)
}

// ReviewOrchestrator drives the staged review loops over a draft
type ReviewOrchestrator interface {
	// Run executes the selected loops in order and returns the final
	// result. A run that hits only recoverable loop failures still returns
	// a best-effort review.
	Run(ctx context.Context, state *models.ReviewState, loops models.LoopSelection) (*models.ReviewResult, error)
}

// CitationPostProcessor converts numeric citations in a finished review into
// bibliographic keys, creating items as needed
type CitationPostProcessor interface {
	Process(ctx context.Context, review string) (string, []models.CitationResolution, error)
}
