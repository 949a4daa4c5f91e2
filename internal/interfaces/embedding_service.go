package interfaces

import (
	"context"
)

// EmbeddingEngine generates vector embeddings
type EmbeddingEngine interface {
	// Generate embedding for raw text
	Embed(ctx context.Context, text string) ([]float32, error)

	// Generate embeddings for multiple texts in one provider call
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedLong chunks a text exceeding the provider input limit and
	// averages the chunk vectors
	EmbedLong(ctx context.Context, text string) ([]float32, error)

	// Get model information
	ModelName() string
	Dimension() int

	// Check if the provider is reachable
	IsAvailable(ctx context.Context) bool
}
