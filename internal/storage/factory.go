package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/storage/chroma"
	"github.com/thala-research/thala/internal/storage/elastic"
)

// NewStorageManager builds the backend clients from config, bootstraps the
// indices and collection, and returns the composite manager. The bib system
// is injected because it lives behind its own service client.
func NewStorageManager(ctx context.Context, logger arbor.ILogger, config *common.Config, bib interfaces.BibSystem) (interfaces.StorageManager, error) {
	esConn, err := elastic.NewConnection(logger, &config.Storage.Elastic)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to text index: %w", err)
	}
	if err := esConn.EnsureIndices(ctx, config.Embedding.Dimension); err != nil {
		return nil, fmt.Errorf("failed to bootstrap indices: %w", err)
	}

	chromaClient := chroma.NewClient(logger, &config.Storage.Chroma)
	if err := chromaClient.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap vector collection: %w", err)
	}

	return NewManager(logger, esConn, chromaClient, bib), nil
}
