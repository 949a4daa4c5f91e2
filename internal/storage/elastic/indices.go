package elastic

import (
	"context"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// One index per logical store. L0/L1/L2 and coherence live on the coherence
// host; whoiwas and forgotten live on the forgotten host.
const (
	IndexL0        = "thala-l0"
	IndexL1        = "thala-l1"
	IndexL2        = "thala-l2"
	IndexCoherence = "thala-coherence"
	IndexWhoIWas   = "thala-whoiwas"
	IndexForgotten = "thala-forgotten"
)

// indexForLevel maps a compression level to its index name
func indexForLevel(level int) (string, error) {
	switch level {
	case models.CompressionOriginal:
		return IndexL0, nil
	case models.CompressionShort:
		return IndexL1, nil
	case models.CompressionTenth:
		return IndexL2, nil
	default:
		return "", fmt.Errorf("no index for compression level %d: %w", level, interfaces.ErrInvalidInput)
	}
}

// levelIndices returns the indices a read should probe, in L0..L2 order
func levelIndices(level int) ([]string, error) {
	if level == interfaces.LevelAll {
		return []string{IndexL0, IndexL1, IndexL2}, nil
	}
	index, err := indexForLevel(level)
	if err != nil {
		return nil, err
	}
	return []string{index}, nil
}

// recordMapping builds the mapping shared by every record index. The dense
// vector dimension must match the configured embedding model.
func recordMapping(embeddingDim int) string {
	return fmt.Sprintf(`{
  "mappings": {
    "properties": {
      "id": {"type": "keyword"},
      "source_type": {"type": "keyword"},
      "content": {"type": "text"},
      "compression_level": {"type": "integer"},
      "source_ids": {"type": "keyword"},
      "bib_key": {"type": "keyword"},
      "language_code": {"type": "keyword"},
      "embedding": {"type": "dense_vector", "dims": %d, "index": true, "similarity": "cosine"},
      "embedding_model": {"type": "keyword"},
      "metadata": {"type": "object", "dynamic": true},
      "created_at": {"type": "date"},
      "updated_at": {"type": "date"}
    }
  }
}`, embeddingDim)
}

// snapshotMapping covers both whoiwas and forgotten entries. previous_data
// is stored but never searched.
const snapshotMapping = `{
  "mappings": {
    "properties": {
      "id": {"type": "keyword"},
      "supersedes": {"type": "keyword"},
      "reason": {"type": "text"},
      "previous_data": {"type": "text", "index": false},
      "original_store": {"type": "keyword"},
      "created_at": {"type": "date"}
    }
  }
}`

// EnsureIndices creates every missing index with its mapping. Existing
// indices are left untouched.
func (c *Connection) EnsureIndices(ctx context.Context, embeddingDim int) error {
	recordIndices := []string{IndexL0, IndexL1, IndexL2, IndexCoherence}
	for _, name := range recordIndices {
		if err := c.ensureIndex(ctx, c.coherence, name, recordMapping(embeddingDim)); err != nil {
			return err
		}
	}
	snapshotIndices := []string{IndexWhoIWas, IndexForgotten}
	for _, name := range snapshotIndices {
		if err := c.ensureIndex(ctx, c.forgotten, name, snapshotMapping); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) ensureIndex(ctx context.Context, client *elasticsearch.Client, name, mapping string) error {
	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := client.Indices.Exists([]string{name}, client.Indices.Exists.WithContext(reqCtx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", name, err)
	}
	exists := res.StatusCode == 200
	drainAndClose(res)
	if exists {
		return nil
	}

	createCtx, createCancel := c.withTimeout(ctx)
	defer createCancel()

	res, err = client.Indices.Create(name,
		client.Indices.Create.WithBody(strings.NewReader(mapping)),
		client.Indices.Create.WithContext(createCtx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	defer drainAndClose(res)
	if res.IsError() {
		// Treat a create race as success
		if res.StatusCode == 400 {
			c.logger.Debug().Str("index", name).Msg("Index already exists")
			return nil
		}
		return responseError(fmt.Sprintf("create index %s", name), res)
	}

	c.logger.Info().Str("index", name).Msg("Created index")
	return nil
}
