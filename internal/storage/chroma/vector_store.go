package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// Reserved metadata keys the store uses to round-trip record fields through
// the vector index
const (
	metaSourceType       = "source_type"
	metaCompressionLevel = "compression_level"
	metaSourceIDs        = "source_ids"
	metaBibKey           = "bib_key"
	metaLanguageCode     = "language_code"
	metaEmbeddingModel   = "embedding_model"
	metaCreatedAt        = "created_at"
	metaUpdatedAt        = "updated_at"
)

// VectorStore keeps working-set records in the vector index. Updates and
// deletes snapshot the prior state to history before mutating.
type VectorStore struct {
	client  *Client
	history interfaces.HistoryStore
	logger  arbor.ILogger
}

// NewVectorStore creates the vector-index store front
func NewVectorStore(client *Client, history interfaces.HistoryStore, logger arbor.ILogger) interfaces.VectorStore {
	return &VectorStore{
		client:  client,
		history: history,
		logger:  logger,
	}
}

func (s *VectorStore) Add(ctx context.Context, record *models.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidInput, err.Error())
	}
	if len(record.Embedding) == 0 {
		return fmt.Errorf("vector record %s has no embedding: %w", record.ID, interfaces.ErrInvalidInput)
	}
	if err := s.client.Add(ctx, record.ID, record.Embedding, record.Content, recordMetadata(record)); err != nil {
		return err
	}

	s.logger.Debug().Str("record_id", record.ID).Msg("Added vector record")
	return nil
}

func (s *VectorStore) Get(ctx context.Context, id string) (*models.Record, error) {
	entry, err := s.client.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("vector record %s: %w", id, interfaces.ErrNotFound)
	}
	return entryToRecord(entry), nil
}

// Update snapshots the prior state to history, then upserts
func (s *VectorStore) Update(ctx context.Context, record *models.Record, reason string) error {
	if reason == "" {
		return fmt.Errorf("vector update of %s requires a reason: %w", record.ID, interfaces.ErrInvalidInput)
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidInput, err.Error())
	}

	prior, err := s.Get(ctx, record.ID)
	if err != nil {
		return err
	}
	snapshot, err := models.NewWhoIWasRecord(common.NewRecordID(), prior, reason, models.LogicalStoreVector)
	if err != nil {
		return err
	}
	if err := s.history.AddSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to write history before updating %s: %w", record.ID, err)
	}

	record.Touch()
	if err := s.client.Update(ctx, record.ID, record.Embedding, record.Content, recordMetadata(record)); err != nil {
		return err
	}

	s.logger.Debug().
		Str("record_id", record.ID).
		Str("reason", reason).
		Msg("Updated vector record")
	return nil
}

// Delete snapshots the prior state to history, then removes
func (s *VectorStore) Delete(ctx context.Context, id string, reason string) error {
	if reason == "" {
		return fmt.Errorf("vector delete of %s requires a reason: %w", id, interfaces.ErrInvalidInput)
	}

	prior, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	snapshot, err := models.NewWhoIWasRecord(common.NewRecordID(), prior, reason, models.LogicalStoreVector)
	if err != nil {
		return err
	}
	if err := s.history.AddSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to write history before deleting %s: %w", id, err)
	}

	if err := s.client.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info().
		Str("record_id", id).
		Str("reason", reason).
		Msg("Deleted vector record")
	return nil
}

// Query runs kNN with optional scalar-equality metadata filters
func (s *VectorStore) Query(ctx context.Context, embedding []float32, k int, where map[string]interface{}) ([]*models.Record, error) {
	entries, err := s.client.Query(ctx, embedding, k, where)
	if err != nil {
		return nil, err
	}
	records := make([]*models.Record, 0, len(entries))
	for _, entry := range entries {
		records = append(records, entryToRecord(entry))
	}
	return records, nil
}

// recordMetadata flattens a record's fields and free-form metadata for the
// vector index: strings/numbers/booleans pass through, lists and maps are
// JSON-serialized, nulls dropped
func recordMetadata(record *models.Record) map[string]interface{} {
	meta := FlattenMetadata(record.Metadata)
	meta[metaSourceType] = string(record.SourceType)
	meta[metaCompressionLevel] = record.CompressionLevel
	meta[metaCreatedAt] = record.CreatedAt.UTC().Format(time.RFC3339Nano)
	meta[metaUpdatedAt] = record.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if record.BibKey != "" {
		meta[metaBibKey] = record.BibKey
	}
	if record.LanguageCode != "" {
		meta[metaLanguageCode] = record.LanguageCode
	}
	if record.EmbeddingModel != "" {
		meta[metaEmbeddingModel] = record.EmbeddingModel
	}
	if len(record.SourceIDs) > 0 {
		if data, err := json.Marshal(record.SourceIDs); err == nil {
			meta[metaSourceIDs] = string(data)
		}
	}
	return meta
}

// FlattenMetadata reduces free-form metadata to index-safe primitives
func FlattenMetadata(metadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		if value == nil {
			continue
		}
		switch value.(type) {
		case string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[key] = value
		default:
			if data, err := json.Marshal(value); err == nil {
				out[key] = string(data)
			}
		}
	}
	return out
}

// entryToRecord rebuilds a record from a vector-index row. Nested metadata
// stays JSON-stringified; the reserved fields are restored to their types.
func entryToRecord(entry *Entry) *models.Record {
	record := &models.Record{
		ID:        entry.ID,
		Content:   entry.Document,
		Embedding: entry.Embedding,
		Metadata:  make(map[string]interface{}),
	}
	for key, value := range entry.Metadata {
		switch key {
		case metaSourceType:
			if s, ok := value.(string); ok {
				record.SourceType = models.SourceType(s)
			}
		case metaCompressionLevel:
			if f, ok := value.(float64); ok {
				record.CompressionLevel = int(f)
			}
		case metaBibKey:
			if s, ok := value.(string); ok {
				record.BibKey = s
			}
		case metaLanguageCode:
			if s, ok := value.(string); ok {
				record.LanguageCode = s
			}
		case metaEmbeddingModel:
			if s, ok := value.(string); ok {
				record.EmbeddingModel = s
			}
		case metaSourceIDs:
			if s, ok := value.(string); ok {
				var ids []string
				if err := json.Unmarshal([]byte(s), &ids); err == nil {
					record.SourceIDs = ids
				}
			}
		case metaCreatedAt:
			if s, ok := value.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					record.CreatedAt = t
				}
			}
		case metaUpdatedAt:
			if s, ok := value.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					record.UpdatedAt = t
				}
			}
		default:
			record.Metadata[key] = value
		}
	}
	return record
}
