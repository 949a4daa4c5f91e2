// -----------------------------------------------------------------------
// Last Modified: Thursday, 12th February 2026 8:55:03 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// MainStore is the partitioned working set over three Elasticsearch indices,
// one per compression level. Deletion archives a ForgottenRecord before the
// record is removed.
type MainStore struct {
	conn      *Connection
	forgotten interfaces.ForgottenStore
	logger    arbor.ILogger
}

// NewMainStore creates the partitioned store front
func NewMainStore(conn *Connection, forgotten interfaces.ForgottenStore, logger arbor.ILogger) interfaces.MainStore {
	return &MainStore{
		conn:      conn,
		forgotten: forgotten,
		logger:    logger,
	}
}

// Add persists a validated record into the index for its level
func (s *MainStore) Add(ctx context.Context, record *models.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidInput, err.Error())
	}
	index, err := indexForLevel(record.CompressionLevel)
	if err != nil {
		return err
	}
	if err := s.indexRecord(ctx, index, record); err != nil {
		return err
	}

	s.logger.Debug().
		Str("record_id", record.ID).
		Int("level", record.CompressionLevel).
		Msg("Added record")
	return nil
}

// Get probes the index for the given level, or all three in L0..L2 order
// when called with LevelAll
func (s *MainStore) Get(ctx context.Context, id string, level int) (*models.Record, error) {
	indices, err := levelIndices(level)
	if err != nil {
		return nil, err
	}
	for _, index := range indices {
		record, err := s.getFromIndex(ctx, index, id)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return record, nil
	}
	return nil, fmt.Errorf("record %s: %w", id, interfaces.ErrNotFound)
}

// GetBySourceID locates the derivative at the given level whose source_ids
// contains the parent id. Returns the most recently updated match when more
// than one exists.
func (s *MainStore) GetBySourceID(ctx context.Context, sourceID string, level int) (*models.Record, error) {
	query := map[string]interface{}{
		"term": map[string]interface{}{"source_ids": sourceID},
	}
	records, err := s.Search(ctx, query, 1, level)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no level-%d derivative of %s: %w", level, sourceID, interfaces.ErrNotFound)
	}
	return records[0], nil
}

// Update replaces an existing record in place. The record must already
// exist at its level.
func (s *MainStore) Update(ctx context.Context, record *models.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidInput, err.Error())
	}
	index, err := indexForLevel(record.CompressionLevel)
	if err != nil {
		return err
	}
	if _, err := s.getFromIndex(ctx, index, record.ID); err != nil {
		return err
	}

	record.Touch()
	if err := s.indexRecord(ctx, index, record); err != nil {
		return err
	}

	s.logger.Debug().
		Str("record_id", record.ID).
		Int("level", record.CompressionLevel).
		Msg("Updated record")
	return nil
}

// Search runs a query (vendor DSL passed verbatim) against one level, or all
// three with LevelAll. Results come back sorted by updated_at, newest first,
// unless the query scores them.
func (s *MainStore) Search(ctx context.Context, query map[string]interface{}, size int, level int) ([]*models.Record, error) {
	indices, err := levelIndices(level)
	if err != nil {
		return nil, err
	}
	if query == nil {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	body, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	sr, err := s.runSearch(ctx, indices, body, size)
	if err != nil {
		return nil, err
	}
	return hitsToRecords(sr)
}

// KNNSearch runs a vector query against L1/L2 (both with LevelAll).
// Requesting kNN on L0 is a programmer error.
func (s *MainStore) KNNSearch(ctx context.Context, embedding []float32, k int, level int) ([]*models.ScoredRecord, error) {
	if level == models.CompressionOriginal {
		return nil, fmt.Errorf("kNN against L0 originals: %w", interfaces.ErrInvalidInput)
	}
	var indices []string
	if level == interfaces.LevelAll {
		indices = []string{IndexL1, IndexL2}
	} else {
		index, err := indexForLevel(level)
		if err != nil {
			return nil, err
		}
		indices = []string{index}
	}

	body, err := json.Marshal(map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "embedding",
			"query_vector":   embedding,
			"k":              k,
			"num_candidates": k * 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode knn query: %w", err)
	}

	sr, err := s.runSearch(ctx, indices, body, k)
	if err != nil {
		return nil, err
	}
	return hitsToScoredRecords(sr)
}

// Delete archives the record as a ForgottenRecord, then removes it. The
// archive write strictly precedes the removal.
func (s *MainStore) Delete(ctx context.Context, id string, reason string) error {
	if reason == "" {
		return fmt.Errorf("delete of %s requires a reason: %w", id, interfaces.ErrInvalidInput)
	}
	record, err := s.Get(ctx, id, interfaces.LevelAll)
	if err != nil {
		return err
	}

	snapshot, err := models.NewForgottenRecord(common.NewRecordID(), record, reason, models.LogicalStoreMain)
	if err != nil {
		return err
	}
	if err := s.forgotten.AddSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to archive %s before delete: %w", id, err)
	}

	index, err := indexForLevel(record.CompressionLevel)
	if err != nil {
		return err
	}
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Delete(index, id,
		client.Delete.WithContext(reqCtx),
		client.Delete.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	defer drainAndClose(res)
	if res.IsError() && res.StatusCode != 404 {
		return responseError("delete record", res)
	}

	s.logger.Info().
		Str("record_id", id).
		Str("reason", reason).
		Msg("Deleted record after archiving")
	return nil
}

func (s *MainStore) indexRecord(ctx context.Context, index string, record *models.Record) error {
	body, err := record.Serialize()
	if err != nil {
		return err
	}
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Index(index, bytes.NewReader(body),
		client.Index.WithDocumentID(record.ID),
		client.Index.WithContext(reqCtx),
		client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to index record %s: %w", record.ID, err)
	}
	defer drainAndClose(res)
	if res.IsError() {
		return responseError("index record", res)
	}
	return nil
}

func (s *MainStore) getFromIndex(ctx context.Context, index, id string) (*models.Record, error) {
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Get(index, id, client.Get.WithContext(reqCtx))
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, interfaces.ErrNotFound
	}
	if res.IsError() {
		return nil, responseError("get record", res)
	}

	var gr getResponse
	if err := json.NewDecoder(res.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to decode get response: %w", err)
	}
	if !gr.Found {
		return nil, interfaces.ErrNotFound
	}
	return models.DeserializeRecord(gr.Source)
}

func (s *MainStore) runSearch(ctx context.Context, indices []string, body []byte, size int) (*searchResponse, error) {
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Search(
		client.Search.WithContext(reqCtx),
		client.Search.WithIndex(indices...),
		client.Search.WithBody(bytes.NewReader(body)),
		client.Search.WithSize(size),
		client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("search", res)
	}
	return decodeSearchResponse(res.Body)
}
