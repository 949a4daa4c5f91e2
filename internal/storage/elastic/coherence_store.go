package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// CoherenceStore is the single-index store for long-lived records. Every
// update and delete writes a WhoIWasRecord with the full prior serialization
// before the mutation proceeds.
type CoherenceStore struct {
	conn    *Connection
	history interfaces.HistoryStore
	logger  arbor.ILogger
}

// NewCoherenceStore creates the coherence-class store front
func NewCoherenceStore(conn *Connection, history interfaces.HistoryStore, logger arbor.ILogger) interfaces.CoherenceStore {
	return &CoherenceStore{
		conn:    conn,
		history: history,
		logger:  logger,
	}
}

func (s *CoherenceStore) Add(ctx context.Context, record *models.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidInput, err.Error())
	}
	return s.indexRecord(ctx, record)
}

func (s *CoherenceStore) Get(ctx context.Context, id string) (*models.Record, error) {
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Get(IndexCoherence, id, client.Get.WithContext(reqCtx))
	if err != nil {
		return nil, fmt.Errorf("failed to get coherence record %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, fmt.Errorf("coherence record %s: %w", id, interfaces.ErrNotFound)
	}
	if res.IsError() {
		return nil, responseError("get coherence record", res)
	}

	var gr getResponse
	if err := json.NewDecoder(res.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to decode get response: %w", err)
	}
	if !gr.Found {
		return nil, fmt.Errorf("coherence record %s: %w", id, interfaces.ErrNotFound)
	}
	return models.DeserializeRecord(gr.Source)
}

// Update snapshots the prior state to history, then replaces the record.
// The history write strictly precedes the mutation.
func (s *CoherenceStore) Update(ctx context.Context, record *models.Record, reason string) error {
	if reason == "" {
		return fmt.Errorf("coherence update of %s requires a reason: %w", record.ID, interfaces.ErrInvalidInput)
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidInput, err.Error())
	}

	prior, err := s.Get(ctx, record.ID)
	if err != nil {
		return err
	}
	snapshot, err := models.NewWhoIWasRecord(common.NewRecordID(), prior, reason, models.LogicalStoreCoherence)
	if err != nil {
		return err
	}
	if err := s.history.AddSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to write history before updating %s: %w", record.ID, err)
	}

	record.Touch()
	if err := s.indexRecord(ctx, record); err != nil {
		return err
	}

	s.logger.Debug().
		Str("record_id", record.ID).
		Str("reason", reason).
		Msg("Updated coherence record")
	return nil
}

// Delete snapshots the prior state to history, then removes the record
func (s *CoherenceStore) Delete(ctx context.Context, id string, reason string) error {
	if reason == "" {
		return fmt.Errorf("coherence delete of %s requires a reason: %w", id, interfaces.ErrInvalidInput)
	}

	prior, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	snapshot, err := models.NewWhoIWasRecord(common.NewRecordID(), prior, reason, models.LogicalStoreCoherence)
	if err != nil {
		return err
	}
	if err := s.history.AddSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to write history before deleting %s: %w", id, err)
	}

	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Delete(IndexCoherence, id,
		client.Delete.WithContext(reqCtx),
		client.Delete.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to delete coherence record %s: %w", id, err)
	}
	defer drainAndClose(res)
	if res.IsError() && res.StatusCode != 404 {
		return responseError("delete coherence record", res)
	}

	s.logger.Info().
		Str("record_id", id).
		Str("reason", reason).
		Msg("Deleted coherence record")
	return nil
}

func (s *CoherenceStore) Search(ctx context.Context, query map[string]interface{}, size int) ([]*models.Record, error) {
	if query == nil {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	body, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Search(
		client.Search.WithContext(reqCtx),
		client.Search.WithIndex(IndexCoherence),
		client.Search.WithBody(bytes.NewReader(body)),
		client.Search.WithSize(size),
		client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("coherence search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("coherence search", res)
	}

	sr, err := decodeSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}
	return hitsToRecords(sr)
}

func (s *CoherenceStore) indexRecord(ctx context.Context, record *models.Record) error {
	body, err := record.Serialize()
	if err != nil {
		return err
	}
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.coherence
	res, err := client.Index(IndexCoherence, bytes.NewReader(body),
		client.Index.WithDocumentID(record.ID),
		client.Index.WithContext(reqCtx),
		client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to index coherence record %s: %w", record.ID, err)
	}
	defer drainAndClose(res)
	if res.IsError() {
		return responseError("index coherence record", res)
	}
	return nil
}
