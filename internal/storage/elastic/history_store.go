package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// HistoryStore is the append-only WhoIWas log on the forgotten host
type HistoryStore struct {
	conn   *Connection
	logger arbor.ILogger
}

// NewHistoryStore creates the history log front
func NewHistoryStore(conn *Connection, logger arbor.ILogger) interfaces.HistoryStore {
	return &HistoryStore{conn: conn, logger: logger}
}

// AddSnapshot appends a snapshot; history entries are never mutated
func (s *HistoryStore) AddSnapshot(ctx context.Context, snapshot *models.WhoIWasRecord) error {
	body, err := snapshot.Serialize()
	if err != nil {
		return err
	}
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.forgotten
	res, err := client.Index(IndexWhoIWas, bytes.NewReader(body),
		client.Index.WithDocumentID(snapshot.ID),
		client.Index.WithContext(reqCtx),
		client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to write history snapshot for %s: %w", snapshot.Supersedes, err)
	}
	defer drainAndClose(res)
	if res.IsError() {
		return responseError("index history snapshot", res)
	}

	s.logger.Debug().
		Str("supersedes", snapshot.Supersedes).
		Str("reason", snapshot.Reason).
		Msg("Wrote history snapshot")
	return nil
}

// GetHistory returns every snapshot that supersedes the record, oldest first
func (s *HistoryStore) GetHistory(ctx context.Context, recordID string) ([]*models.WhoIWasRecord, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"supersedes": recordID},
		},
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "asc"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode history query: %w", err)
	}

	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.forgotten
	res, err := client.Search(
		client.Search.WithContext(reqCtx),
		client.Search.WithIndex(IndexWhoIWas),
		client.Search.WithBody(bytes.NewReader(body)),
		client.Search.WithSize(1000),
		client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("history lookup failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("history lookup", res)
	}

	sr, err := decodeSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*models.WhoIWasRecord, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		snapshot, err := models.DeserializeWhoIWasRecord(hit.Source)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}
