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

// ForgottenStore is the append-only deletion archive on the forgotten host
type ForgottenStore struct {
	conn   *Connection
	logger arbor.ILogger
}

// NewForgottenStore creates the archive front
func NewForgottenStore(conn *Connection, logger arbor.ILogger) interfaces.ForgottenStore {
	return &ForgottenStore{conn: conn, logger: logger}
}

func (s *ForgottenStore) AddSnapshot(ctx context.Context, snapshot *models.ForgottenRecord) error {
	body, err := snapshot.Serialize()
	if err != nil {
		return err
	}
	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.forgotten
	res, err := client.Index(IndexForgotten, bytes.NewReader(body),
		client.Index.WithDocumentID(snapshot.ID),
		client.Index.WithContext(reqCtx),
		client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", snapshot.Supersedes, err)
	}
	defer drainAndClose(res)
	if res.IsError() {
		return responseError("index archive entry", res)
	}

	s.logger.Debug().
		Str("supersedes", snapshot.Supersedes).
		Str("reason", snapshot.Reason).
		Msg("Archived record")
	return nil
}

func (s *ForgottenStore) GetForgotten(ctx context.Context, recordID string) ([]*models.ForgottenRecord, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"supersedes": recordID},
		},
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "asc"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive query: %w", err)
	}

	reqCtx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	client := s.conn.forgotten
	res, err := client.Search(
		client.Search.WithContext(reqCtx),
		client.Search.WithIndex(IndexForgotten),
		client.Search.WithBody(bytes.NewReader(body)),
		client.Search.WithSize(1000),
		client.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("archive lookup failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("archive lookup", res)
	}

	sr, err := decodeSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}
	entries := make([]*models.ForgottenRecord, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		entry, err := models.DeserializeForgottenRecord(hit.Source)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
