package elastic

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/thala-research/thala/internal/models"
)

type getResponse struct {
	Found  bool            `json:"found"`
	Source json.RawMessage `json:"_source"`
}

type searchHit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

func decodeSearchResponse(body io.Reader) (*searchResponse, error) {
	var sr searchResponse
	if err := json.NewDecoder(body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &sr, nil
}

func hitsToRecords(sr *searchResponse) ([]*models.Record, error) {
	records := make([]*models.Record, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		record, err := models.DeserializeRecord(hit.Source)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func hitsToScoredRecords(sr *searchResponse) ([]*models.ScoredRecord, error) {
	records := make([]*models.ScoredRecord, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		record, err := models.DeserializeRecord(hit.Source)
		if err != nil {
			return nil, err
		}
		records = append(records, &models.ScoredRecord{Record: record, Score: hit.Score})
	}
	return records, nil
}
