package badger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// callSequence keeps audit keys unique even within the same nanosecond
var callSequence uint64

// AuditStorage persists LLM call records for cost and failure analysis
type AuditStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAuditStorage creates a new AuditStorage instance
func NewAuditStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AuditStorage {
	return &AuditStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AuditStorage) RecordCall(ctx context.Context, record *models.LLMCallRecord) error {
	if record.FullTimestamp == 0 {
		record.FullTimestamp = time.Now().UnixNano()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	seq := atomic.AddUint64(&callSequence, 1)
	key := fmt.Sprintf("%s_%d_%d", record.RunID, record.FullTimestamp, seq)

	if err := s.db.Store().Insert(key, record); err != nil {
		return fmt.Errorf("failed to record llm call: %w", err)
	}
	return nil
}

func (s *AuditStorage) GetCalls(ctx context.Context, runID string, limit int) ([]models.LLMCallRecord, error) {
	var calls []models.LLMCallRecord
	query := badgerhold.Where("RunID").Eq(runID).SortBy("FullTimestamp").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := s.db.Store().Find(&calls, query); err != nil {
		return nil, fmt.Errorf("failed to get llm calls: %w", err)
	}
	return calls, nil
}

func (s *AuditStorage) CountCalls(ctx context.Context, runID string) (int, error) {
	count, err := s.db.Store().Count(&models.LLMCallRecord{}, badgerhold.Where("RunID").Eq(runID))
	if err != nil {
		return 0, fmt.Errorf("failed to count llm calls: %w", err)
	}
	return int(count), nil
}
