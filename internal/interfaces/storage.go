// -----------------------------------------------------------------------
// Last Modified: Tuesday, 10th February 2026 9:21:47 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/thala-research/thala/internal/models"
)

// LevelAll asks a store operation to consider every compression level
const LevelAll = -1

// MainStore is the partitioned working set, one logical index per
// compression level (L0, L1, L2). All mutations enforce the archive
// contract: deletion writes a ForgottenRecord before the record goes away.
type MainStore interface {
	// Add persists a validated record into the index for its level
	Add(ctx context.Context, record *models.Record) error

	// Get fetches a record by id. With LevelAll the three indices are
	// probed in order L0, L1, L2.
	Get(ctx context.Context, id string, level int) (*models.Record, error)

	// GetBySourceID locates a derivative at the given level whose
	// source_ids contains the parent id
	GetBySourceID(ctx context.Context, sourceID string, level int) (*models.Record, error)

	// Update replaces an existing record in place
	Update(ctx context.Context, record *models.Record) error

	// Search runs a text-index query (vendor DSL passed verbatim) against
	// one level, or all three with LevelAll
	Search(ctx context.Context, query map[string]interface{}, size int, level int) ([]*models.Record, error)

	// KNNSearch runs a vector query against L1/L2 and returns hits with
	// their similarity scores. Requesting kNN on L0 is a programmer error
	// and returns ErrInvalidInput.
	KNNSearch(ctx context.Context, embedding []float32, k int, level int) ([]*models.ScoredRecord, error)

	// Delete archives the record as a ForgottenRecord, then removes it.
	// The reason must be non-empty.
	Delete(ctx context.Context, id string, reason string) error
}

// CoherenceStore holds long-lived identity/belief/preference records.
// Update and Delete both require a reason and write a WhoIWasRecord with the
// full prior serialization before proceeding.
type CoherenceStore interface {
	Add(ctx context.Context, record *models.Record) error
	Get(ctx context.Context, id string) (*models.Record, error)
	Update(ctx context.Context, record *models.Record, reason string) error
	Delete(ctx context.Context, id string, reason string) error
	Search(ctx context.Context, query map[string]interface{}, size int) ([]*models.Record, error)
}

// VectorStore wraps the vector index for working-set records. Metadata is
// flattened before it reaches the index: strings/numbers/booleans pass
// through, lists and maps are JSON-serialized, nulls dropped.
type VectorStore interface {
	Add(ctx context.Context, record *models.Record) error
	Get(ctx context.Context, id string) (*models.Record, error)

	// Update snapshots the prior state to history, then upserts
	Update(ctx context.Context, record *models.Record, reason string) error

	// Delete snapshots the prior state to history, then removes
	Delete(ctx context.Context, id string, reason string) error

	// Query runs kNN with optional scalar-equality metadata filters
	Query(ctx context.Context, embedding []float32, k int, where map[string]interface{}) ([]*models.Record, error)
}

// HistoryStore is the append-only WhoIWas log
type HistoryStore interface {
	// AddSnapshot appends a snapshot; history is never mutated
	AddSnapshot(ctx context.Context, snapshot *models.WhoIWasRecord) error

	// GetHistory returns the temporal list of prior snapshots for a record,
	// oldest first
	GetHistory(ctx context.Context, recordID string) ([]*models.WhoIWasRecord, error)
}

// ForgottenStore is the append-only deletion archive
type ForgottenStore interface {
	AddSnapshot(ctx context.Context, snapshot *models.ForgottenRecord) error
	GetForgotten(ctx context.Context, recordID string) ([]*models.ForgottenRecord, error)
}

// BackendHealth is the liveness report for one backend
type BackendHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthStatus aggregates per-backend liveness. Healthy is true only when
// every backend is reachable and not red.
type HealthStatus struct {
	Healthy  bool            `json:"healthy"`
	Backends []BackendHealth `json:"backends"`
}

// StorageManager is the composite front over every backend. One long-lived
// instance per process; all methods are safe for concurrent use.
type StorageManager interface {
	Main() MainStore
	Coherence() CoherenceStore
	Vectors() VectorStore
	History() HistoryStore
	Forgotten() ForgottenStore
	Bib() BibSystem

	// Health runs non-blocking liveness checks against every backend
	Health(ctx context.Context) HealthStatus

	// Close releases all backend clients
	Close() error
}

// AuditStorage persists LLM call records for cost and failure analysis
type AuditStorage interface {
	RecordCall(ctx context.Context, record *models.LLMCallRecord) error
	GetCalls(ctx context.Context, runID string, limit int) ([]models.LLMCallRecord, error)
	CountCalls(ctx context.Context, runID string) (int, error)
}

// URLCacheStorage caches resolved URL -> bib key mappings across runs
type URLCacheStorage interface {
	// GetResolvedURL returns the cached key for a normalized URL, or
	// ErrNotFound
	GetResolvedURL(ctx context.Context, url string) (*models.URLCacheEntry, error)
	PutResolvedURL(ctx context.Context, entry *models.URLCacheEntry) error
}
