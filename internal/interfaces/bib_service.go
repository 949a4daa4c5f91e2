package interfaces

import (
	"context"

	"github.com/thala-research/thala/internal/models"
)

// BibSystem is the adapter over the local bibliographic server. Keys are
// 8-char alphanumeric identifiers issued by the server on create.
type BibSystem interface {
	// CreateItem creates an item and returns its key
	CreateItem(ctx context.Context, item *models.BibItem) (string, error)

	// GetItem fetches an item by key, ErrNotFound when absent
	GetItem(ctx context.Context, key string) (*models.BibItem, error)

	// UpdateItem replaces the fields/creators/tags of an existing item
	UpdateItem(ctx context.Context, item *models.BibItem) error

	// DeleteItem removes an item by key
	DeleteItem(ctx context.Context, key string) error

	// Search runs condition predicates against the library
	Search(ctx context.Context, conditions []models.SearchCondition, limit int, includeFullData bool) ([]*models.BibItem, error)

	// Exists reports whether a key resolves without fetching full data
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies the server is reachable
	Ping(ctx context.Context) error
}
