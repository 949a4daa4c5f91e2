package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// URLCacheStorage caches resolved URL -> bib key mappings across runs so
// the citation post-processor never creates a second item for the same URL
type URLCacheStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewURLCacheStorage creates a new URLCacheStorage instance
func NewURLCacheStorage(db *BadgerDB, logger arbor.ILogger) interfaces.URLCacheStorage {
	return &URLCacheStorage{
		db:     db,
		logger: logger,
	}
}

func (s *URLCacheStorage) GetResolvedURL(ctx context.Context, url string) (*models.URLCacheEntry, error) {
	var entry models.URLCacheEntry
	err := s.db.Store().Get(url, &entry)
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("url %s: %w", url, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up cached url: %w", err)
	}
	return &entry, nil
}

func (s *URLCacheStorage) PutResolvedURL(ctx context.Context, entry *models.URLCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Store().Upsert(entry.URL, entry); err != nil {
		return fmt.Errorf("failed to cache resolved url: %w", err)
	}
	return nil
}
