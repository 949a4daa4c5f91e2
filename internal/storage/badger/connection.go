package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/thala-research/thala/internal/common"
)

// BadgerDB holds the badgerhold store backing the LLM audit log and
// the URL cache.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens the store directory, wiping it first when
// reset_on_startup is set.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Removing badger directory (reset_on_startup)")
			if err := os.RemoveAll(config.Path); err != nil {
				return nil, fmt.Errorf("failed to reset badger directory: %w", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	// Badger's default logger writes through stdlib log; silence it so
	// everything in this package reports through arbor.
	opts := badgerhold.DefaultOptions
	opts.Options = badgerdb.DefaultOptions(config.Path).WithLogger(nil)

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %s: %w", config.Path, err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger store opened")
	return &BadgerDB{store: store, logger: logger, path: config.Path}, nil
}

// Store exposes the badgerhold store to the typed stores in this package.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close runs one value-log GC pass and closes the store. The audit log
// is append-heavy, and the GC keeps restarts from replaying a bloated
// value log; ErrNoRewrite means there was nothing to reclaim.
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	if err := b.store.Badger().RunValueLogGC(0.5); err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
		b.logger.Warn().Err(err).Str("path", b.path).Msg("Badger value-log GC failed")
	}
	return b.store.Close()
}
