// Package engine opens the index backend selected by configuration.
package engine

import (
	"fmt"

	"github.com/kilupskalvis/revindex/internal/config"
	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/index/badgerdb"
	"github.com/kilupskalvis/revindex/internal/index/boltdb"
	"github.com/kilupskalvis/revindex/internal/index/sqlitedb"
	"go.uber.org/zap"
)

// OpenBackend creates a Backend implementation based on the configured type.
// path is the resolved location of the index data.
func OpenBackend(cfg config.IndexConfig, path string, logger *zap.Logger) (index.Backend, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		return boltdb.Open(path)
	case config.BackendBadger:
		return badgerdb.Open(badgerdb.Options{Dir: path, Logger: logger})
	case config.BackendSQLite:
		return sqlitedb.Open(path)
	case config.BackendMemory:
		return badgerdb.Open(badgerdb.Options{InMemory: true, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Backend)
	}
}

// Open opens the configured backend and wraps it in an Index.
func Open(cfg *config.Config, scripts *index.ScriptRegistry, logger *zap.Logger) (*index.Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := OpenBackend(cfg.Index, cfg.IndexPath(), logger)
	if err != nil {
		return nil, err
	}
	return index.New(backend, index.Options{
		Compress:  cfg.Index.Compress,
		BatchSize: cfg.Index.BatchSize,
		Scripts:   scripts,
		Logger:    logger.Named("index"),
	}), nil
}
