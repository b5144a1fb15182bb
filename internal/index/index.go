// Package index is a small embedded document index. It stores JSON documents
// grouped by type on a pluggable key/value backend and offers the primitives
// the revision layer is built on: get by key, boolean queries over exact,
// any-of, range and prefix predicates, scrolled projection, named scripted
// updates and an atomic write-then-commit cycle.
package index

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/revindex/internal/models"
	"go.uber.org/zap"
)

// DefaultBatchSize is the page size used by Scroll when none is given.
const DefaultBatchSize = 1000

var errDocumentMissing = models.ErrNotFound

// Options configures an Index.
type Options struct {
	// Compress stores documents larger than CompressMinSize zstd compressed.
	Compress        bool
	CompressMinSize int
	BatchSize       int
	Scripts         *ScriptRegistry
	Logger          *zap.Logger
}

// Index is the document index facade over a Backend.
type Index struct {
	backend   Backend
	codec     *codec
	scripts   *ScriptRegistry
	batchSize int
	log       *zap.Logger
}

// New creates an index on top of an opened backend.
func New(backend Backend, opts Options) *Index {
	if opts.Scripts == nil {
		opts.Scripts = NewScriptRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Index{
		backend:   backend,
		codec:     newCodec(opts.Compress, opts.CompressMinSize),
		scripts:   opts.Scripts,
		batchSize: opts.BatchSize,
		log:       opts.Logger,
	}
}

// Scripts returns the script registry used by writers.
func (ix *Index) Scripts() *ScriptRegistry {
	return ix.scripts
}

// BatchSize is the configured scroll page size.
func (ix *Index) BatchSize() int {
	return ix.batchSize
}

// Read runs fn with a searcher over a consistent snapshot.
func (ix *Index) Read(ctx context.Context, fn func(s *Searcher) error) error {
	return ix.backend.View(ctx, func(tx Tx) error {
		return fn(&Searcher{tx: tx, codec: ix.codec})
	})
}

// Get loads a single document by key. It reports false if it does not exist.
func (ix *Index) Get(ctx context.Context, docType, key string, v any) (bool, error) {
	var found bool
	err := ix.Read(ctx, func(s *Searcher) error {
		var err error
		found, err = s.Get(docType, key, v)
		return err
	})
	return found, err
}

// Writer returns an empty write batch.
func (ix *Index) Writer() *Writer {
	return &Writer{ix: ix}
}

// Write runs fn with a fresh writer and commits it if fn succeeds.
func (ix *Index) Write(ctx context.Context, fn func(w *Writer) error) error {
	w := ix.Writer()
	if err := fn(w); err != nil {
		return err
	}
	return w.Commit(ctx)
}

// Close closes the backend.
func (ix *Index) Close() error {
	if err := ix.backend.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}
