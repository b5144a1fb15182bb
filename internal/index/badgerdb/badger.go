// Package badgerdb provides the badger backend of the document index.
// Documents are stored under "type\x00key" in one keyspace. Badger runs
// optimistic transactions, so read-modify-write updates such as appending to
// a revised list are retried when another writer committed first.
package badgerdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/kilupskalvis/revindex/internal/index"
	"go.uber.org/zap"
)

const keySeparator = 0

// Options configures the badger backend.
type Options struct {
	Dir      string
	InMemory bool
	Retry    *index.RetryConfig
	Logger   *zap.Logger
}

// Backend is a badger database.
type Backend struct {
	db    *badger.DB
	retry *index.RetryConfig
	log   *zap.Logger
}

// Open opens a badger database. With InMemory set, Dir is ignored.
func Open(opts Options) (*Backend, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(&badgerLogger{opts.Logger.Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Backend{db: db, retry: opts.Retry, log: opts.Logger}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// View runs fn in a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(tx index.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// Update runs fn in a read-write transaction and retries it from scratch when
// the commit loses a conflict against a concurrent writer.
func (b *Backend) Update(ctx context.Context, fn func(tx index.Tx) error) error {
	attempt := 0
	return index.Retry(ctx, b.retry, "badger update", isConflict, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			b.log.Debug("retrying badger transaction", zap.Int("attempt", attempt))
		}
		attempt++
		return b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
	})
}

func isConflict(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}

type badgerTx struct {
	txn *badger.Txn
}

func makeKey(docType, key string) []byte {
	out := make([]byte, 0, len(docType)+len(key)+1)
	out = append(out, docType...)
	out = append(out, keySeparator)
	return append(out, key...)
}

func (t *badgerTx) Get(docType, key string) ([]byte, error) {
	item, err := t.txn.Get(makeKey(docType, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTx) Put(docType, key string, value []byte) error {
	return t.txn.Set(makeKey(docType, key), value)
}

func (t *badgerTx) Delete(docType, key string) error {
	return t.txn.Delete(makeKey(docType, key))
}

func (t *badgerTx) Scan(docType, after string, fn func(key string, value []byte) (bool, error)) error {
	prefix := makeKey(docType, "")
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	start := prefix
	if after != "" {
		start = makeKey(docType, after)
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if after != "" && bytes.Equal(k, start) {
			continue
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(string(k[len(prefix):]), value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
