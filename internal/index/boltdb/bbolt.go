// Package boltdb provides the bbolt backend of the document index. Every
// document type lives in its own bucket inside a single database file.
package boltdb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/revindex/internal/index"
	bolt "go.etcd.io/bbolt"
)

// Backend is a bbolt database.
type Backend struct {
	db *bolt.DB
}

// Open opens or creates a bbolt database at the given path.
func Open(dbPath string) (*Backend, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Backend{db: db}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// View runs fn in a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(tx index.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a read-write transaction. bbolt serializes writers.
func (b *Backend) Update(ctx context.Context, fn func(tx index.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, writable: true})
	})
}

type boltTx struct {
	tx       *bolt.Tx
	writable bool
}

func (t *boltTx) bucket(docType string) (*bolt.Bucket, error) {
	name := []byte(docType)
	if !t.writable {
		return t.tx.Bucket(name), nil
	}
	bkt, err := t.tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", docType, err)
	}
	return bkt, nil
}

func (t *boltTx) Get(docType, key string) ([]byte, error) {
	bkt, err := t.bucket(docType)
	if err != nil || bkt == nil {
		return nil, err
	}
	return bkt.Get([]byte(key)), nil
}

func (t *boltTx) Put(docType, key string, value []byte) error {
	bkt, err := t.bucket(docType)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), value)
}

func (t *boltTx) Delete(docType, key string) error {
	bkt, err := t.bucket(docType)
	if err != nil {
		return err
	}
	return bkt.Delete([]byte(key))
}

func (t *boltTx) Scan(docType, after string, fn func(key string, value []byte) (bool, error)) error {
	bkt := t.tx.Bucket([]byte(docType))
	if bkt == nil {
		return nil
	}
	c := bkt.Cursor()
	var k, v []byte
	if after == "" {
		k, v = c.First()
	} else {
		k, v = c.Seek([]byte(after))
		if k != nil && bytes.Equal(k, []byte(after)) {
			k, v = c.Next()
		}
	}
	for ; k != nil; k, v = c.Next() {
		more, err := fn(string(k), v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
