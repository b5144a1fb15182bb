// Package sqlitedb provides the SQLite backend of the document index, using
// the pure Go modernc driver. The schema is managed with golang-migrate from
// embedded SQL files.
package sqlitedb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/kilupskalvis/revindex/internal/index"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Backend is a SQLite database holding all documents in one table.
type Backend struct {
	db *sql.DB
}

// Open opens the database at dbPath and migrates it to the latest schema.
func Open(dbPath string) (*Backend, error) {
	dsn := dbPath
	if dbPath != MemoryPath {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writers serialized and an in-memory database shared.
	db.SetMaxOpenConns(1)

	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

// MigrateUp runs all pending migrations to bring database to latest version.
func MigrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// m is not closed, that would close the caller's connection
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (b *Backend) Close() error {
	return b.db.Close()
}

// View runs fn in a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(tx index.Tx) error) error {
	return b.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

// Update runs fn in a read-write transaction.
func (b *Backend) Update(ctx context.Context, fn func(tx index.Tx) error) error {
	return b.run(ctx, nil, fn)
}

func (b *Backend) run(ctx context.Context, opts *sql.TxOptions, fn func(tx index.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(docType, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM documents WHERE doc_type = ? AND doc_key = ?`, docType, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}
	return value, nil
}

func (t *sqliteTx) Put(docType, key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO documents (doc_type, doc_key, value) VALUES (?, ?, ?)
		 ON CONFLICT (doc_type, doc_key) DO UPDATE SET value = excluded.value`, docType, key, value)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (t *sqliteTx) Delete(docType, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE doc_type = ? AND doc_key = ?`, docType, key)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (t *sqliteTx) Scan(docType, after string, fn func(key string, value []byte) (bool, error)) error {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT doc_key, value FROM documents WHERE doc_type = ? AND doc_key > ? ORDER BY doc_key`, docType, after)
	if err != nil {
		return fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		more, err := fn(key, value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return rows.Err()
}
