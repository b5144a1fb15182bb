package index

import "context"

// Backend is the embedded key/value engine the document index runs on.
// Documents are grouped by type and ordered by key within a type.
type Backend interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction. Nothing fn writes is
	// visible to other transactions unless fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is a backend transaction.
type Tx interface {
	// Get returns the stored value, or nil if the key does not exist.
	Get(docType, key string) ([]byte, error)
	Put(docType, key string, value []byte) error
	Delete(docType, key string) error
	// Scan visits the documents of docType with keys strictly greater than
	// after, in ascending key order, until fn returns false.
	Scan(docType, after string, fn func(key string, value []byte) (bool, error)) error
}
