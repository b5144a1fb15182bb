package index

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

type opKind int

const (
	opPut opKind = iota
	opDelete
	opUpdate
	opBulkUpdate
)

type writeOp struct {
	kind    opKind
	docType string
	key     string
	value   []byte
	filter  Expression
	script  string
	params  map[string]any
}

// BulkUpdate runs a named script against every document of Type matching
// Filter.
type BulkUpdate struct {
	Type   string
	Filter Expression
	Script string
	Params map[string]any
}

// Writer buffers writes until Commit applies them in one backend transaction.
// A writer that is dropped without Commit leaves no trace.
type Writer struct {
	ix  *Index
	ops []writeOp
}

// Put stores doc under key, replacing any previous document.
func (w *Writer) Put(docType, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", docType, key, err)
	}
	w.ops = append(w.ops, writeOp{kind: opPut, docType: docType, key: key, value: w.ix.codec.encode(data)})
	return nil
}

// Remove deletes documents by key.
func (w *Writer) Remove(docType string, keys ...string) {
	for _, key := range keys {
		w.ops = append(w.ops, writeOp{kind: opDelete, docType: docType, key: key})
	}
}

// Update runs a named script against a single document.
func (w *Writer) Update(docType, key, script string, params map[string]any) {
	w.ops = append(w.ops, writeOp{kind: opUpdate, docType: docType, key: key, script: script, params: params})
}

// BulkUpdate queues a scripted update over every matching document. The
// filter is evaluated at commit time, after the operations queued before it.
func (w *Writer) BulkUpdate(u BulkUpdate) {
	w.ops = append(w.ops, writeOp{kind: opBulkUpdate, docType: u.Type, filter: u.Filter, script: u.Script, params: u.Params})
}

// Pending returns the number of buffered operations.
func (w *Writer) Pending() int {
	return len(w.ops)
}

// Commit applies every buffered operation atomically.
func (w *Writer) Commit(ctx context.Context) error {
	if len(w.ops) == 0 {
		return nil
	}
	ops := w.ops
	w.ops = nil

	for _, op := range ops {
		if (op.kind == opUpdate || op.kind == opBulkUpdate) && !w.ix.scripts.Has(op.script) {
			return fmt.Errorf("commit: script %s: not registered", op.script)
		}
	}

	updated := 0
	err := w.ix.backend.Update(ctx, func(tx Tx) error {
		updated = 0
		for _, op := range ops {
			n, err := w.apply(tx, op)
			if err != nil {
				return err
			}
			updated += n
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.ix.log.Debug("index commit", zap.Int("operations", len(ops)), zap.Int("scripted", updated))
	return nil
}

func (w *Writer) apply(tx Tx, op writeOp) (int, error) {
	switch op.kind {
	case opPut:
		return 0, tx.Put(op.docType, op.key, op.value)
	case opDelete:
		return 0, tx.Delete(op.docType, op.key)
	case opUpdate:
		value, err := tx.Get(op.docType, op.key)
		if err != nil {
			return 0, err
		}
		if value == nil {
			return 0, fmt.Errorf("update %s/%s: %w", op.docType, op.key, errDocumentMissing)
		}
		return 1, w.runScript(tx, op, op.key, value)
	case opBulkUpdate:
		// Collect first, backends may not allow writes while a cursor is open.
		type match struct {
			key   string
			value []byte
		}
		var matches []match
		err := tx.Scan(op.docType, "", func(key string, value []byte) (bool, error) {
			data, err := w.ix.codec.decode(value)
			if err != nil {
				return false, err
			}
			doc, err := ParseDocument(data)
			if err != nil {
				return false, err
			}
			if op.filter == nil || op.filter.Match(doc) {
				matches = append(matches, match{key: key, value: append([]byte(nil), value...)})
			}
			return true, nil
		})
		if err != nil {
			return 0, fmt.Errorf("bulk update %s: %w", op.docType, err)
		}
		for _, m := range matches {
			if err := w.runScript(tx, op, m.key, m.value); err != nil {
				return 0, err
			}
		}
		return len(matches), nil
	}
	return 0, fmt.Errorf("unknown write operation %d", op.kind)
}

func (w *Writer) runScript(tx Tx, op writeOp, key string, value []byte) error {
	data, err := w.ix.codec.decode(value)
	if err != nil {
		return err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	updated, err := w.ix.scripts.Apply(op.script, doc, op.params)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", op.docType, key, err)
	}
	out, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", op.docType, key, err)
	}
	return tx.Put(op.docType, key, w.ix.codec.encode(out))
}
