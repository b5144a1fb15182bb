package revision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
)

type revise struct {
	docType string
	ids     []string
	ref     models.RevisionBranchRef
	address string
}

type put struct {
	docType string
	key     string
	doc     index.Document
}

// Writer writes revisions to one branch at one timestamp. Supersessions are
// applied before new revisions so a revision written in the same batch is
// never superseded by it.
type Writer struct {
	w        *index.Writer
	mappings *Mappings
	branch   *models.RevisionBranch
	point    models.BranchPoint

	revises []revise
	removes map[string][]string
	puts    []put
	written map[models.ObjectID]bool
}

func newWriter(ix *index.Index, mappings *Mappings, branch *models.RevisionBranch, timestamp int64) *Writer {
	return &Writer{
		w:        ix.Writer(),
		mappings: mappings,
		branch:   branch,
		point:    models.NewBranchPoint(branch.ID, timestamp),
		removes:  make(map[string][]string),
		written:  make(map[models.ObjectID]bool),
	}
}

// Address is the branch point address stamped on everything written.
func (w *Writer) Address() string {
	return w.point.Address()
}

// Put writes doc as a new revision, or overwrites a plain document, and
// returns its document key. Writing the same id twice fails.
func (w *Writer) Put(docType string, doc index.Document) (string, error) {
	mapping, err := w.mappings.Get(docType)
	if err != nil {
		return "", err
	}
	if mapping.Kind == KindNested {
		return "", fmt.Errorf("write nested type %s directly: %w", docType, models.ErrUnsupported)
	}
	id := doc.String(models.FieldID)
	if id == "" {
		return "", fmt.Errorf("%s without id: %w", docType, models.ErrBadRequest)
	}
	oid := models.NewObjectID(docType, id)
	if w.written[oid] {
		return "", fmt.Errorf("%s written twice in one batch: %w", oid, models.ErrPrecondition)
	}
	w.written[oid] = true

	if mapping.Kind == KindPlain {
		w.puts = append(w.puts, put{docType: docType, key: id, doc: doc})
		return id, nil
	}
	stamped, key, err := Stamp(docType, doc, w.Address())
	if err != nil {
		return "", err
	}
	w.puts = append(w.puts, put{docType: docType, key: key, doc: stamped})
	return key, nil
}

// Revise supersedes the revisions of ids visible on the branch.
func (w *Writer) Revise(docType string, ids ...string) {
	w.ReviseOn(docType, w.branch.Ref(), w.point, ids...)
}

// ReviseOn supersedes the revisions of ids visible on ref at point.
func (w *Writer) ReviseOn(docType string, ref models.RevisionBranchRef, point models.BranchPoint, ids ...string) {
	if len(ids) == 0 {
		return
	}
	w.revises = append(w.revises, revise{docType: docType, ids: ids, ref: ref, address: point.Address()})
}

// Remove deletes plain documents or supersedes revisions.
func (w *Writer) Remove(docType string, ids ...string) error {
	mapping, err := w.mappings.Get(docType)
	if err != nil {
		return err
	}
	switch mapping.Kind {
	case KindPlain:
		w.removes[docType] = append(w.removes[docType], ids...)
	case KindRevision:
		w.Revise(docType, ids...)
	default:
		return fmt.Errorf("remove nested type %s directly: %w", docType, models.ErrUnsupported)
	}
	return nil
}

// Index returns the underlying index writer for documents the revision
// layer does not version.
func (w *Writer) Index() *index.Writer {
	return w.w
}

// Commit applies everything in one index write.
func (w *Writer) Commit(ctx context.Context) error {
	for _, r := range w.revises {
		w.w.BulkUpdate(index.BulkUpdate{
			Type:   r.docType,
			Filter: index.And(index.AnyOf(models.FieldID, r.ids...), Visible(r.ref)),
			Script: index.ScriptRevise,
			Params: map[string]any{"address": r.address},
		})
	}
	for docType, ids := range w.removes {
		w.w.Remove(docType, ids...)
	}
	for _, p := range w.puts {
		if err := w.w.Put(p.docType, p.key, p.doc); err != nil {
			return err
		}
	}
	return w.w.Commit(ctx)
}

// Stamp returns a copy of doc carrying the versioning fields of a revision
// created at address, and the document key it is stored under.
func Stamp(docType string, doc index.Document, address string) (index.Document, string, error) {
	stamped := maps.Clone(doc)
	id := stamped.String(models.FieldID)
	if key, ok := stamped.Int64(models.FieldStorageKey); !ok || key == 0 {
		stamped[models.FieldStorageKey] = StorageKeyOf(docType, id)
	}
	delete(stamped, models.FieldRevised)
	stamped[models.FieldCreated] = address
	hash, err := ContentHash(stamped)
	if err != nil {
		return nil, "", err
	}
	stamped[models.FieldHash] = hash
	return stamped, RevisionKey(id, address), nil
}

// RevisionKey is the document key of a revision.
func RevisionKey(id, address string) string {
	return id + "@" + address
}

// StorageKeyOf derives the stable storage key of a logical document.
func StorageKeyOf(docType, id string) int64 {
	return int64(xxhash.Sum64String(models.ObjectKey(docType, id)) & math.MaxInt64)
}

// ContentHash hashes the content of doc, ignoring the versioning fields that
// change between revisions.
func ContentHash(doc index.Document) (string, error) {
	content := maps.Clone(doc)
	delete(content, models.FieldCreated)
	delete(content, models.FieldRevised)
	delete(content, models.FieldHash)
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", doc.String(models.FieldID), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
