package revision

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/metrics"
	"github.com/kilupskalvis/revindex/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ScriptCommit advances a branch head and records an optional merge
// source.
const ScriptCommit = "commit"

// ScriptFastForward replaces the segments and base of a branch after a
// fast-forward.
const ScriptFastForward = "fast-forward"

var branchScripts = map[string]string{
	ScriptCommit:      `params.mergeSource == nil ? {"headTimestamp": params.headTimestamp} : {"headTimestamp": params.headTimestamp, "mergeSources": push(doc.mergeSources, params.mergeSource)}`,
	ScriptFastForward: `{"segments": params.segments, "baseTimestamp": params.baseTimestamp, "headTimestamp": params.headTimestamp, "mergeSources": push(doc.mergeSources, params.mergeSource)}`,
}

// RegisterScripts adds the branch scripts used by commits and merges.
func RegisterScripts(r *index.ScriptRegistry) error {
	for name, src := range branchScripts {
		if err := r.Register(name, src); err != nil {
			return err
		}
	}
	return nil
}

type stagedDoc struct {
	mapping   Mapping
	id        string
	doc       index.Document
	old       index.Document
	container models.ObjectID
}

func (d *stagedDoc) objectID() models.ObjectID {
	return models.NewObjectID(d.mapping.Type, d.id)
}

// StagingArea collects the changes of one commit. A document staged for
// removal is never written, whatever else was staged for it.
type StagingArea struct {
	rix    *RevisionIndex
	branch string

	newDocs     map[models.ObjectID]*stagedDoc
	changedDocs map[models.ObjectID]*stagedDoc
	removedDocs map[models.ObjectID]*stagedDoc

	mergeSource *models.BranchPoint
	squash      bool

	// head the branch must still be at when the commit is written
	expectHead *int64

	// revisions of the merge source copied by this commit
	sourceRef  models.RevisionBranchRef
	sourceCopy map[string][]string
}

func newStagingArea(rix *RevisionIndex, branch string) *StagingArea {
	return &StagingArea{
		rix:         rix,
		branch:      branch,
		newDocs:     make(map[models.ObjectID]*stagedDoc),
		changedDocs: make(map[models.ObjectID]*stagedDoc),
		removedDocs: make(map[models.ObjectID]*stagedDoc),
		sourceCopy:  make(map[string][]string),
	}
}

// Branch returns the path the staging area commits to.
func (sa *StagingArea) Branch() string {
	return sa.branch
}

// StageNew stages a document that does not exist on the branch yet.
func (sa *StagingArea) StageNew(docType string, doc any) error {
	staged, err := sa.stage(docType, doc)
	if err != nil {
		return err
	}
	return sa.add(sa.newDocs, staged)
}

// StageChange stages a new version of an existing document. A change that
// leaves the content untouched is dropped.
func (sa *StagingArea) StageChange(docType string, oldDoc, newDoc any) error {
	staged, err := sa.stage(docType, newDoc)
	if err != nil {
		return err
	}
	old, err := index.ToDocument(oldDoc)
	if err != nil {
		return err
	}
	if id := old.String(models.FieldID); id != staged.id {
		return fmt.Errorf("change of %s from %q: %w", staged.objectID(), id, models.ErrBadRequest)
	}
	staged.old = maps.Clone(old)
	if key, ok := staged.doc.Int64(models.FieldStorageKey); !ok || key == 0 {
		if key, ok := old.Int64(models.FieldStorageKey); ok {
			staged.doc[models.FieldStorageKey] = key
		}
	}
	if staged.mapping.Kind == KindRevision {
		before, err := ContentHash(withoutVersion(old))
		if err != nil {
			return err
		}
		after, err := ContentHash(withoutVersion(staged.doc))
		if err != nil {
			return err
		}
		if before == after {
			return nil
		}
	}
	return sa.add(sa.changedDocs, staged)
}

// StageRemove stages the removal of a document.
func (sa *StagingArea) StageRemove(docType string, doc any) error {
	staged, err := sa.stage(docType, doc)
	if err != nil {
		return err
	}
	sa.removedDocs[staged.objectID()] = staged
	return nil
}

// IsEmpty reports whether nothing is staged.
func (sa *StagingArea) IsEmpty() bool {
	return len(sa.newDocs) == 0 && len(sa.changedDocs) == 0 && len(sa.removedDocs) == 0
}

// NewObjects, ChangedObjects and RemovedObjects list what is staged, sorted.
func (sa *StagingArea) NewObjects() []models.ObjectID     { return sortedIDs(sa.newDocs) }
func (sa *StagingArea) ChangedObjects() []models.ObjectID { return sortedIDs(sa.changedDocs) }
func (sa *StagingArea) RemovedObjects() []models.ObjectID { return sortedIDs(sa.removedDocs) }

// Staged returns the document staged as new or changed under oid.
func (sa *StagingArea) Staged(oid models.ObjectID) (index.Document, bool) {
	if d, ok := sa.newDocs[oid]; ok {
		return d.doc, true
	}
	if d, ok := sa.changedDocs[oid]; ok {
		return d.doc, true
	}
	return nil, false
}

// Unstage forgets everything staged for oid.
func (sa *StagingArea) Unstage(oid models.ObjectID) {
	delete(sa.newDocs, oid)
	delete(sa.changedDocs, oid)
	delete(sa.removedDocs, oid)
}

func sortedIDs(docs map[models.ObjectID]*stagedDoc) []models.ObjectID {
	ids := slices.Collect(maps.Keys(docs))
	slices.SortFunc(ids, func(a, b models.ObjectID) int {
		if a.Type != b.Type {
			if a.Type < b.Type {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return ids
}

func (sa *StagingArea) stage(docType string, v any) (*stagedDoc, error) {
	mapping, err := sa.rix.mappings.Get(docType)
	if err != nil {
		return nil, err
	}
	if mapping.Kind == KindNested {
		return nil, fmt.Errorf("stage nested type %s directly: %w", docType, models.ErrUnsupported)
	}
	doc, err := index.ToDocument(v)
	if err != nil {
		return nil, err
	}
	doc = maps.Clone(doc)
	id := doc.String(models.FieldID)
	if id == "" {
		return nil, fmt.Errorf("stage %s without id: %w", docType, models.ErrBadRequest)
	}
	return &stagedDoc{mapping: mapping, id: id, doc: doc, container: mapping.container(doc, v)}, nil
}

func (sa *StagingArea) add(set map[models.ObjectID]*stagedDoc, staged *stagedDoc) error {
	oid := staged.objectID()
	_, isNew := sa.newDocs[oid]
	_, isChanged := sa.changedDocs[oid]
	if isNew || isChanged {
		return fmt.Errorf("%s staged twice: %w", oid, models.ErrPrecondition)
	}
	set[oid] = staged
	return nil
}

func withoutVersion(doc index.Document) index.Document {
	out := maps.Clone(doc)
	delete(out, models.FieldCreated)
	delete(out, models.FieldRevised)
	delete(out, models.FieldHash)
	return out
}

// Commit writes everything staged to the branch at the current time.
func (sa *StagingArea) Commit(ctx context.Context, author, comment string) (*models.Commit, error) {
	return sa.commit(ctx, sa.rix.ids.New(), 0, author, comment)
}

// CommitAt writes everything staged with an explicit commit id and
// timestamp. The timestamp must lie after the branch head.
func (sa *StagingArea) CommitAt(ctx context.Context, commitID string, timestamp int64, author, comment string) (*models.Commit, error) {
	if timestamp <= 0 {
		return nil, fmt.Errorf("commit timestamp %d: %w", timestamp, models.ErrBadRequest)
	}
	return sa.commit(ctx, commitID, timestamp, author, comment)
}

func (sa *StagingArea) commit(ctx context.Context, commitID string, timestamp int64, author, comment string) (*models.Commit, error) {
	ctx, span := otel.Tracer("revindex").Start(ctx, "revision.StagingArea.Commit",
		trace.WithAttributes(
			attribute.String("branch", sa.branch),
			attribute.Int("new", len(sa.newDocs)),
			attribute.Int("changed", len(sa.changedDocs)),
			attribute.Int("removed", len(sa.removedDocs)),
		),
	)
	defer span.End()

	unlock, err := sa.rix.branching.registry.Locks().Lock(ctx, sa.branch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer unlock()

	commit, err := sa.commitLocked(ctx, commitID, timestamp, author, comment)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	sa.rix.branching.registry.Publish(ctx, BranchEvent{Kind: EventCommitted, Path: sa.branch})
	return commit, nil
}

// commitLocked expects the branch lock to be held.
func (sa *StagingArea) commitLocked(ctx context.Context, commitID string, timestamp int64, author, comment string) (*models.Commit, error) {
	for _, hook := range sa.rix.hooks {
		if err := hook(ctx, sa); err != nil {
			return nil, fmt.Errorf("pre-commit hook on %q: %w", sa.branch, err)
		}
	}

	branch, err := sa.rix.branching.active(ctx, sa.branch)
	if err != nil {
		return nil, err
	}
	if sa.expectHead != nil && branch.HeadTimestamp != *sa.expectHead {
		return nil, fmt.Errorf("branch %q moved to %d while merging: %w", branch.Path, branch.HeadTimestamp, models.ErrConflict)
	}
	active, ok := branch.ActiveSegment()
	if !ok {
		return nil, fmt.Errorf("branch %q has no open segment: %w", branch.Path, models.ErrPrecondition)
	}
	if timestamp == 0 {
		timestamp = sa.rix.clock.Now()
	}
	if timestamp < active.Start || timestamp <= branch.HeadTimestamp {
		return nil, fmt.Errorf("commit on %q at %d precedes its head %d: %w", branch.Path, timestamp, branch.HeadTimestamp, models.ErrPrecondition)
	}

	w := newWriter(sa.rix.ix, sa.rix.mappings, branch, timestamp)
	changes := newChangeSet()

	// removals first, so nothing written below is superseded by them
	for _, oid := range sa.RemovedObjects() {
		d := sa.removedDocs[oid]
		if err := w.Remove(oid.Type, d.id); err != nil {
			return nil, err
		}
		changes.removed(d)
	}
	for docType, ids := range sa.sourceCopy {
		w.ReviseOn(docType, sa.sourceRef, w.point, ids...)
	}
	for _, oid := range sa.NewObjects() {
		if _, removed := sa.removedDocs[oid]; removed {
			continue
		}
		d := sa.newDocs[oid]
		if _, err := w.Put(oid.Type, d.doc); err != nil {
			return nil, err
		}
		changes.added(d)
	}
	for _, oid := range sa.ChangedObjects() {
		if _, removed := sa.removedDocs[oid]; removed {
			continue
		}
		d := sa.changedDocs[oid]
		if d.mapping.Kind == KindRevision {
			w.Revise(oid.Type, d.id)
		}
		if _, err := w.Put(oid.Type, d.doc); err != nil {
			return nil, err
		}
		if err := changes.changed(d); err != nil {
			return nil, err
		}
	}

	commit := &models.Commit{
		ID:          commitID,
		Branch:      branch.Path,
		BranchID:    branch.ID,
		Author:      author,
		Comment:     comment,
		Timestamp:   timestamp,
		Details:     changes.details(),
		MergeSource: sa.mergeSource,
		Squash:      sa.squash,
	}
	if err := w.Index().Put(CommitType, commit.ID, commit); err != nil {
		return nil, err
	}
	for _, change := range changes.commitChanges(commit) {
		if err := w.Index().Put(CommitChangeType, change.Key(), change); err != nil {
			return nil, err
		}
	}
	params := map[string]any{"headTimestamp": timestamp}
	if sa.mergeSource != nil {
		params["mergeSource"] = *sa.mergeSource
	}
	w.Index().Update(BranchType, branch.Path, ScriptCommit, params)

	start := time.Now()
	if err := w.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s on %q: %w", commit.ID, branch.Path, err)
	}

	metrics.CommitsTotal.Inc()
	metrics.CommittedObjects.WithLabelValues("new").Add(float64(changes.count(models.DetailAdd)))
	metrics.CommittedObjects.WithLabelValues("changed").Add(float64(changes.count(models.DetailChange)))
	metrics.CommittedObjects.WithLabelValues("removed").Add(float64(changes.count(models.DetailRemove)))
	sa.rix.log.Info("committed",
		zap.String("branch", branch.Path),
		zap.String("commit", commit.ShortID()),
		zap.Int64("timestamp", timestamp),
		zap.Int("details", len(commit.Details)),
		zap.Duration("took", time.Since(start)))
	return commit, nil
}
