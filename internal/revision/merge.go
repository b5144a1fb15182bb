package revision

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/metrics"
	"github.com/kilupskalvis/revindex/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// mergeLimit lifts the compare cap: a merge needs every difference.
const mergeLimit = math.MaxInt

// MergeRequest describes a merge of From into To.
type MergeRequest struct {
	From      string
	To        string
	Message   string
	Author    string
	Processor ConflictProcessor // DefaultConflictProcessor when nil
	// Squash forces a merge commit even when To could fast-forward.
	Squash bool
}

// Merge folds the changes of req.From into req.To. It returns a nil result
// when From holds nothing To has not seen.
func (r *RevisionIndex) Merge(ctx context.Context, req MergeRequest) (*models.MergeResult, error) {
	return r.merge(ctx, req, false)
}

// Rebase brings the changes of the parent onto the branch at path. Unlike
// Merge it always moves the branch: with nothing to apply it records an
// empty commit.
func (r *RevisionIndex) Rebase(ctx context.Context, path, message, author string, processor ConflictProcessor) (*models.MergeResult, error) {
	branch, err := r.branching.active(ctx, path)
	if err != nil {
		return nil, err
	}
	if branch.IsMain() {
		return nil, fmt.Errorf("rebase %s: %w", models.MainPath, models.ErrBadRequest)
	}
	return r.merge(ctx, MergeRequest{
		From:      branch.ParentPath,
		To:        branch.Path,
		Message:   message,
		Author:    author,
		Processor: processor,
	}, true)
}

func (r *RevisionIndex) merge(ctx context.Context, req MergeRequest, rebase bool) (*models.MergeResult, error) {
	if req.From == req.To {
		return nil, fmt.Errorf("merge %q into itself: %w", req.From, models.ErrBadRequest)
	}
	if req.Processor == nil {
		req.Processor = DefaultConflictProcessor{}
	}
	ctx, span := otel.Tracer("revindex").Start(ctx, "revision.Merge",
		trace.WithAttributes(
			attribute.String("from", req.From),
			attribute.String("to", req.To),
			attribute.Bool("squash", req.Squash),
			attribute.Bool("rebase", rebase),
		),
	)
	defer span.End()

	result, err := r.doMerge(ctx, req, rebase)
	if err != nil {
		var conflict *models.MergeConflictError
		if errors.As(err, &conflict) {
			metrics.MergesTotal.WithLabelValues("conflict").Inc()
			r.log.Info("merge conflicts",
				zap.String("from", req.From),
				zap.String("to", req.To),
				zap.Int("conflicts", len(conflict.Conflicts)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (r *RevisionIndex) doMerge(ctx context.Context, req MergeRequest, rebase bool) (*models.MergeResult, error) {
	// Step 1: Resolve both branches
	from, err := r.branching.Get(ctx, req.From)
	if err != nil {
		return nil, err
	}
	to, err := r.branching.active(ctx, req.To)
	if err != nil {
		return nil, err
	}

	// Step 2: Nothing to do when from has no unseen changes
	state, err := r.branching.state(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !rebase && (state == models.BranchUpToDate || state == models.BranchBehind) {
		metrics.MergesTotal.WithLabelValues("noop").Inc()
		r.log.Debug("nothing to merge",
			zap.String("from", from.Path),
			zap.String("to", to.Path),
			zap.String("state", string(state)))
		return nil, nil
	}

	// Step 3: Fast-forward when to has nothing of its own and is older
	candidate := from.HeadTimestamp
	toUnchanged := state == models.BranchForward || state == models.BranchUpToDate
	if !req.Squash && toUnchanged && to.HeadTimestamp < candidate {
		return r.fastForward(ctx, from, to, candidate)
	}

	// Step 4: Fold everything into one commit on to
	return r.squashMerge(ctx, req, from, to)
}

// fastForward makes to adopt the part of from's lineage it lacks, up to and
// including candidate. No commit is written. When from is to's parent the
// fork point moves to candidate, so to's base covers the adopted content.
func (r *RevisionIndex) fastForward(ctx context.Context, from, to *models.RevisionBranch, candidate int64) (*models.MergeResult, error) {
	unlock, err := r.branching.registry.Locks().Lock(ctx, to.Path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.branching.active(ctx, to.Path)
	if err != nil {
		return nil, err
	}
	if current.HeadTimestamp != to.HeadTimestamp {
		return nil, fmt.Errorf("branch %q moved to %d while merging: %w", to.Path, current.HeadTimestamp, models.ErrConflict)
	}

	var adopted []models.RevisionSegment
	for _, seg := range from.Ref().Difference(current.Ref()).Segments {
		seg.End = min(seg.End, candidate+1)
		if !seg.IsEmpty() {
			adopted = append(adopted, seg)
		}
	}
	segments := current.Ref().With(adopted...).Segments
	base := current.BaseTimestamp
	if current.ParentPath == from.Path {
		base = candidate + 1
	}

	err = r.ix.Write(ctx, func(w *index.Writer) error {
		w.Update(BranchType, current.Path, ScriptFastForward, map[string]any{
			"segments":      segments,
			"baseTimestamp": base,
			"headTimestamp": candidate,
			"mergeSource":   models.NewBranchPoint(from.ID, candidate),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fast-forward %q to %q: %w", current.Path, from.Path, err)
	}

	metrics.MergesTotal.WithLabelValues("fast_forward").Inc()
	r.log.Info("fast-forwarded",
		zap.String("from", from.Path),
		zap.String("to", current.Path),
		zap.Int64("head", candidate),
		zap.Int64("base", base),
		zap.Stringers("adopted", adopted))
	r.branching.registry.Publish(ctx, BranchEvent{Kind: EventUpdated, Path: current.Path})
	return &models.MergeResult{FastForward: true, Timestamp: candidate}, nil
}

// squashMerge stages from's changes since the two branches diverged on to
// and commits them at the current time.
func (r *RevisionIndex) squashMerge(ctx context.Context, req MergeRequest, from, to *models.RevisionBranch) (*models.MergeResult, error) {
	fromRef, toRef := from.Ref(), to.Ref()

	source, err := r.changesBetween(ctx, toRef, fromRef)
	if err != nil {
		return nil, fmt.Errorf("changes of %q: %w", from.Path, err)
	}
	target, err := r.changesBetween(ctx, fromRef, toRef)
	if err != nil {
		return nil, fmt.Errorf("changes of %q: %w", to.Path, err)
	}

	staging := newStagingArea(r, to.Path)
	point := from.Point()
	head := to.HeadTimestamp
	staging.mergeSource = &point
	staging.squash = true
	staging.expectHead = &head
	staging.sourceRef = fromRef

	m := &merger{
		rix:       r,
		processor: req.Processor,
		staging:   staging,
		source:    source,
		target:    target,
		ancestor:  toRef.Intersection(fromRef),
		toRef:     toRef,
		result:    &models.MergeResult{},
	}
	for _, docType := range r.mappings.RevisionTypes() {
		if err := m.mergeType(ctx, docType); err != nil {
			return nil, fmt.Errorf("merge %s: %w", docType, err)
		}
	}
	if len(m.conflicts) > 0 {
		return nil, &models.MergeConflictError{From: from.Path, To: to.Path, Conflicts: m.conflicts}
	}
	if err := req.Processor.PostProcess(ctx, staging); err != nil {
		return nil, fmt.Errorf("post-process merge of %q into %q: %w", from.Path, to.Path, err)
	}

	commit, err := staging.Commit(ctx, req.Author, req.Message)
	if err != nil {
		return nil, err
	}
	m.result.Commit = commit
	m.result.Timestamp = commit.Timestamp

	metrics.MergesTotal.WithLabelValues("squash").Inc()
	r.log.Info("merged",
		zap.String("from", from.Path),
		zap.String("to", to.Path),
		zap.String("commit", commit.ShortID()),
		zap.Int("added", m.result.ObjectsAdded),
		zap.Int("changed", m.result.ObjectsChanged),
		zap.Int("removed", m.result.ObjectsRemoved),
		zap.Int("dropped", m.result.Dropped))
	return m.result, nil
}

// typeChanges holds one side's changes of one type, keyed by id.
type typeChanges struct {
	added, changed, removed map[string]index.Document
}

// sideChanges holds one side's changes since the branches diverged.
type sideChanges struct {
	types map[string]*typeChanges
}

func (c *sideChanges) of(docType string) *typeChanges {
	if tc, ok := c.types[docType]; ok {
		return tc
	}
	return &typeChanges{}
}

// isRemoved reports whether the side removed the object.
func (c *sideChanges) isRemoved(oid models.ObjectID) bool {
	_, ok := c.of(oid.Type).removed[oid.ID]
	return ok
}

// changesBetween loads what compare holds that base does not. Added and
// changed documents come from compare, removed ones from base.
func (r *RevisionIndex) changesBetween(ctx context.Context, base, compare models.RevisionBranchRef) (*sideChanges, error) {
	diff, err := r.compareRefs(ctx, base, compare, mergeLimit)
	if err != nil {
		return nil, err
	}
	changes := &sideChanges{types: make(map[string]*typeChanges)}
	for _, docType := range diff.Types() {
		tc := &typeChanges{}
		q := index.Select(docType)
		if tc.added, err = byID(diff.SearchNew(ctx, q)); err != nil {
			return nil, err
		}
		if tc.changed, err = byID(diff.SearchChanged(ctx, q)); err != nil {
			return nil, err
		}
		if tc.removed, err = byID(diff.SearchDeleted(ctx, q)); err != nil {
			return nil, err
		}
		changes.types[docType] = tc
	}
	return changes, nil
}

func byID(hits *index.Hits, err error) (map[string]index.Document, error) {
	if err != nil {
		return nil, err
	}
	docs := make(map[string]index.Document, len(hits.Items))
	for _, hit := range hits.Items {
		doc, err := hit.Document()
		if err != nil {
			return nil, err
		}
		docs[doc.String(models.FieldID)] = doc
	}
	return docs, nil
}

// merger stages the source side's changes on the target and collects the
// conflicts it runs into.
type merger struct {
	rix       *RevisionIndex
	processor ConflictProcessor
	staging   *StagingArea
	source    *sideChanges
	target    *sideChanges
	ancestor  models.RevisionBranchRef
	toRef     models.RevisionBranchRef
	result    *models.MergeResult
	conflicts []*models.MergeConflict
}

func (m *merger) conflict(c *models.MergeConflict) {
	m.conflicts = append(m.conflicts, m.processor.ConvertConflict(c))
}

// copied records that the source revision of id is taken over by the merge
// commit. kept is the target revision when the commit leaves it in place; if
// the source lineage already supersedes it, superseding the source revision
// as well would hide both once the lineages are joined.
func (m *merger) copied(docType, id string, kept index.Document) {
	if kept != nil && supersededIn(kept, m.staging.sourceRef) {
		return
	}
	m.staging.sourceCopy[docType] = append(m.staging.sourceCopy[docType], id)
}

func supersededIn(doc index.Document, ref models.RevisionBranchRef) bool {
	for _, v := range doc.Values(models.FieldRevised) {
		addr, _ := v.(string)
		p, err := models.ParseAddress(addr)
		if err == nil && ref.Contains(p) {
			return true
		}
	}
	return false
}

func (m *merger) mergeType(ctx context.Context, docType string) error {
	mapping, err := m.rix.mappings.Get(docType)
	if err != nil {
		return err
	}
	source, target := m.source.of(docType), m.target.of(docType)

	// added on the source
	for _, id := range slices.Sorted(maps.Keys(source.added)) {
		doc := source.added[id]
		oid := models.NewObjectID(docType, id)
		if theirs, ok := target.added[id]; ok {
			if theirs.String(models.FieldHash) != doc.String(models.FieldHash) {
				m.conflict(&models.MergeConflict{Type: models.ConflictAddAdd, Object: oid})
				continue
			}
			m.copied(docType, id, theirs)
			continue
		}
		if container := mapping.container(doc, doc); m.target.isRemoved(container) {
			m.conflict(&models.MergeConflict{
				Type:    models.ConflictAddDetached,
				Object:  oid,
				Message: fmt.Sprintf("%s added under %s which the target removed", oid, container),
			})
			continue
		}
		if err := m.staging.StageNew(docType, doc); err != nil {
			return err
		}
		m.copied(docType, id, nil)
		m.result.ObjectsAdded++
	}

	// added on the target under a container the source removed
	for _, id := range slices.Sorted(maps.Keys(target.added)) {
		doc := target.added[id]
		if container := mapping.container(doc, doc); m.source.isRemoved(container) {
			oid := models.NewObjectID(docType, id)
			m.conflict(&models.MergeConflict{
				Type:    models.ConflictDetachedAdd,
				Object:  oid,
				Message: fmt.Sprintf("%s added under %s which the source removed", oid, container),
			})
		}
	}

	// changed on the source
	if err := m.mergeChanged(ctx, mapping, source, target); err != nil {
		return err
	}

	// removed on the source; a target change does not keep it alive
	for _, id := range slices.Sorted(maps.Keys(source.removed)) {
		if _, gone := target.removed[id]; gone {
			continue
		}
		if err := m.staging.StageRemove(docType, source.removed[id]); err != nil {
			return err
		}
		m.result.ObjectsRemoved++
	}
	return nil
}

func (m *merger) mergeChanged(ctx context.Context, mapping Mapping, source, target *typeChanges) error {
	if len(source.changed) == 0 {
		return nil
	}
	docType := mapping.Type
	ids := slices.Sorted(maps.Keys(source.changed))

	var both []string
	for _, id := range ids {
		if _, ok := target.changed[id]; ok {
			both = append(both, id)
		}
	}
	var current, ancestors map[string]index.Document
	err := m.rix.readRef(ctx, m.toRef, func(s *Searcher) error {
		var err error
		current, err = s.GetDocuments(docType, ids...)
		return err
	})
	if err != nil {
		return err
	}
	err = m.rix.readRef(ctx, m.ancestor, func(s *Searcher) error {
		var err error
		ancestors, err = s.GetDocuments(docType, both...)
		return err
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		doc := source.changed[id]
		oid := models.NewObjectID(docType, id)

		if _, detached := target.removed[id]; detached {
			c := m.processor.ChangedInSourceDetachedInTarget(oid, doc)
			if c == nil {
				m.result.Dropped++
				continue
			}
			if c.Type == "" {
				c.Type = models.ConflictModifyDetached
			}
			m.conflict(c)
			continue
		}

		theirs, ok := current[id]
		if !ok {
			if err := m.staging.StageNew(docType, doc); err != nil {
				return err
			}
			m.copied(docType, id, nil)
			m.result.ObjectsAdded++
			continue
		}

		merged := doc
		if _, changedOnBoth := target.changed[id]; changedOnBoth {
			var resolved bool
			merged, resolved, err = m.mergeProperties(oid, ancestors[id], doc, theirs)
			if err != nil {
				return err
			}
			if !resolved {
				continue
			}
		}
		if err := m.staging.StageChange(docType, theirs, merged); err != nil {
			return err
		}
		if _, staged := m.staging.changedDocs[oid]; staged {
			m.copied(docType, id, nil)
			m.result.ObjectsChanged++
		} else {
			m.copied(docType, id, theirs)
		}
	}
	return nil
}

// mergeProperties applies the source's property changes on top of the
// target version. Properties both sides changed go through the processor.
func (m *merger) mergeProperties(oid models.ObjectID, ancestor, source, target index.Document) (index.Document, bool, error) {
	if ancestor == nil {
		ancestor = index.Document{}
	}
	ours, err := mergePatch(withoutVersion(ancestor), withoutVersion(source))
	if err != nil {
		return nil, false, err
	}
	theirs, err := mergePatch(withoutVersion(ancestor), withoutVersion(target))
	if err != nil {
		return nil, false, err
	}

	resolved := true
	for _, prop := range slices.Sorted(maps.Keys(ours)) {
		if _, changed := theirs[prop]; !changed {
			continue
		}
		value, c := m.processor.ChangedInSourceAndTarget(oid, prop, source[prop], target[prop])
		if c != nil {
			if c.SourceValue == "" {
				c.SourceValue = m.processor.ConvertPropertyValue(prop, source[prop])
			}
			if c.TargetValue == "" {
				c.TargetValue = m.processor.ConvertPropertyValue(prop, target[prop])
			}
			m.conflict(c)
			resolved = false
			continue
		}
		ours[prop] = value
		m.result.ResolvedConflicts++
	}
	if !resolved {
		return nil, false, nil
	}
	merged, err := applyPatch(target, ours)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}
