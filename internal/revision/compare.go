package revision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/metrics"
	"github.com/kilupskalvis/revindex/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// compareWorkers bounds the number of types compared at once.
const compareWorkers = 4

var errLimitReached = errors.New("compare limit reached")

// Totals counts the differences of one type. Totals are exact even when the
// key sets are capped.
type Totals struct {
	New     int `json:"new"`
	Changed int `json:"changed"`
	Deleted int `json:"deleted"`
}

// IsEmpty reports whether nothing differs.
func (t Totals) IsEmpty() bool {
	return t.New == 0 && t.Changed == 0 && t.Deleted == 0
}

type typeDiff struct {
	totals                            Totals
	newKeys, changedKeys, deletedKeys []int64
}

// Compare is the difference between a base ref and a compare ref, keyed by
// storage key. New and changed revisions are read from the compare ref,
// deleted ones from the base ref.
type Compare struct {
	rix        *RevisionIndex
	BaseRef    models.RevisionBranchRef
	CompareRef models.RevisionBranchRef
	Limit      int

	mu    sync.Mutex
	types map[string]*typeDiff
}

// Types returns the compared types with at least one difference.
func (c *Compare) Types() []string {
	var types []string
	for _, t := range c.rix.mappings.RevisionTypes() {
		if d, ok := c.types[t]; ok && !d.totals.IsEmpty() {
			types = append(types, t)
		}
	}
	return types
}

// Totals returns the exact counts for docType.
func (c *Compare) Totals(docType string) Totals {
	if d, ok := c.types[docType]; ok {
		return d.totals
	}
	return Totals{}
}

// NewKeys returns up to Limit storage keys of revisions new on the compare
// side.
func (c *Compare) NewKeys(docType string) []int64 {
	if d, ok := c.types[docType]; ok {
		return d.newKeys
	}
	return nil
}

// ChangedKeys returns up to Limit storage keys of changed revisions.
func (c *Compare) ChangedKeys(docType string) []int64 {
	if d, ok := c.types[docType]; ok {
		return d.changedKeys
	}
	return nil
}

// DeletedKeys returns up to Limit storage keys of revisions deleted on the
// compare side.
func (c *Compare) DeletedKeys(docType string) []int64 {
	if d, ok := c.types[docType]; ok {
		return d.deletedKeys
	}
	return nil
}

// IsEmpty reports whether the two refs hold the same content.
func (c *Compare) IsEmpty() bool {
	for _, d := range c.types {
		if !d.totals.IsEmpty() {
			return false
		}
	}
	return true
}

// SearchNew runs q against the compare ref, restricted to new revisions.
func (c *Compare) SearchNew(ctx context.Context, q index.Query) (*index.Hits, error) {
	return c.search(ctx, c.CompareRef, q, c.NewKeys(q.Type))
}

// SearchChanged runs q against the compare ref, restricted to changed
// revisions.
func (c *Compare) SearchChanged(ctx context.Context, q index.Query) (*index.Hits, error) {
	return c.search(ctx, c.CompareRef, q, c.ChangedKeys(q.Type))
}

// SearchDeleted runs q against the base ref, restricted to deleted
// revisions.
func (c *Compare) SearchDeleted(ctx context.Context, q index.Query) (*index.Hits, error) {
	return c.search(ctx, c.BaseRef, q, c.DeletedKeys(q.Type))
}

func (c *Compare) search(ctx context.Context, ref models.RevisionBranchRef, q index.Query, keys []int64) (*index.Hits, error) {
	if len(keys) == 0 {
		return &index.Hits{}, nil
	}
	var hits *index.Hits
	err := c.rix.readRef(ctx, ref, func(s *Searcher) error {
		var err error
		hits, err = s.Search(q.And(index.AnyOf(models.FieldStorageKey, keys...)))
		return err
	})
	return hits, err
}

// Compare compares a branch with its parent, or the root branch with
// nothing, using the default limit.
func (r *RevisionIndex) Compare(ctx context.Context, branch string) (*Compare, error) {
	return r.CompareWithLimit(ctx, branch, r.compareLimit)
}

// CompareWithLimit compares a branch with its parent.
func (r *RevisionIndex) CompareWithLimit(ctx context.Context, branch string, limit int) (*Compare, error) {
	b, err := r.branching.Get(ctx, branch)
	if err != nil {
		return nil, err
	}
	base := b.BaseRef()
	if !b.IsMain() {
		parent, err := r.branching.Get(ctx, b.ParentPath)
		if err != nil {
			return nil, err
		}
		base = parent.Ref()
	}
	return r.compareRefs(ctx, base, b.Ref(), limit)
}

// CompareBranches compares two branch path expressions with the default
// limit.
func (r *RevisionIndex) CompareBranches(ctx context.Context, base, compare string) (*Compare, error) {
	return r.CompareBranchesWithLimit(ctx, base, compare, r.compareLimit)
}

// CompareBranchesWithLimit compares two branch path expressions.
func (r *RevisionIndex) CompareBranchesWithLimit(ctx context.Context, base, compare string, limit int) (*Compare, error) {
	baseRef, err := r.Ref(ctx, base)
	if err != nil {
		return nil, err
	}
	compareRef, err := r.Ref(ctx, compare)
	if err != nil {
		return nil, err
	}
	return r.compareRefs(ctx, baseRef, compareRef, limit)
}

// compareRefs computes what compare holds that base does not. Content from
// the common ancestry is skipped: only revisions created on the compare
// side since the two diverged are scanned.
func (r *RevisionIndex) compareRefs(ctx context.Context, base, compare models.RevisionBranchRef, limit int) (*Compare, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("compare limit %d: %w", limit, models.ErrBadRequest)
	}
	ctx, span := otel.Tracer("revindex").Start(ctx, "revision.Compare",
		trace.WithAttributes(
			attribute.String("base", base.Path),
			attribute.String("compare", compare.Path),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { metrics.CompareDuration.Observe(time.Since(start).Seconds()) }()

	shared := base.Intersection(compare)
	rest := compare.Difference(shared)
	if last, ok := shared.Last(); ok && last.BranchID == compare.BranchID && !last.IsOpen() {
		rest = rest.With(models.OpenSegment(last.BranchID, last.End))
	}

	result := &Compare{rix: r, BaseRef: base, CompareRef: compare, Limit: limit, types: make(map[string]*typeDiff)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(compareWorkers)
	for _, docType := range r.mappings.RevisionTypes() {
		g.Go(func() error {
			diff, err := r.compareType(gctx, docType, compare, shared, rest, limit)
			if err != nil {
				return fmt.Errorf("compare %s: %w", docType, err)
			}
			result.mu.Lock()
			result.types[docType] = diff
			result.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.log.Debug("compared",
		zap.String("base", base.Path),
		zap.String("compare", compare.Path),
		zap.Stringers("rest", rest.Segments),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

// compareType scans the revisions created in rest that are still visible on
// compare. Revisions superseded through lineage compare adopted by a merge
// are not differences.
func (r *RevisionIndex) compareType(ctx context.Context, docType string, compare, shared, rest models.RevisionBranchRef, limit int) (*typeDiff, error) {
	diff := &typeDiff{}
	keep := func(keys *[]int64, key int64) {
		if len(*keys) < limit {
			*keys = append(*keys, key)
		}
	}
	batchSize := r.ix.BatchSize()

	err := r.ix.Read(ctx, func(s *index.Searcher) error {
		added := index.Select(docType).Filter(index.And(CreatedIn(rest), Visible(compare))).Project(models.FieldStorageKey, models.FieldHash)
		err := s.Scroll(added, batchSize, func(hits *index.Hits) error {
			hashes, order, err := storageKeys(hits)
			if err != nil {
				return err
			}
			replaced := index.Select(docType).
				Filter(index.And(index.AnyOf(models.FieldStorageKey, order...), Visible(shared), RevisedIn(rest))).
				Project(models.FieldStorageKey, models.FieldHash)
			err = s.Scroll(replaced, batchSize, func(prev *index.Hits) error {
				prevHashes, prevOrder, err := storageKeys(prev)
				if err != nil {
					return err
				}
				for _, key := range prevOrder {
					hash, ok := hashes[key]
					if !ok {
						continue
					}
					if hash != prevHashes[key] {
						diff.totals.Changed++
						keep(&diff.changedKeys, key)
					}
					delete(hashes, key)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, key := range order {
				if _, ok := hashes[key]; ok {
					diff.totals.New++
					keep(&diff.newKeys, key)
					delete(hashes, key)
				}
			}
			if diff.totals.New > limit && diff.totals.Changed > limit {
				return errLimitReached
			}
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, errLimitReached) {
			return err
		}

		candidates := index.Select(docType).Filter(index.And(Visible(shared), RevisedIn(rest))).Project(models.FieldStorageKey)
		err = s.Scroll(candidates, batchSize, func(hits *index.Hits) error {
			gone, order, err := storageKeys(hits)
			if err != nil {
				return err
			}
			resolved := index.Select(docType).
				Filter(index.And(index.AnyOf(models.FieldStorageKey, order...), Visible(compare))).
				Project(models.FieldStorageKey)
			err = s.Scroll(resolved, batchSize, func(found *index.Hits) error {
				_, keys, err := storageKeys(found)
				for _, key := range keys {
					delete(gone, key)
				}
				return err
			})
			if err != nil {
				return err
			}
			for _, key := range order {
				if _, ok := gone[key]; ok {
					diff.totals.Deleted++
					keep(&diff.deletedKeys, key)
					delete(gone, key)
				}
			}
			if diff.totals.Deleted > limit {
				return errLimitReached
			}
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, errLimitReached) {
			return err
		}
		return nil
	})
	return diff, err
}

// storageKeys maps the storage keys of hits to their content hash, and
// returns the keys in hit order.
func storageKeys(hits *index.Hits) (map[int64]string, []int64, error) {
	hashes := make(map[int64]string, len(hits.Items))
	order := make([]int64, 0, len(hits.Items))
	for _, hit := range hits.Items {
		doc, err := hit.Document()
		if err != nil {
			return nil, nil, err
		}
		key, ok := doc.Int64(models.FieldStorageKey)
		if !ok {
			return nil, nil, fmt.Errorf("%s has no storage key: %w", hit.Key, models.ErrPrecondition)
		}
		if _, seen := hashes[key]; !seen {
			order = append(order, key)
		}
		hashes[key] = doc.String(models.FieldHash)
	}
	return hashes, order, nil
}
