package revision

import (
	"context"
	"fmt"
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

// PurgeResult contains the outcome of a purge.
type PurgeResult struct {
	Mode    models.PurgeMode
	Deleted map[string]int // revisions removed per type
}

// Total returns the number of revisions removed.
func (p *PurgeResult) Total() int {
	total := 0
	for _, n := range p.Deleted {
		total += n
	}
	return total
}

// Purge physically removes revisions reachable from the branch at path:
//
//   - ALL removes every revision created in any segment of the branch.
//   - HISTORY removes superseded revisions created outside the branch's
//     open segment.
//   - LATEST keeps only the most recently created revision of each id
//     within the branch's open segment.
//
// Removed revisions are gone for every branch that could see them.
func (r *RevisionIndex) Purge(ctx context.Context, path string, mode models.PurgeMode) (*PurgeResult, error) {
	switch mode {
	case models.PurgeAll, models.PurgeHistory, models.PurgeLatest:
	default:
		return nil, fmt.Errorf("purge mode %q: %w", mode, models.ErrBadRequest)
	}
	ctx, span := otel.Tracer("revindex").Start(ctx, "revision.Purge",
		trace.WithAttributes(
			attribute.String("branch", path),
			attribute.String("mode", string(mode)),
		),
	)
	defer span.End()

	result, err := r.purge(ctx, path, mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (r *RevisionIndex) purge(ctx context.Context, path string, mode models.PurgeMode) (*PurgeResult, error) {
	unlock, err := r.branching.registry.Locks().Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	branch, err := r.branching.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	result := &PurgeResult{Mode: mode, Deleted: make(map[string]int)}
	ref := branch.Ref()
	// segments adopted by a fast-forward sort after the open one
	active, ok := branch.ActiveSegment()
	if !ok {
		r.log.Debug("nothing to purge", zap.String("branch", path))
		return result, nil
	}

	start := time.Now()
	for _, docType := range r.mappings.RevisionTypes() {
		var n int
		switch mode {
		case models.PurgeAll:
			n, err = r.purgeMatching(ctx, docType, CreatedIn(ref))
		case models.PurgeHistory:
			older := ref.Difference(ref.Restrict(active))
			n, err = r.purgeMatching(ctx, docType, index.And(CreatedIn(older), RevisedIn(ref)))
		case models.PurgeLatest:
			n, err = r.purgeLatest(ctx, docType, ref.Restrict(active))
		}
		if n > 0 {
			result.Deleted[docType] = n
			metrics.PurgedRevisions.WithLabelValues(string(mode)).Add(float64(n))
		}
		if err != nil {
			return nil, fmt.Errorf("purge %s of %q: %w", docType, path, err)
		}
	}

	r.log.Info("purge complete",
		zap.String("branch", path),
		zap.String("mode", string(mode)),
		zap.Int("deleted", result.Total()),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

// purgeMatching deletes the revisions matching where, one batch at a time.
// Deleted revisions no longer match, so every round starts from the top.
func (r *RevisionIndex) purgeMatching(ctx context.Context, docType string, where index.Expression) (int, error) {
	deleted := 0
	for {
		var keys []string
		err := r.ix.Read(ctx, func(s *index.Searcher) error {
			hits, err := s.Page(index.Select(docType).Filter(where).Project(models.FieldID).WithLimit(r.purgeBatchSize))
			if err != nil {
				return err
			}
			keys = hits.Keys()
			return nil
		})
		if err != nil {
			return deleted, err
		}
		if len(keys) == 0 {
			return deleted, nil
		}
		if err := r.removeRevisions(ctx, docType, keys); err != nil {
			return deleted, err
		}
		deleted += len(keys)
		r.log.Debug("purge progress", zap.String("type", docType), zap.Int("deleted", deleted))
	}
}

// purgeLatest keeps the newest revision of every id created inside active
// and deletes the others.
func (r *RevisionIndex) purgeLatest(ctx context.Context, docType string, active models.RevisionBranchRef) (int, error) {
	type newest struct {
		key, created string
	}
	kept := make(map[string]newest)
	var stale []string

	err := r.ix.Read(ctx, func(s *index.Searcher) error {
		q := index.Select(docType).Filter(CreatedIn(active)).Project(models.FieldID, models.FieldCreated)
		return s.Scroll(q, r.purgeBatchSize, func(hits *index.Hits) error {
			for _, hit := range hits.Items {
				doc, err := hit.Document()
				if err != nil {
					return err
				}
				id, created := doc.String(models.FieldID), doc.String(models.FieldCreated)
				prev, ok := kept[id]
				switch {
				case !ok:
					kept[id] = newest{key: hit.Key, created: created}
				case created > prev.created:
					stale = append(stale, prev.key)
					kept[id] = newest{key: hit.Key, created: created}
				default:
					stale = append(stale, hit.Key)
				}
			}
			return ctx.Err()
		})
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for batch := range slices.Chunk(stale, r.purgeBatchSize) {
		if err := r.removeRevisions(ctx, docType, batch); err != nil {
			return deleted, err
		}
		deleted += len(batch)
		r.log.Debug("purge progress", zap.String("type", docType), zap.Int("deleted", deleted), zap.Int("pending", len(stale)-deleted))
	}
	return deleted, nil
}

func (r *RevisionIndex) removeRevisions(ctx context.Context, docType string, keys []string) error {
	return r.ix.Write(ctx, func(w *index.Writer) error {
		w.Remove(docType, keys...)
		return nil
	})
}
