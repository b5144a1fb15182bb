// Package revision layers branches, commits, compares and merges on top of
// the document index. Documents are versioned as revisions stamped with the
// branch point that created them and the branch points that superseded
// them; a branch sees a revision when it was created inside one of the
// branch's segments and not superseded inside any of them.
package revision

import (
	"context"
	"fmt"
	"slices"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultCompareLimit   = 10000
	DefaultPurgeBatchSize = 1000
)

// PreCommitHook runs on the staging area before its commit is written. An
// error aborts the commit.
type PreCommitHook func(ctx context.Context, staging *StagingArea) error

// Options configures a RevisionIndex.
type Options struct {
	Mappings       []Mapping
	Registry       *Registry
	Strategy       MainBranchStrategy
	Clock          TimestampProvider
	IDs            IDGenerator
	Logger         *zap.Logger
	CompareLimit   int
	PurgeBatchSize int
	PreCommitHooks []PreCommitHook
}

// RevisionIndex is the entry point of the revision layer.
type RevisionIndex struct {
	ix        *index.Index
	mappings  *Mappings
	branching *Branching
	clock     TimestampProvider
	ids       IDGenerator
	log       *zap.Logger
	hooks     []PreCommitHook

	compareLimit   int
	purgeBatchSize int
}

// New creates a revision index over ix and registers the branch scripts it
// needs. Call Init before use.
func New(ix *index.Index, opts Options) (*RevisionIndex, error) {
	mappings, err := NewMappings(opts.Mappings...)
	if err != nil {
		return nil, err
	}
	if err := RegisterScripts(ix.Scripts()); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = &MonotonicClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CompareLimit <= 0 {
		opts.CompareLimit = DefaultCompareLimit
	}
	if opts.PurgeBatchSize <= 0 {
		opts.PurgeBatchSize = DefaultPurgeBatchSize
	}
	return &RevisionIndex{
		ix:       ix,
		mappings: mappings,
		branching: NewBranching(ix, BranchingOptions{
			Registry: opts.Registry,
			Strategy: opts.Strategy,
			Clock:    opts.Clock,
			Logger:   opts.Logger.Named("branching"),
		}),
		clock:          opts.Clock,
		ids:            opts.IDs,
		log:            opts.Logger,
		hooks:          slices.Clone(opts.PreCommitHooks),
		compareLimit:   opts.CompareLimit,
		purgeBatchSize: opts.PurgeBatchSize,
	}, nil
}

// Init makes sure the root branch exists.
func (r *RevisionIndex) Init(ctx context.Context) error {
	return r.branching.Init(ctx)
}

// Branching returns the branch directory.
func (r *RevisionIndex) Branching() *Branching {
	return r.branching
}

// Mappings returns the mapped document types.
func (r *RevisionIndex) Mappings() *Mappings {
	return r.mappings
}

// Ref resolves a branch path expression to the ref it reads through.
func (r *RevisionIndex) Ref(ctx context.Context, expr string) (models.RevisionBranchRef, error) {
	path, err := ParseBranchPath(expr)
	if err != nil {
		return models.RevisionBranchRef{}, err
	}
	branch, err := r.branching.Get(ctx, path.Path)
	if err != nil {
		return models.RevisionBranchRef{}, err
	}
	switch {
	case path.Base:
		return branch.BaseRef(), nil
	case path.IsRange():
		from, err := r.branching.Get(ctx, path.From)
		if err != nil {
			return models.RevisionBranchRef{}, err
		}
		return branch.Ref().Difference(from.Ref()), nil
	}
	return branch.Ref(), nil
}

// Read runs fn with a searcher over the branch path expression.
func (r *RevisionIndex) Read(ctx context.Context, expr string, fn func(s *Searcher) error) error {
	ref, err := r.Ref(ctx, expr)
	if err != nil {
		return err
	}
	return r.readRef(ctx, ref, fn)
}

func (r *RevisionIndex) readRef(ctx context.Context, ref models.RevisionBranchRef, fn func(s *Searcher) error) error {
	return r.ix.Read(ctx, func(s *index.Searcher) error {
		return fn(&Searcher{s: s, ref: ref, mappings: r.mappings})
	})
}

// PrepareCommit returns an empty staging area for the branch at path.
func (r *RevisionIndex) PrepareCommit(ctx context.Context, expr string) (*StagingArea, error) {
	path, err := ParseBranchPath(expr)
	if err != nil {
		return nil, err
	}
	if !path.Writable() {
		return nil, fmt.Errorf("commit to %q: %w", expr, models.ErrBadRequest)
	}
	if _, err := r.branching.active(ctx, path.Path); err != nil {
		return nil, err
	}
	return newStagingArea(r, path.Path), nil
}

// Write stages changes with fn and commits them.
func (r *RevisionIndex) Write(ctx context.Context, expr, author, comment string, fn func(staging *StagingArea) error) (*models.Commit, error) {
	staging, err := r.PrepareCommit(ctx, expr)
	if err != nil {
		return nil, err
	}
	if err := fn(staging); err != nil {
		return nil, err
	}
	return staging.Commit(ctx, author, comment)
}

// CommitQuery selects commits. Zero fields do not filter.
type CommitQuery struct {
	Branch string
	Author string
	// Since and Until bound the commit timestamp, both inclusive.
	Since int64
	Until int64
	Limit int
}

// Commits returns matching commits, newest first.
func (r *RevisionIndex) Commits(ctx context.Context, q CommitQuery) ([]*models.Commit, error) {
	where := index.Bool().Filter(index.MatchAll())
	if q.Branch != "" {
		where.Filter(index.Exact("branch", q.Branch))
	}
	if q.Author != "" {
		where.Filter(index.Exact("author", q.Author))
	}
	if q.Since != 0 || q.Until != 0 {
		var lower, upper any
		if q.Since != 0 {
			lower = q.Since
		}
		if q.Until != 0 {
			upper = q.Until
		}
		where.Filter(index.Range("timestamp", lower, upper, true, true))
	}

	var commits []*models.Commit
	err := r.ix.Read(ctx, func(s *index.Searcher) error {
		return s.Scroll(index.Select(CommitType).Filter(where), r.ix.BatchSize(), func(hits *index.Hits) error {
			page, err := index.Decode[*models.Commit](hits)
			if err != nil {
				return err
			}
			commits = append(commits, page...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("search commits: %w", err)
	}
	slices.SortStableFunc(commits, func(a, b *models.Commit) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(commits) > q.Limit {
		commits = commits[:q.Limit]
	}
	return commits, nil
}

// CommitChanges returns what every commit changed under container, oldest
// first.
func (r *RevisionIndex) CommitChanges(ctx context.Context, container models.ObjectID) ([]*models.CommitChange, error) {
	var changes []*models.CommitChange
	err := r.ix.Read(ctx, func(s *index.Searcher) error {
		q := index.Select(CommitChangeType).Filter(index.And(
			index.Exact("container.type", container.Type),
			index.Exact("container.id", container.ID),
		))
		return s.Scroll(q, r.ix.BatchSize(), func(hits *index.Hits) error {
			page, err := index.Decode[*models.CommitChange](hits)
			if err != nil {
				return err
			}
			changes = append(changes, page...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("search changes of %s: %w", container, err)
	}
	slices.SortStableFunc(changes, func(a, b *models.CommitChange) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return changes, nil
}
