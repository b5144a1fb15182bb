package revision

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	"go.uber.org/zap"
)

// Branching manages the branch entities of one index. It is the only
// component that changes branch topology.
type Branching struct {
	ix       *index.Index
	registry *Registry
	strategy MainBranchStrategy
	clock    TimestampProvider
	log      *zap.Logger

	nextID atomic.Int64
}

// BranchingOptions configures a Branching service.
type BranchingOptions struct {
	Registry *Registry
	Strategy MainBranchStrategy
	Clock    TimestampProvider
	Logger   *zap.Logger
}

// NewBranching creates the branch directory. Init must be called before
// branches are created.
func NewBranching(ix *index.Index, opts BranchingOptions) *Branching {
	if opts.Registry == nil {
		opts.Registry = NewRegistry(nil)
	}
	if opts.Clock == nil {
		opts.Clock = &MonotonicClock{}
	}
	if opts.Strategy == nil {
		opts.Strategy = SegmentStrategy{BaseTimestamp: opts.Clock.Now()}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Branching{
		ix:       ix,
		registry: opts.Registry,
		strategy: opts.Strategy,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// Registry returns the registry holding locks and subscribers.
func (b *Branching) Registry() *Registry {
	return b.registry
}

// Init creates the root branch unless it exists and seeds the branch id
// allocator from the stored branches.
func (b *Branching) Init(ctx context.Context) error {
	unlock, err := b.registry.Locks().Lock(ctx, models.MainPath)
	if err != nil {
		return err
	}
	defer unlock()

	maxID := b.strategy.MainBranchID()
	found := false
	err = b.ix.Read(ctx, func(s *index.Searcher) error {
		return s.Scroll(index.Select(BranchType).Project("id", "path"), b.ix.BatchSize(), func(hits *index.Hits) error {
			for _, hit := range hits.Items {
				doc, err := hit.Document()
				if err != nil {
					return err
				}
				if id, ok := doc.Int64("id"); ok && id > maxID {
					maxID = id
				}
				if doc.String("path") == models.MainPath {
					found = true
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("init branches: %w", err)
	}
	b.nextID.Store(maxID)

	if found {
		return nil
	}

	main := &models.RevisionBranch{
		ID:            b.strategy.MainBranchID(),
		Path:          models.MainPath,
		Name:          models.MainPath,
		BaseTimestamp: b.strategy.MainBaseTimestamp(),
		HeadTimestamp: b.strategy.MainHeadTimestamp(),
		Segments:      []models.RevisionSegment{models.OpenSegment(b.strategy.MainBranchID(), b.strategy.MainBaseTimestamp())},
	}
	if err := b.ix.Write(ctx, func(w *index.Writer) error {
		return w.Put(BranchType, main.Path, main)
	}); err != nil {
		return fmt.Errorf("create %s: %w", models.MainPath, err)
	}
	b.log.Info("created root branch", zap.Int64("id", main.ID), zap.Int64("base", main.BaseTimestamp))
	b.registry.Publish(ctx, BranchEvent{Kind: EventCreated, Path: main.Path})
	return nil
}

// Get loads a branch by path, deleted or not.
func (b *Branching) Get(ctx context.Context, path string) (*models.RevisionBranch, error) {
	var branch models.RevisionBranch
	found, err := b.ix.Get(ctx, BranchType, path, &branch)
	if err != nil {
		return nil, fmt.Errorf("get branch %q: %w", path, err)
	}
	if !found {
		return nil, fmt.Errorf("branch %q: %w", path, models.ErrNotFound)
	}
	return &branch, nil
}

// Exists reports whether an active branch exists at path.
func (b *Branching) Exists(ctx context.Context, path string) (bool, error) {
	branch, err := b.Get(ctx, path)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !branch.Deleted, nil
}

// Search returns the branches matching e, ordered by path.
func (b *Branching) Search(ctx context.Context, e index.Expression) ([]*models.RevisionBranch, error) {
	var branches []*models.RevisionBranch
	err := b.ix.Read(ctx, func(s *index.Searcher) error {
		return s.Scroll(index.Select(BranchType).Filter(e), b.ix.BatchSize(), func(hits *index.Hits) error {
			page, err := index.Decode[*models.RevisionBranch](hits)
			if err != nil {
				return err
			}
			branches = append(branches, page...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("search branches: %w", err)
	}
	return branches, nil
}

// SearchByPathPrefix returns the active branches at prefix or below it.
func (b *Branching) SearchByPathPrefix(ctx context.Context, prefix string) ([]*models.RevisionBranch, error) {
	return b.Search(ctx, index.Bool().
		Filter(index.Or(index.Exact("path", prefix), index.Prefix("path", prefix+models.Separator))).
		MustNot(index.Exact("deleted", true)))
}

// CreateBranch forks a new branch called name off parent and returns its
// path. A concurrent creator of the same path observes the same path
// instead of an error.
func (b *Branching) CreateBranch(ctx context.Context, parent, name string, metadata map[string]any) (string, error) {
	if err := models.ValidateBranchName(name); err != nil {
		return "", err
	}
	if err := b.checkParent(ctx, parent); err != nil {
		return "", err
	}
	path := models.ToAbsolutePath(parent, name)
	exists, err := b.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("branch %q: %w", path, models.ErrAlreadyExists)
	}

	unlock, err := b.registry.Locks().Lock(ctx, parent)
	if err != nil {
		return "", err
	}
	defer unlock()

	// another creator may have won the lock first
	exists, err = b.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if exists {
		return path, nil
	}
	if _, err := b.reopen(ctx, parent, name, metadata); err != nil {
		return "", err
	}
	b.registry.Publish(ctx, BranchEvent{Kind: EventCreated, Path: path})
	return path, nil
}

// Reopen forks name off parent unconditionally, replacing a deleted branch
// at the same path. It is the restore path for deleted branches.
func (b *Branching) Reopen(ctx context.Context, parent, name string, metadata map[string]any) (*models.RevisionBranch, error) {
	if err := models.ValidateBranchName(name); err != nil {
		return nil, err
	}
	unlock, err := b.registry.Locks().Lock(ctx, parent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := b.checkParent(ctx, parent); err != nil {
		return nil, err
	}
	child, err := b.reopen(ctx, parent, name, metadata)
	if err != nil {
		return nil, err
	}
	b.registry.Publish(ctx, BranchEvent{Kind: EventCreated, Path: child.Path})
	return child, nil
}

// reopen expects the parent lock to be held.
func (b *Branching) reopen(ctx context.Context, parentPath, name string, metadata map[string]any) (*models.RevisionBranch, error) {
	parent, err := b.Get(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	path := models.ToAbsolutePath(parentPath, name)
	existing, err := b.Get(ctx, path)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return nil, err
	case !existing.Deleted:
		return nil, fmt.Errorf("branch %q: %w", path, models.ErrAlreadyExists)
	}

	updated, child, err := b.strategy.Reopen(parent, ChildBranch{
		ID:       b.nextID.Add(1),
		Name:     name,
		Metadata: metadata,
	}, b.clock.Now())
	if err != nil {
		return nil, err
	}
	err = b.ix.Write(ctx, func(w *index.Writer) error {
		if err := w.Put(BranchType, updated.Path, updated); err != nil {
			return err
		}
		return w.Put(BranchType, child.Path, child)
	})
	if err != nil {
		return nil, fmt.Errorf("create branch %q: %w", path, err)
	}
	b.log.Info("created branch",
		zap.String("path", child.Path),
		zap.Int64("id", child.ID),
		zap.Int64("base", child.BaseTimestamp))
	return child, nil
}

func (b *Branching) checkParent(ctx context.Context, parent string) error {
	branch, err := b.Get(ctx, parent)
	if err != nil {
		return err
	}
	if branch.Deleted {
		return fmt.Errorf("parent branch %q is deleted: %w", parent, models.ErrBadRequest)
	}
	return nil
}

// Delete soft-deletes a branch and every branch below it. Segments are kept
// so the history stays reachable.
func (b *Branching) Delete(ctx context.Context, path string) error {
	if path == models.MainPath {
		return fmt.Errorf("delete %s: %w", models.MainPath, models.ErrBadRequest)
	}
	unlock, err := b.registry.Locks().Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	branch, err := b.Get(ctx, path)
	if err != nil {
		return err
	}
	descendants, err := b.Search(ctx, index.Bool().
		Filter(index.Prefix("path", path+models.Separator)).
		MustNot(index.Exact("deleted", true)))
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(descendants)+1)
	for _, d := range descendants {
		paths = append(paths, d.Path)
	}
	if !branch.Deleted {
		paths = append(paths, branch.Path)
	}

	err = b.ix.Write(ctx, func(w *index.Writer) error {
		for _, p := range paths {
			w.Update(BranchType, p, index.ScriptMarkDeleted, nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete branch %q: %w", path, err)
	}
	for _, p := range paths {
		b.log.Info("deleted branch", zap.String("path", p))
		b.registry.Publish(ctx, BranchEvent{Kind: EventDeleted, Path: p})
	}
	return nil
}

// UpdateMetadata replaces the metadata of a branch.
func (b *Branching) UpdateMetadata(ctx context.Context, path string, metadata map[string]any) error {
	unlock, err := b.registry.Locks().Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := b.Get(ctx, path); err != nil {
		return err
	}
	err = b.ix.Write(ctx, func(w *index.Writer) error {
		w.Update(BranchType, path, index.ScriptReplaceMetadata, map[string]any{"metadata": maps.Clone(metadata)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("update metadata of %q: %w", path, err)
	}
	b.registry.Publish(ctx, BranchEvent{Kind: EventUpdated, Path: path})
	return nil
}

// active loads a branch that accepts writes.
func (b *Branching) active(ctx context.Context, path string) (*models.RevisionBranch, error) {
	branch, err := b.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if branch.Deleted {
		return nil, fmt.Errorf("branch %q is deleted: %w", path, models.ErrBadRequest)
	}
	return branch, nil
}
