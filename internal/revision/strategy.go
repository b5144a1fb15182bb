package revision

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kilupskalvis/revindex/internal/models"
)

// MainBranchStrategy decides how the root branch is bootstrapped and how a
// parent's lineage is split when a child is forked from it.
type MainBranchStrategy interface {
	MainBranchID() int64
	MainBaseTimestamp() int64
	MainHeadTimestamp() int64
	// Reopen forks child from parent at timestamp now. It returns the
	// updated parent and the new child branch.
	Reopen(parent *models.RevisionBranch, child ChildBranch, now int64) (*models.RevisionBranch, *models.RevisionBranch, error)
}

// ChildBranch describes a branch about to be forked.
type ChildBranch struct {
	ID       int64
	Name     string
	Metadata map[string]any
}

// SegmentStrategy is the default strategy. The root branch starts with id 0
// and a single open segment from BaseTimestamp.
type SegmentStrategy struct {
	BaseTimestamp int64
}

func (s SegmentStrategy) MainBranchID() int64      { return 0 }
func (s SegmentStrategy) MainBaseTimestamp() int64 { return s.BaseTimestamp }
func (s SegmentStrategy) MainHeadTimestamp() int64 { return s.BaseTimestamp }

// Reopen truncates the parent's open segment at now, continues the parent
// under its own id from now on and gives the child the parent's lineage up
// to now plus a fresh open segment.
func (s SegmentStrategy) Reopen(parent *models.RevisionBranch, child ChildBranch, now int64) (*models.RevisionBranch, *models.RevisionBranch, error) {
	active, ok := parent.ActiveSegment()
	if !ok {
		return nil, nil, fmt.Errorf("branch %q has no open segment: %w", parent.Path, models.ErrPrecondition)
	}
	if now < active.Start || now <= parent.HeadTimestamp {
		return nil, nil, fmt.Errorf("fork of %q at %d precedes its head %d: %w", parent.Path, now, parent.HeadTimestamp, models.ErrPrecondition)
	}

	closed, err := active.WithEnd(now)
	if err != nil {
		return nil, nil, err
	}

	var lineage []models.RevisionSegment
	for _, seg := range parent.Segments {
		if seg == active {
			seg = closed
		}
		lineage = append(lineage, seg)
	}

	updated := *parent
	updated.Segments = append(slices.Clone(lineage), models.OpenSegment(parent.ID, now))

	path := models.ToAbsolutePath(parent.Path, child.Name)
	forked := &models.RevisionBranch{
		ID:            child.ID,
		Path:          path,
		ParentPath:    parent.Path,
		Name:          child.Name,
		BaseTimestamp: now,
		HeadTimestamp: now,
		Segments:      append(lineage, models.OpenSegment(child.ID, now)),
		Metadata:      maps.Clone(child.Metadata),
	}
	return &updated, forked, nil
}
