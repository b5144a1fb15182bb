package revision

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
)

// BranchState classifies branch relative to other. With other empty the
// branch is compared to its parent; the root branch is then up to date.
func (b *Branching) BranchState(ctx context.Context, branch, other string) (models.BranchState, error) {
	left, err := b.Get(ctx, branch)
	if err != nil {
		return "", err
	}
	if other == "" {
		if left.IsMain() {
			return models.BranchUpToDate, nil
		}
		other = left.ParentPath
	}
	right, err := b.Get(ctx, other)
	if err != nil {
		return "", err
	}
	return b.state(ctx, left, right)
}

// state compares the segments each side has and the other lacks. A side has
// changes when a commit falls into those segments that the other side has
// not already folded in.
func (b *Branching) state(ctx context.Context, left, right *models.RevisionBranch) (models.BranchState, error) {
	leftRef, rightRef := left.Ref(), right.Ref()
	leftDiff := leftRef.Difference(rightRef)
	rightDiff := rightRef.Difference(leftRef)

	var leftChanged, rightChanged bool
	err := b.ix.Read(ctx, func(s *index.Searcher) error {
		var err error
		if leftChanged, err = hasChanges(s, leftDiff, right); err != nil {
			return err
		}
		rightChanged, err = hasChanges(s, rightDiff, left)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("state of %q against %q: %w", left.Path, right.Path, err)
	}

	switch {
	case leftChanged && rightChanged:
		return models.BranchDiverged, nil
	case leftChanged:
		return models.BranchForward, nil
	case rightChanged:
		return models.BranchBehind, nil
	}
	return models.BranchUpToDate, nil
}

func hasChanges(s *index.Searcher, diff models.RevisionBranchRef, other *models.RevisionBranch) (bool, error) {
	for _, seg := range diff.Segments {
		if seg.IsEmpty() {
			continue
		}
		lower := seg.Start
		if seen, ok := other.LatestMergeSource(seg.BranchID); ok && seen.Timestamp >= lower {
			lower = seen.Timestamp + 1
		}
		if lower >= seg.End {
			continue
		}
		n, err := s.Count(CommitType, index.Bool().
			Filter(index.Exact("branchId", seg.BranchID)).
			Filter(index.Range("timestamp", lower, seg.End, true, false)).
			MustNot(index.Exact("mergeSource.branchId", other.ID)))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
