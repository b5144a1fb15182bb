package revision

import (
	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
)

// Visible matches revisions created inside ref and not superseded inside
// it.
func Visible(ref models.RevisionBranchRef) index.Expression {
	if ref.IsEmpty() {
		return index.MatchNone()
	}
	return index.Bool().
		Filter(CreatedIn(ref)).
		MustNot(RevisedIn(ref))
}

// CreatedIn matches revisions whose created address falls into any segment
// of ref.
func CreatedIn(ref models.RevisionBranchRef) index.Expression {
	return inSegments(models.FieldCreated, ref.Segments)
}

// RevisedIn matches revisions superseded inside any segment of ref.
func RevisedIn(ref models.RevisionBranchRef) index.Expression {
	return inSegments(models.FieldRevised, ref.Segments)
}

func inSegments(field string, segments []models.RevisionSegment) index.Expression {
	ranges := make([]index.Expression, 0, len(segments))
	for _, s := range segments {
		if s.IsEmpty() {
			continue
		}
		ranges = append(ranges, index.Between(field, s.StartAddress(), s.EndAddress()))
	}
	return index.Or(ranges...)
}
