package models

import (
	"slices"
)

// RevisionBranchRef is the minimal state needed to decide what is visible on
// a branch: its own segments plus the ancestor segments it inherited.
type RevisionBranchRef struct {
	BranchID int64             `json:"branchId"`
	Path     string            `json:"path"`
	Segments []RevisionSegment `json:"segments"`
}

// NewBranchRef creates a ref with its segments sorted.
func NewBranchRef(branchID int64, path string, segments []RevisionSegment) RevisionBranchRef {
	return RevisionBranchRef{BranchID: branchID, Path: path, Segments: SortSegments(segments)}
}

// IsEmpty reports whether the ref has no segments.
func (r RevisionBranchRef) IsEmpty() bool {
	return len(r.Segments) == 0
}

// Last returns the latest segment of the ref.
func (r RevisionBranchRef) Last() (RevisionSegment, bool) {
	if len(r.Segments) == 0 {
		return RevisionSegment{}, false
	}
	return r.Segments[len(r.Segments)-1], true
}

// Contains reports whether a branch point falls into any segment.
func (r RevisionBranchRef) Contains(p BranchPoint) bool {
	for _, s := range r.Segments {
		if s.Contains(p) {
			return true
		}
	}
	return false
}

// IsVisible applies the visibility rule to a revision's created and revised
// points.
func (r RevisionBranchRef) IsVisible(created BranchPoint, revised []BranchPoint) bool {
	if !r.Contains(created) {
		return false
	}
	for _, p := range revised {
		if r.Contains(p) {
			return false
		}
	}
	return true
}

// BranchIDs returns the distinct branch ids referenced by the segments.
func (r RevisionBranchRef) BranchIDs() []int64 {
	var ids []int64
	for _, s := range r.Segments {
		if !slices.Contains(ids, s.BranchID) {
			ids = append(ids, s.BranchID)
		}
	}
	return ids
}

// Intersection returns the segments covered by both refs. The result keeps
// the receiver's branch id and path.
func (r RevisionBranchRef) Intersection(other RevisionBranchRef) RevisionBranchRef {
	var shared []RevisionSegment
	for _, s := range r.Segments {
		for _, o := range other.Segments {
			if s.BranchID != o.BranchID {
				continue
			}
			overlap, ok, _ := s.Intersection(o)
			if ok {
				shared = append(shared, overlap)
			}
		}
	}
	return RevisionBranchRef{BranchID: r.BranchID, Path: r.Path, Segments: coalesce(shared)}
}

// Difference returns the parts of the receiver's segments not covered by
// other.
func (r RevisionBranchRef) Difference(other RevisionBranchRef) RevisionBranchRef {
	var remaining []RevisionSegment
	for _, s := range r.Segments {
		pieces := []RevisionSegment{s}
		for _, o := range other.Segments {
			if o.BranchID != s.BranchID {
				continue
			}
			var next []RevisionSegment
			for _, p := range pieces {
				diff, _ := p.Difference(o)
				next = append(next, diff...)
			}
			pieces = next
		}
		remaining = append(remaining, pieces...)
	}
	return RevisionBranchRef{BranchID: r.BranchID, Path: r.Path, Segments: coalesce(remaining)}
}

// With returns a copy of the ref that also covers the given segments.
func (r RevisionBranchRef) With(segments ...RevisionSegment) RevisionBranchRef {
	all := append(slices.Clone(r.Segments), segments...)
	return RevisionBranchRef{BranchID: r.BranchID, Path: r.Path, Segments: coalesce(all)}
}

// Restrict returns a copy of the ref holding only the given segments.
func (r RevisionBranchRef) Restrict(segments ...RevisionSegment) RevisionBranchRef {
	return RevisionBranchRef{BranchID: r.BranchID, Path: r.Path, Segments: SortSegments(segments)}
}
