package models

import (
	"cmp"
	"fmt"
	"slices"
)

// RevisionSegment is the half-open interval [Start, End) during which the
// content written under BranchID is current. An open segment ends at Infinity.
type RevisionSegment struct {
	BranchID int64 `json:"branchId"`
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
}

// NewSegment validates the bounds and returns the segment.
func NewSegment(branchID, start, end int64) (RevisionSegment, error) {
	if start > end {
		return RevisionSegment{}, fmt.Errorf("segment %d [%d, %d): start after end: %w", branchID, start, end, ErrPrecondition)
	}
	return RevisionSegment{BranchID: branchID, Start: start, End: end}, nil
}

// OpenSegment returns a segment starting at start that has not been closed.
func OpenSegment(branchID, start int64) RevisionSegment {
	return RevisionSegment{BranchID: branchID, Start: start, End: Infinity}
}

// IsOpen reports whether the segment is still being written to.
func (s RevisionSegment) IsOpen() bool {
	return s.End == Infinity
}

// IsEmpty reports whether the segment covers no timestamps.
func (s RevisionSegment) IsEmpty() bool {
	return s.Start >= s.End
}

// StartAddress is the inclusive lower bound of the segment as an address.
func (s RevisionSegment) StartAddress() string {
	return ToAddress(s.BranchID, s.Start)
}

// EndAddress is the exclusive upper bound of the segment as an address.
func (s RevisionSegment) EndAddress() string {
	return ToAddress(s.BranchID, s.End)
}

// Contains reports whether the branch point falls inside the segment.
func (s RevisionSegment) Contains(p BranchPoint) bool {
	return p.BranchID == s.BranchID && p.Timestamp >= s.Start && p.Timestamp < s.End
}

// WithEnd returns a copy of the segment closed at end.
func (s RevisionSegment) WithEnd(end int64) (RevisionSegment, error) {
	return NewSegment(s.BranchID, s.Start, end)
}

// Intersection returns the overlap of two segments of the same branch. The
// second return value is false when they do not overlap.
func (s RevisionSegment) Intersection(other RevisionSegment) (RevisionSegment, bool, error) {
	if s.BranchID != other.BranchID {
		return RevisionSegment{}, false, fmt.Errorf("intersect segments of branch %d and %d: %w", s.BranchID, other.BranchID, ErrPrecondition)
	}
	start := max(s.Start, other.Start)
	end := min(s.End, other.End)
	if start >= end {
		return RevisionSegment{}, false, nil
	}
	return RevisionSegment{BranchID: s.BranchID, Start: start, End: end}, true, nil
}

// Difference returns the parts of s not covered by other. The result has zero,
// one or two segments.
func (s RevisionSegment) Difference(other RevisionSegment) ([]RevisionSegment, error) {
	if s.BranchID != other.BranchID {
		return nil, fmt.Errorf("subtract segment of branch %d from %d: %w", other.BranchID, s.BranchID, ErrPrecondition)
	}
	if other.End <= s.Start || other.Start >= s.End {
		return []RevisionSegment{s}, nil
	}
	var result []RevisionSegment
	if other.Start > s.Start {
		result = append(result, RevisionSegment{BranchID: s.BranchID, Start: s.Start, End: other.Start})
	}
	if other.End < s.End {
		result = append(result, RevisionSegment{BranchID: s.BranchID, Start: other.End, End: s.End})
	}
	return result, nil
}

func (s RevisionSegment) String() string {
	if s.IsOpen() {
		return fmt.Sprintf("%d[%d, +inf)", s.BranchID, s.Start)
	}
	return fmt.Sprintf("%d[%d, %d)", s.BranchID, s.Start, s.End)
}

// CompareSegments orders segments by start, then branch id, then end.
func CompareSegments(a, b RevisionSegment) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	if c := cmp.Compare(a.BranchID, b.BranchID); c != 0 {
		return c
	}
	return cmp.Compare(a.End, b.End)
}

// SortSegments returns a sorted copy of the given segments.
func SortSegments(segments []RevisionSegment) []RevisionSegment {
	sorted := slices.Clone(segments)
	slices.SortFunc(sorted, CompareSegments)
	return sorted
}

// coalesce merges overlapping or touching segments of the same branch id and
// drops empty ones.
func coalesce(segments []RevisionSegment) []RevisionSegment {
	byBranch := make(map[int64][]RevisionSegment)
	for _, s := range segments {
		if s.IsEmpty() {
			continue
		}
		byBranch[s.BranchID] = append(byBranch[s.BranchID], s)
	}
	var result []RevisionSegment
	for _, group := range byBranch {
		slices.SortFunc(group, CompareSegments)
		current := group[0]
		for _, s := range group[1:] {
			if s.Start <= current.End {
				current.End = max(current.End, s.End)
				continue
			}
			result = append(result, current)
			current = s
		}
		result = append(result, current)
	}
	slices.SortFunc(result, CompareSegments)
	return result
}
