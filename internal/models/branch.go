package models

import (
	"fmt"
	"regexp"
	"strings"
)

// MainPath is the path of the root branch.
const MainPath = "MAIN"

// Separator separates branch names in a path.
const Separator = "/"

var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// BranchState describes how a branch relates to another branch.
type BranchState string

const (
	BranchUpToDate BranchState = "UP_TO_DATE"
	BranchForward  BranchState = "FORWARD"
	BranchBehind   BranchState = "BEHIND"
	BranchDiverged BranchState = "DIVERGED"
)

// RevisionBranch is the persisted branch entity.
type RevisionBranch struct {
	ID            int64             `json:"id"`
	Path          string            `json:"path"`
	ParentPath    string            `json:"parentPath,omitempty"`
	Name          string            `json:"name"`
	// BaseTimestamp bounds the parent content the branch inherited.
	BaseTimestamp int64             `json:"baseTimestamp"`
	HeadTimestamp int64             `json:"headTimestamp"`
	Segments      []RevisionSegment `json:"segments"`
	MergeSources  []BranchPoint     `json:"mergeSources,omitempty"`
	Deleted       bool              `json:"deleted"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// IsMain reports whether this is the root branch.
func (b *RevisionBranch) IsMain() bool {
	return b.Path == MainPath
}

// Ref returns everything visible on the branch.
func (b *RevisionBranch) Ref() RevisionBranchRef {
	return NewBranchRef(b.ID, b.Path, b.Segments)
}

// BaseRef returns the state of the branch just before it forked: the ancestor
// segments it inherited, none of its own.
func (b *RevisionBranch) BaseRef() RevisionBranchRef {
	var inherited []RevisionSegment
	for _, s := range b.Segments {
		if s.BranchID != b.ID && s.End <= b.BaseTimestamp {
			inherited = append(inherited, s)
		}
	}
	return NewBranchRef(b.ID, b.Path, inherited)
}

// OwnSegments returns the segments written under the branch's own id.
func (b *RevisionBranch) OwnSegments() []RevisionSegment {
	var own []RevisionSegment
	for _, s := range SortSegments(b.Segments) {
		if s.BranchID == b.ID {
			own = append(own, s)
		}
	}
	return own
}

// ActiveSegment returns the open segment new content is written to.
func (b *RevisionBranch) ActiveSegment() (RevisionSegment, bool) {
	own := b.OwnSegments()
	if len(own) == 0 {
		return RevisionSegment{}, false
	}
	last := own[len(own)-1]
	return last, last.IsOpen()
}

// LatestMergeSource returns the most recent point of branchID already merged
// into this branch.
func (b *RevisionBranch) LatestMergeSource(branchID int64) (BranchPoint, bool) {
	var latest BranchPoint
	found := false
	for _, p := range b.MergeSources {
		if p.BranchID == branchID && (!found || p.Timestamp > latest.Timestamp) {
			latest = p
			found = true
		}
	}
	return latest, found
}

// Point returns the branch point of the branch head.
func (b *RevisionBranch) Point() BranchPoint {
	return BranchPoint{BranchID: b.ID, Timestamp: b.HeadTimestamp}
}

// ValidateBranchName checks a single branch path segment.
func ValidateBranchName(name string) error {
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("branch name %q: %w", name, ErrBadRequest)
	}
	return nil
}

// ToAbsolutePath joins a parent path and a child name.
func ToAbsolutePath(parent, name string) string {
	return parent + Separator + name
}

// ParentPathOf returns the parent path, or "" for the root branch.
func ParentPathOf(path string) string {
	idx := strings.LastIndex(path, Separator)
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// NameOf returns the last segment of a branch path.
func NameOf(path string) string {
	return path[strings.LastIndex(path, Separator)+1:]
}

// IsDescendant reports whether path lies strictly below ancestor.
func IsDescendant(path, ancestor string) bool {
	return strings.HasPrefix(path, ancestor+Separator)
}
