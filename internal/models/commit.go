package models

import "fmt"

// Commit is the persisted record of one write to a branch.
type Commit struct {
	ID          string         `json:"id"`
	Branch      string         `json:"branch"`
	BranchID    int64          `json:"branchId"`
	Author      string         `json:"author"`
	Comment     string         `json:"comment"`
	Timestamp   int64          `json:"timestamp"`
	Details     []CommitDetail `json:"details,omitempty"`
	MergeSource *BranchPoint   `json:"mergeSource,omitempty"` // set when the commit folds in another branch
	Squash      bool           `json:"squash,omitempty"`
}

// ShortID returns a shortened commit ID (first 8 characters)
func (c *Commit) ShortID() string {
	if len(c.ID) > 8 {
		return c.ID[:8]
	}
	return c.ID
}

// IsMergeCommit returns true if this commit was produced by a merge
func (c *Commit) IsMergeCommit() bool {
	return c.MergeSource != nil
}

// DetailOp is the kind of change a CommitDetail records.
type DetailOp string

const (
	DetailAdd    DetailOp = "add"
	DetailChange DetailOp = "change"
	DetailRemove DetailOp = "remove"
)

// ParseDetailOp rejects unknown operation kinds.
func ParseDetailOp(s string) (DetailOp, error) {
	switch op := DetailOp(s); op {
	case DetailAdd, DetailChange, DetailRemove:
		return op, nil
	}
	return "", fmt.Errorf("diff operation %q: %w", s, ErrUnsupported)
}

// CommitDetail is either a property change or a hierarchical change.
type CommitDetail struct {
	Op DetailOp `json:"op"`

	// Property change
	Prop       string   `json:"prop,omitempty"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	ObjectType string   `json:"objectType,omitempty"`
	Objects    []string `json:"objects,omitempty"`

	// Hierarchical change: container id -> component ids
	ContainerType string              `json:"containerType,omitempty"`
	ComponentType string              `json:"componentType,omitempty"`
	Components    map[string][]string `json:"components,omitempty"`
}

// IsPropertyChange reports whether the detail describes a single property.
func (d CommitDetail) IsPropertyChange() bool {
	return d.Prop != ""
}

// CommitChange aggregates what a commit did under one container.
type CommitChange struct {
	CommitID  string     `json:"commitId"`
	Branch    string     `json:"branch"`
	Timestamp int64      `json:"timestamp"`
	Container ObjectID   `json:"container"`
	New       []ObjectID `json:"new,omitempty"`
	Changed   []ObjectID `json:"changed,omitempty"`
	Removed   []ObjectID `json:"removed,omitempty"`
}

// Key is the index key of the change document.
func (c *CommitChange) Key() string {
	return c.CommitID + "/" + c.Container.String()
}
