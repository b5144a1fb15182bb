package models

import (
	"fmt"
	"strings"
)

// MergeConflictType identifies the type of merge conflict
type MergeConflictType string

const (
	ConflictAddAdd         MergeConflictType = "add-add"         // Both sides added the same id
	ConflictAddDetached    MergeConflictType = "add-detached"    // Source added under a container the target removed
	ConflictDetachedAdd    MergeConflictType = "detached-add"    // Target added under a container the source removed
	ConflictModifyModify   MergeConflictType = "modify-modify"   // Both changed the same property differently
	ConflictModifyDetached MergeConflictType = "modify-detached" // Source changed an object the target removed
)

// MergeConflict represents a conflict during merge
type MergeConflict struct {
	Type        MergeConflictType `json:"type"`
	Object      ObjectID          `json:"object"`
	Property    string            `json:"property,omitempty"`
	SourceValue string            `json:"sourceValue,omitempty"`
	TargetValue string            `json:"targetValue,omitempty"`
	Message     string            `json:"message,omitempty"`
}

func (c *MergeConflict) String() string {
	if c.Message != "" {
		return c.Message
	}
	if c.Property != "" {
		return fmt.Sprintf("%s %s.%s", c.Type, c.Object, c.Property)
	}
	return fmt.Sprintf("%s %s", c.Type, c.Object)
}

// MergeConflictError is returned when a merge cannot be applied.
type MergeConflictError struct {
	From      string
	To        string
	Conflicts []*MergeConflict
}

func (e *MergeConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("merge %s into %s: %d conflict(s): %s", e.From, e.To, len(e.Conflicts), strings.Join(parts, "; "))
}

func (e *MergeConflictError) Unwrap() error {
	return ErrConflict
}

// MergeResult contains the outcome of a merge operation
type MergeResult struct {
	FastForward       bool    `json:"fastForward"`           // Whether this was a fast-forward merge
	Timestamp         int64   `json:"timestamp"`             // New head timestamp of the target
	Commit            *Commit `json:"commit,omitempty"`      // The merge commit (nil for fast-forward)
	ObjectsAdded      int     `json:"objectsAdded"`          // Objects added during merge
	ObjectsChanged    int     `json:"objectsChanged"`        // Objects updated during merge
	ObjectsRemoved    int     `json:"objectsRemoved"`        // Objects removed during merge
	ResolvedConflicts int     `json:"resolvedConflicts"`     // Same-property changes accepted by the processor
	Dropped           int     `json:"dropped,omitempty"`     // Source changes to objects detached on the target
}
