// Package models defines the core data structures used throughout revindex
// including branch points, segments, branches, revisions and commits.
package models

import (
	"fmt"
	"strings"
)

// RootID is the reserved id of the root container. Components without a
// logical parent are grouped under it.
const RootID = "-1"

// RootObjectID denotes "no container".
var RootObjectID = ObjectID{ID: RootID}

// ObjectID identifies any component or its logical container.
type ObjectID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewObjectID creates an ObjectID for the given document type and id.
func NewObjectID(docType, id string) ObjectID {
	return ObjectID{Type: docType, ID: id}
}

// IsRoot reports whether the id is the root sentinel.
func (o ObjectID) IsRoot() bool {
	return o.ID == RootID
}

// String returns "type/id".
func (o ObjectID) String() string {
	return ObjectKey(o.Type, o.ID)
}

// ObjectKey returns the unique key for an object
func ObjectKey(docType, id string) string {
	return docType + "/" + id
}

// ParseObjectID parses the "type/id" form produced by String.
func ParseObjectID(s string) (ObjectID, error) {
	docType, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return ObjectID{}, fmt.Errorf("object id %q: %w", s, ErrBadRequest)
	}
	return ObjectID{Type: docType, ID: id}, nil
}
