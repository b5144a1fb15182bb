package revision

import (
	"fmt"
	"slices"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
)

// Index document types owned by the revision layer.
const (
	BranchType       = "branch"
	CommitType       = "commit"
	CommitChangeType = "commit_change"
)

// MappingKind tells the revision layer how a document type is stored.
type MappingKind int

const (
	// KindRevision documents are versioned: every write creates a new
	// revision and edits supersede the previous one.
	KindRevision MappingKind = iota
	// KindPlain documents are stored by id and overwritten in place.
	KindPlain
	// KindNested documents live inside a field of a revision document and
	// are only reachable through their parent.
	KindNested
)

// Mapping describes one document type.
type Mapping struct {
	Type string
	Kind MappingKind

	// Parent and Field locate nested documents: Field of Parent holds them.
	Parent string
	Field  string

	// ContainerType and ContainerField name the logical container of a
	// revision. Documents implementing models.Contained override them.
	ContainerType  string
	ContainerField string

	// Tracked restricts property-level commit details to these fields.
	// Empty means every non-versioning field.
	Tracked []string
}

// Mappings is the immutable set of types known to a revision index.
type Mappings struct {
	byType map[string]Mapping
	order  []string
}

// NewMappings validates the mappings and indexes them by type.
func NewMappings(mappings ...Mapping) (*Mappings, error) {
	m := &Mappings{byType: make(map[string]Mapping, len(mappings))}
	for _, mapping := range mappings {
		if mapping.Type == "" {
			return nil, fmt.Errorf("mapping without type: %w", models.ErrBadRequest)
		}
		switch mapping.Type {
		case BranchType, CommitType, CommitChangeType:
			return nil, fmt.Errorf("mapping %s: type is reserved: %w", mapping.Type, models.ErrBadRequest)
		}
		if _, ok := m.byType[mapping.Type]; ok {
			return nil, fmt.Errorf("mapping %s: %w", mapping.Type, models.ErrAlreadyExists)
		}
		m.byType[mapping.Type] = mapping
		m.order = append(m.order, mapping.Type)
	}
	for _, mapping := range mappings {
		if mapping.Kind != KindNested {
			continue
		}
		parent, ok := m.byType[mapping.Parent]
		if !ok || parent.Kind != KindRevision || mapping.Field == "" {
			return nil, fmt.Errorf("nested mapping %s: parent %q must be a mapped revision type with a field: %w",
				mapping.Type, mapping.Parent, models.ErrBadRequest)
		}
	}
	return m, nil
}

// Get returns the mapping of docType.
func (m *Mappings) Get(docType string) (Mapping, error) {
	mapping, ok := m.byType[docType]
	if !ok {
		return Mapping{}, fmt.Errorf("type %q is not mapped: %w", docType, models.ErrBadRequest)
	}
	return mapping, nil
}

// RevisionTypes returns the versioned types in registration order.
func (m *Mappings) RevisionTypes() []string {
	var types []string
	for _, t := range m.order {
		if m.byType[t].Kind == KindRevision {
			types = append(types, t)
		}
	}
	return types
}

func (m Mapping) container(doc index.Document, v any) models.ObjectID {
	if c, ok := v.(models.Contained); ok {
		return c.ContainerID()
	}
	if m.ContainerField != "" {
		if id := doc.String(m.ContainerField); id != "" {
			return models.NewObjectID(m.ContainerType, id)
		}
	}
	return models.RootObjectID
}

func (m Mapping) tracks(field string) bool {
	switch field {
	case models.FieldID, models.FieldStorageKey, models.FieldCreated, models.FieldRevised, models.FieldHash:
		return false
	}
	return len(m.Tracked) == 0 || slices.Contains(m.Tracked, field)
}
