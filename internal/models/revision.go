package models

// Field names of the versioning attributes as stored in the index.
const (
	FieldID         = "id"
	FieldStorageKey = "storageKey"
	FieldCreated    = "created"
	FieldRevised    = "revised"
	FieldHash       = "hash"
)

// Revision holds the versioning fields of every revision-bearing document.
// Documents embed it by value.
type Revision struct {
	ID         string   `json:"id"`
	StorageKey int64    `json:"storageKey"`
	Created    string   `json:"created,omitempty"`
	Revised    []string `json:"revised,omitempty"`
	Hash       string   `json:"hash,omitempty"`
}

// Revisioned is implemented by any struct embedding Revision.
type Revisioned interface {
	Rev() *Revision
}

// Rev returns the embedded versioning fields.
func (r *Revision) Rev() *Revision {
	return r
}

// CreatedPoint decodes the creation address.
func (r *Revision) CreatedPoint() (BranchPoint, error) {
	return ParseAddress(r.Created)
}

// RevisedPoints decodes the supersession addresses.
func (r *Revision) RevisedPoints() ([]BranchPoint, error) {
	points := make([]BranchPoint, 0, len(r.Revised))
	for _, addr := range r.Revised {
		p, err := ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// Contained is implemented by revisions that belong to a logical container.
// Revisions that do not implement it are grouped under RootObjectID.
type Contained interface {
	ContainerID() ObjectID
}

// PurgeMode selects which revisions a purge reclaims.
type PurgeMode string

const (
	PurgeAll     PurgeMode = "ALL"
	PurgeHistory PurgeMode = "HISTORY"
	PurgeLatest  PurgeMode = "LATEST"
)

// ParsePurgeMode accepts the mode names case-sensitively.
func ParsePurgeMode(s string) (PurgeMode, error) {
	switch m := PurgeMode(s); m {
	case PurgeAll, PurgeHistory, PurgeLatest:
		return m, nil
	}
	return "", ErrBadRequest
}
