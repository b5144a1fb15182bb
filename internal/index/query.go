package index

import (
	"encoding/json"
	"fmt"
)

// Query selects documents of one type.
type Query struct {
	Type        string
	Parent      string // parent type of a nested selection
	Where       Expression
	Fields      []string // projected top-level fields, all when empty
	Limit       int      // 0 means no limit
	SearchAfter string   // continue after this document key
}

// Select starts a query over docType matching everything.
func Select(docType string) Query {
	return Query{Type: docType, Where: MatchAll()}
}

// From declares the parent type of a nested selection.
func (q Query) From(parentType string) Query {
	q.Parent = parentType
	return q
}

// Filter replaces the query's expression.
func (q Query) Filter(e Expression) Query {
	q.Where = e
	return q
}

// And narrows the query with an additional expression.
func (q Query) And(e Expression) Query {
	if q.Where == nil {
		q.Where = e
		return q
	}
	q.Where = And(q.Where, e)
	return q
}

// Project restricts the returned fields.
func (q Query) Project(fields ...string) Query {
	q.Fields = fields
	return q
}

// WithLimit caps the number of hits returned.
func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

// After continues a previous search after the given key.
func (q Query) After(key string) Query {
	q.SearchAfter = key
	return q
}

func (q Query) String() string {
	where := "*"
	if q.Where != nil {
		where = q.Where.String()
	}
	return fmt.Sprintf("select %s where %s limit %d after %q", q.Type, where, q.Limit, q.SearchAfter)
}

// Hit is one matching document.
type Hit struct {
	Key    string          `json:"key"`
	Source json.RawMessage `json:"source"`
}

// Decode unmarshals the hit into v.
func (h Hit) Decode(v any) error {
	if err := json.Unmarshal(h.Source, v); err != nil {
		return fmt.Errorf("decode %s: %w", h.Key, err)
	}
	return nil
}

// Document parses the hit source.
func (h Hit) Document() (Document, error) {
	return ParseDocument(h.Source)
}

// Hits is one page of search results.
type Hits struct {
	Items []Hit
	// Total counts every matching document, not only the returned page.
	// Pages from Searcher.Page and Scroll count only their own items.
	Total int
	// SearchAfter is the key to continue from, empty on the last page.
	SearchAfter string
}

// Keys returns the document keys of the page.
func (h *Hits) Keys() []string {
	keys := make([]string, len(h.Items))
	for i, hit := range h.Items {
		keys[i] = hit.Key
	}
	return keys
}

// Decode unmarshals every hit into a fresh T.
func Decode[T any](hits *Hits) ([]T, error) {
	out := make([]T, 0, len(hits.Items))
	for _, hit := range hits.Items {
		var v T
		if err := hit.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
