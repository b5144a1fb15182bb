package revision

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
)

// Searcher reads through a branch ref: queries on revision types only see
// the revisions visible on the ref.
type Searcher struct {
	s        *index.Searcher
	ref      models.RevisionBranchRef
	mappings *Mappings
}

// Ref returns the ref the searcher reads through.
func (s *Searcher) Ref() models.RevisionBranchRef {
	return s.ref
}

// Search runs q against the ref. Nested types must name their parent with
// Query.From.
func (s *Searcher) Search(q index.Query) (*index.Hits, error) {
	mapping, err := s.mappings.Get(q.Type)
	if err != nil {
		return nil, err
	}
	switch mapping.Kind {
	case KindPlain:
		return s.s.Search(q)
	case KindNested:
		return s.searchNested(q, mapping)
	}
	return s.s.Search(q.And(Visible(s.ref)))
}

// Scroll walks every match of q in pages of batchSize.
func (s *Searcher) Scroll(q index.Query, batchSize int, fn func(hits *index.Hits) error) error {
	mapping, err := s.mappings.Get(q.Type)
	if err != nil {
		return err
	}
	switch mapping.Kind {
	case KindPlain:
		return s.s.Scroll(q, batchSize, fn)
	case KindRevision:
		return s.s.Scroll(q.And(Visible(s.ref)), batchSize, fn)
	}

	if batchSize <= 0 {
		batchSize = index.DefaultBatchSize
	}
	q.Limit = batchSize
	for {
		hits, err := s.searchNested(q, mapping)
		if err != nil {
			return err
		}
		if len(hits.Items) == 0 {
			return nil
		}
		if err := fn(hits); err != nil {
			return err
		}
		if hits.SearchAfter == "" {
			return nil
		}
		q.SearchAfter = hits.SearchAfter
	}
}

// Count returns the number of visible documents of docType matching e.
func (s *Searcher) Count(docType string, e index.Expression) (int, error) {
	hits, err := s.Search(index.Select(docType).Filter(e).WithLimit(1))
	if err != nil {
		return 0, err
	}
	return hits.Total, nil
}

// Get loads the visible revision of id into v.
func (s *Searcher) Get(docType, id string, v any) (bool, error) {
	hits, err := s.Search(index.Select(docType).Filter(index.Exact(models.FieldID, id)).WithLimit(1))
	if err != nil || len(hits.Items) == 0 {
		return false, err
	}
	return true, hits.Items[0].Decode(v)
}

// GetDocuments loads the visible revisions of ids keyed by id.
func (s *Searcher) GetDocuments(docType string, ids ...string) (map[string]index.Document, error) {
	docs := make(map[string]index.Document, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}
	err := s.Scroll(index.Select(docType).Filter(index.AnyOf(models.FieldID, ids...)), 0, func(hits *index.Hits) error {
		for _, hit := range hits.Items {
			doc, err := hit.Document()
			if err != nil {
				return err
			}
			docs[doc.String(models.FieldID)] = doc
		}
		return nil
	})
	return docs, err
}

// searchNested filters the visible parents and matches q against each
// embedded element. Element keys are "parentKey#position".
func (s *Searcher) searchNested(q index.Query, mapping Mapping) (*index.Hits, error) {
	if q.Parent == "" {
		return nil, fmt.Errorf("query on nested type %s without its parent type: %w", q.Type, models.ErrUnsupported)
	}
	if q.Parent != mapping.Parent {
		return nil, fmt.Errorf("nested type %s belongs to %s, not %s: %w", q.Type, mapping.Parent, q.Parent, models.ErrUnsupported)
	}
	where := q.Where
	if where == nil {
		where = index.MatchAll()
	}

	hits := &index.Hits{}
	parents := index.Select(mapping.Parent).Filter(Visible(s.ref))
	err := s.s.Scroll(parents, 0, func(page *index.Hits) error {
		for _, hit := range page.Items {
			doc, err := hit.Document()
			if err != nil {
				return err
			}
			elements, _ := doc[mapping.Field].([]any)
			for i, el := range elements {
				fields, ok := el.(map[string]any)
				if !ok || !where.Match(index.Document(fields)) {
					continue
				}
				key := fmt.Sprintf("%s#%06d", hit.Key, i)
				if q.SearchAfter != "" && key <= q.SearchAfter {
					continue
				}
				hits.Total++
				if q.Limit > 0 && len(hits.Items) >= q.Limit {
					if hits.SearchAfter == "" {
						hits.SearchAfter = hits.Items[len(hits.Items)-1].Key
					}
					continue
				}
				source, err := projectFields(fields, q.Fields)
				if err != nil {
					return err
				}
				hits.Items = append(hits.Items, index.Hit{Key: key, Source: source})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s from %s: %w", q.Type, mapping.Parent, err)
	}
	return hits, nil
}

func projectFields(fields map[string]any, names []string) (json.RawMessage, error) {
	if len(names) > 0 {
		projected := make(map[string]any, len(names))
		for _, name := range names {
			if v, ok := fields[name]; ok {
				projected[name] = v
			}
		}
		fields = projected
	}
	return json.Marshal(fields)
}
