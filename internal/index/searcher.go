package index

import (
	"encoding/json"
	"fmt"
)

// Searcher reads documents within one backend transaction.
type Searcher struct {
	tx    Tx
	codec *codec
}

// Get loads a document by key into v. It reports false if the key does not
// exist.
func (s *Searcher) Get(docType, key string, v any) (bool, error) {
	data, err := s.raw(docType, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", docType, key, err)
	}
	return true, nil
}

// GetDocument loads a document by key, or returns nil if it does not exist.
func (s *Searcher) GetDocument(docType, key string) (Document, error) {
	data, err := s.raw(docType, key)
	if err != nil || data == nil {
		return nil, err
	}
	return ParseDocument(data)
}

func (s *Searcher) raw(docType, key string) ([]byte, error) {
	value, err := s.tx.Get(docType, key)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", docType, key, err)
	}
	if value == nil {
		return nil, nil
	}
	return s.codec.decode(value)
}

// Search returns one page of documents matching q in key order. Total always
// counts every match so callers can report exact sizes for capped pages.
func (s *Searcher) Search(q Query) (*Hits, error) {
	return s.search(q, true)
}

// Page returns one page of documents matching q in key order. The scan stops
// at the first match past the page, so Total only counts the returned items.
func (s *Searcher) Page(q Query) (*Hits, error) {
	return s.search(q, false)
}

func (s *Searcher) search(q Query, countAll bool) (*Hits, error) {
	where := q.Where
	if where == nil {
		where = MatchAll()
	}
	hits := &Hits{}
	err := s.tx.Scan(q.Type, q.SearchAfter, func(key string, value []byte) (bool, error) {
		data, err := s.codec.decode(value)
		if err != nil {
			return false, fmt.Errorf("%s/%s: %w", q.Type, key, err)
		}
		doc, err := ParseDocument(data)
		if err != nil {
			return false, fmt.Errorf("%s/%s: %w", q.Type, key, err)
		}
		if !where.Match(doc) {
			return true, nil
		}
		if q.Limit > 0 && len(hits.Items) >= q.Limit {
			if hits.SearchAfter == "" {
				hits.SearchAfter = hits.Items[len(hits.Items)-1].Key
			}
			if !countAll {
				return false, nil
			}
			hits.Total++
			return true, nil
		}
		hits.Total++
		source, err := project(data, doc, q.Fields)
		if err != nil {
			return false, err
		}
		hits.Items = append(hits.Items, Hit{Key: key, Source: source})
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", q.Type, err)
	}
	return hits, nil
}

// Scroll walks every match of q in pages of batchSize until fn returns an
// error or the results are exhausted. q.Limit is ignored. Each page resumes
// the scan after the previous one, so a scroll reads every document once.
func (s *Searcher) Scroll(q Query, batchSize int, fn func(hits *Hits) error) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	q.Limit = batchSize
	for {
		hits, err := s.Page(q)
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

// Count returns the number of documents matching e.
func (s *Searcher) Count(docType string, e Expression) (int, error) {
	hits, err := s.Search(Select(docType).Filter(e).WithLimit(1))
	if err != nil {
		return 0, err
	}
	return hits.Total, nil
}

func project(data []byte, doc Document, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 {
		// backend memory is only valid inside the transaction
		return append(json.RawMessage(nil), data...), nil
	}
	projected := make(Document, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			projected[f] = v
		}
	}
	out, err := json.Marshal(projected)
	if err != nil {
		return nil, fmt.Errorf("project fields: %w", err)
	}
	return out, nil
}
