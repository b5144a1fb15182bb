package index

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Document is the generic, decoded form of a stored document. Numbers are
// kept as json.Number so 64-bit keys and timestamps survive intact.
type Document map[string]any

// ParseDocument decodes raw JSON into a Document.
func ParseDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// ToDocument converts any JSON-serializable value into a Document.
func ToDocument(v any) (Document, error) {
	if doc, ok := v.(Document); ok {
		return doc, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return ParseDocument(data)
}

// Values returns every value reachable through a dotted field path. Arrays
// are flattened, so a predicate on a list field matches if any element does.
func (d Document) Values(field string) []any {
	return collect(map[string]any(d), strings.Split(field, "."))
}

// String returns a top-level string field, or "".
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Int64 returns a top-level integer field.
func (d Document) Int64(field string) (int64, bool) {
	return toInt64(d[field])
}

func collect(v any, path []string) []any {
	if len(path) == 0 {
		if list, ok := v.([]any); ok {
			return list
		}
		if v == nil {
			return nil
		}
		return []any{v}
	}
	switch t := v.(type) {
	case map[string]any:
		return collect(t[path[0]], path[1:])
	case Document:
		return collect(t[path[0]], path[1:])
	case []any:
		var out []any
		for _, item := range t {
			out = append(out, collect(item, path)...)
		}
		return out
	}
	return nil
}

// compareValues orders two scalar values. Strings compare as text, numbers
// numerically. ok is false when the values are not comparable.
func compareValues(a, b any) (c int, ok bool) {
	if as, isStr := a.(string); isStr {
		bs, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, isBool := a.(bool); isBool {
		bb, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)
	if aInt && bInt {
		return cmp.Compare(ai, bi), true
	}
	af, aNum := toBigFloat(a)
	bf, bNum := toBigFloat(b)
	if aNum && bNum {
		return af.Cmp(bf), true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	c, ok := compareValues(a, b)
	return ok && c == 0
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func toBigFloat(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case float64:
		return big.NewFloat(n), true
	case float32:
		return big.NewFloat(float64(n)), true
	case json.Number:
		f, _, err := big.ParseFloat(n.String(), 10, 64, big.ToNearestEven)
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return new(big.Float).SetInt64(i), true
	}
	return nil, false
}
