package index

import (
	"fmt"
	"strings"
)

// Expression is a predicate over a document.
type Expression interface {
	Match(doc Document) bool
	String() string
}

type matchAll struct{}

// MatchAll matches every document.
func MatchAll() Expression { return matchAll{} }

func (matchAll) Match(Document) bool { return true }
func (matchAll) String() string      { return "*" }

type matchNone struct{}

// MatchNone matches no document.
func MatchNone() Expression { return matchNone{} }

func (matchNone) Match(Document) bool { return false }
func (matchNone) String() string      { return "-*" }

type exactMatch struct {
	field string
	value any
}

// Exact matches documents where field equals value.
func Exact(field string, value any) Expression {
	return exactMatch{field: field, value: value}
}

func (e exactMatch) Match(doc Document) bool {
	for _, v := range doc.Values(e.field) {
		if valuesEqual(v, e.value) {
			return true
		}
	}
	return false
}

func (e exactMatch) String() string { return fmt.Sprintf("%s:%v", e.field, e.value) }

type anyOf struct {
	field  string
	values []any
}

// AnyOf matches documents where field equals any of the values. An empty
// value list matches nothing.
func AnyOf[T any](field string, values ...T) Expression {
	converted := make([]any, len(values))
	for i, v := range values {
		converted[i] = v
	}
	return anyOf{field: field, values: converted}
}

func (e anyOf) Match(doc Document) bool {
	for _, v := range doc.Values(e.field) {
		for _, want := range e.values {
			if valuesEqual(v, want) {
				return true
			}
		}
	}
	return false
}

func (e anyOf) String() string { return fmt.Sprintf("%s:any%v", e.field, e.values) }

type rangeMatch struct {
	field        string
	lower, upper any
	includeLower bool
	includeUpper bool
}

// Range matches documents where field lies between lower and upper. A nil
// bound is unbounded. Text fields compare lexicographically, numeric fields
// numerically.
func Range(field string, lower, upper any, includeLower, includeUpper bool) Expression {
	return rangeMatch{field: field, lower: lower, upper: upper, includeLower: includeLower, includeUpper: includeUpper}
}

// Between is the half-open range [lower, upper).
func Between(field string, lower, upper any) Expression {
	return Range(field, lower, upper, true, false)
}

func (e rangeMatch) Match(doc Document) bool {
	for _, v := range doc.Values(e.field) {
		if e.matchValue(v) {
			return true
		}
	}
	return false
}

func (e rangeMatch) matchValue(v any) bool {
	if e.lower != nil {
		c, ok := compareValues(v, e.lower)
		if !ok || c < 0 || (c == 0 && !e.includeLower) {
			return false
		}
	}
	if e.upper != nil {
		c, ok := compareValues(v, e.upper)
		if !ok || c > 0 || (c == 0 && !e.includeUpper) {
			return false
		}
	}
	return true
}

func (e rangeMatch) String() string {
	lb, ub := "(", ")"
	if e.includeLower {
		lb = "["
	}
	if e.includeUpper {
		ub = "]"
	}
	return fmt.Sprintf("%s:%s%v, %v%s", e.field, lb, e.lower, e.upper, ub)
}

type prefixMatch struct {
	field  string
	prefix string
}

// Prefix matches documents whose text field starts with prefix.
func Prefix(field, prefix string) Expression {
	return prefixMatch{field: field, prefix: prefix}
}

func (e prefixMatch) Match(doc Document) bool {
	for _, v := range doc.Values(e.field) {
		if s, ok := v.(string); ok && strings.HasPrefix(s, e.prefix) {
			return true
		}
	}
	return false
}

func (e prefixMatch) String() string { return fmt.Sprintf("%s:%s*", e.field, e.prefix) }

type exists struct{ field string }

// Exists matches documents that have a non-null value for field.
func Exists(field string) Expression { return exists{field: field} }

func (e exists) Match(doc Document) bool { return len(doc.Values(e.field)) > 0 }
func (e exists) String() string          { return "_exists_:" + e.field }

// BoolExpression composes clauses the way a search server does: all Must and
// Filter clauses have to match, no MustNot clause may match, and at least
// MinShouldMatch Should clauses have to match. When there are no Must or
// Filter clauses, at least one Should clause is required.
type BoolExpression struct {
	must           []Expression
	should         []Expression
	mustNot        []Expression
	filter         []Expression
	minShouldMatch int
}

// Bool starts an empty boolean expression.
func Bool() *BoolExpression { return &BoolExpression{} }

func (b *BoolExpression) Must(e ...Expression) *BoolExpression {
	b.must = append(b.must, e...)
	return b
}

func (b *BoolExpression) Should(e ...Expression) *BoolExpression {
	b.should = append(b.should, e...)
	return b
}

func (b *BoolExpression) MustNot(e ...Expression) *BoolExpression {
	b.mustNot = append(b.mustNot, e...)
	return b
}

func (b *BoolExpression) Filter(e ...Expression) *BoolExpression {
	b.filter = append(b.filter, e...)
	return b
}

func (b *BoolExpression) MinShouldMatch(n int) *BoolExpression {
	b.minShouldMatch = n
	return b
}

func (b *BoolExpression) Match(doc Document) bool {
	for _, e := range b.must {
		if !e.Match(doc) {
			return false
		}
	}
	for _, e := range b.filter {
		if !e.Match(doc) {
			return false
		}
	}
	for _, e := range b.mustNot {
		if e.Match(doc) {
			return false
		}
	}
	required := b.minShouldMatch
	if required == 0 && len(b.must) == 0 && len(b.filter) == 0 && len(b.should) > 0 {
		required = 1
	}
	if required == 0 {
		return true
	}
	matched := 0
	for _, e := range b.should {
		if e.Match(doc) {
			matched++
			if matched >= required {
				return true
			}
		}
	}
	return false
}

func (b *BoolExpression) String() string {
	var parts []string
	add := func(prefix string, exprs []Expression) {
		for _, e := range exprs {
			parts = append(parts, prefix+e.String())
		}
	}
	add("+", b.must)
	add("#", b.filter)
	add("", b.should)
	add("-", b.mustNot)
	return "(" + strings.Join(parts, " ") + ")"
}

// And matches when every expression matches.
func And(e ...Expression) Expression { return Bool().Filter(e...) }

// Or matches when at least one expression matches.
func Or(e ...Expression) Expression {
	if len(e) == 0 {
		return MatchNone()
	}
	return Bool().Should(e...)
}

// Not negates an expression.
func Not(e Expression) Expression { return Bool().Filter(MatchAll()).MustNot(e) }
