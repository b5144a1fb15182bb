package revision

import (
	"fmt"
	"strings"

	"github.com/kilupskalvis/revindex/internal/models"
)

const (
	// BaseMarker selects the state of a branch just before it forked.
	BaseMarker = "^"
	// RangeSeparator joins the two sides of a revision range.
	RangeSeparator = "..."
)

// BranchPath is a parsed branch path expression: a plain path, the base of
// a branch ("MAIN/a^") or a revision range ("MAIN...MAIN/a").
type BranchPath struct {
	Path string
	Base bool
	// From is the left side of a range, empty otherwise.
	From string
}

// ParseBranchPath parses a branch path expression.
func ParseBranchPath(expr string) (BranchPath, error) {
	if expr == "" {
		return BranchPath{}, fmt.Errorf("empty branch path: %w", models.ErrBadRequest)
	}
	if strings.Contains(expr, RangeSeparator) {
		parts := strings.Split(expr, RangeSeparator)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return BranchPath{}, fmt.Errorf("revision range %q must have exactly two sides: %w", expr, models.ErrBadRequest)
		}
		if strings.Contains(parts[0], BaseMarker) || strings.Contains(parts[1], BaseMarker) {
			return BranchPath{}, fmt.Errorf("revision range %q: %w", expr, models.ErrBadRequest)
		}
		return BranchPath{Path: parts[1], From: parts[0]}, nil
	}
	if path, ok := strings.CutSuffix(expr, BaseMarker); ok {
		if path == "" || strings.Contains(path, BaseMarker) {
			return BranchPath{}, fmt.Errorf("base path %q: %w", expr, models.ErrBadRequest)
		}
		return BranchPath{Path: path, Base: true}, nil
	}
	if strings.Contains(expr, BaseMarker) {
		return BranchPath{}, fmt.Errorf("branch path %q: %w", expr, models.ErrBadRequest)
	}
	return BranchPath{Path: expr}, nil
}

// IsRange reports whether the expression selects a revision range.
func (p BranchPath) IsRange() bool {
	return p.From != ""
}

// Writable reports whether commits may target the expression.
func (p BranchPath) Writable() bool {
	return !p.Base && !p.IsRange()
}

func (p BranchPath) String() string {
	switch {
	case p.IsRange():
		return p.From + RangeSeparator + p.Path
	case p.Base:
		return p.Path + BaseMarker
	}
	return p.Path
}
