package revision

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// ConflictProcessor decides what a merge does with changes that collide.
type ConflictProcessor interface {
	// ChangedInSourceAndTarget resolves a property both sides changed since
	// they diverged. It returns the value to keep or a conflict.
	ChangedInSourceAndTarget(oid models.ObjectID, prop string, sourceValue, targetValue any) (any, *models.MergeConflict)
	// ChangedInSourceDetachedInTarget is called for a source change to an
	// object the target removed. A nil conflict drops the change.
	ChangedInSourceDetachedInTarget(oid models.ObjectID, source index.Document) *models.MergeConflict
	// ConvertPropertyValue renders a property value for a conflict report.
	ConvertPropertyValue(prop string, value any) string
	// ConvertConflict shapes a conflict before it is reported.
	ConvertConflict(c *models.MergeConflict) *models.MergeConflict
	// PostProcess runs on the staging area of a merge before it commits.
	PostProcess(ctx context.Context, staging *StagingArea) error
}

// DefaultConflictProcessor accepts converged property changes, drops
// changes to detached objects and reports everything else.
type DefaultConflictProcessor struct{}

var _ ConflictProcessor = DefaultConflictProcessor{}

func (DefaultConflictProcessor) ChangedInSourceAndTarget(oid models.ObjectID, prop string, sourceValue, targetValue any) (any, *models.MergeConflict) {
	if renderValue(sourceValue) == renderValue(targetValue) {
		return sourceValue, nil
	}
	return nil, &models.MergeConflict{Type: models.ConflictModifyModify, Object: oid, Property: prop}
}

func (DefaultConflictProcessor) ChangedInSourceDetachedInTarget(models.ObjectID, index.Document) *models.MergeConflict {
	return nil
}

func (DefaultConflictProcessor) ConvertPropertyValue(_ string, value any) string {
	return renderValue(value)
}

// ConvertConflict describes a property conflict as a character diff from
// the target value to the source value, deletions as [-x-] and insertions
// as {+x+}.
func (DefaultConflictProcessor) ConvertConflict(c *models.MergeConflict) *models.MergeConflict {
	if c.Message != "" || c.Property == "" {
		return c
	}
	shaped := *c
	shaped.Message = fmt.Sprintf("%s %s.%s: %s", c.Type, c.Object, c.Property, DiffValues(c.TargetValue, c.SourceValue))
	return &shaped
}

func (DefaultConflictProcessor) PostProcess(context.Context, *StagingArea) error {
	return nil
}

// PreferTarget keeps the target value of every property both sides changed.
type PreferTarget struct {
	DefaultConflictProcessor
}

func (PreferTarget) ChangedInSourceAndTarget(_ models.ObjectID, _ string, _, targetValue any) (any, *models.MergeConflict) {
	return targetValue, nil
}

// PreferSource keeps the source value of every property both sides changed.
type PreferSource struct {
	DefaultConflictProcessor
}

func (PreferSource) ChangedInSourceAndTarget(_ models.ObjectID, _ string, sourceValue, _ any) (any, *models.MergeConflict) {
	return sourceValue, nil
}

// ProcessorFor maps a conflict strategy name to its processor: "abort"
// reports conflicts, "ours" keeps the target and "theirs" the source.
func ProcessorFor(strategy string) (ConflictProcessor, error) {
	switch strategy {
	case "", "abort":
		return DefaultConflictProcessor{}, nil
	case "ours":
		return PreferTarget{}, nil
	case "theirs":
		return PreferSource{}, nil
	}
	return nil, fmt.Errorf("conflict strategy %q: %w", strategy, models.ErrBadRequest)
}

// DiffValues renders a character level diff turning from into to.
func DiffValues(from, to string) string {
	dmp := diffpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(from, to, strings.Contains(from, "\n") && strings.Contains(to, "\n")))

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffpatch.DiffDelete:
			sb.WriteString("[-" + d.Text + "-]")
		case diffpatch.DiffInsert:
			sb.WriteString("{+" + d.Text + "+}")
		case diffpatch.DiffEqual:
			sb.WriteString(d.Text)
		}
	}
	return sb.String()
}
