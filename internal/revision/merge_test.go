package revision

import (
	"context"
	"errors"
	"testing"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mergeInto(t *testing.T, rix *RevisionIndex, from, to string, squash bool) *models.MergeResult {
	t.Helper()
	result, err := rix.Merge(context.Background(), MergeRequest{
		From:    from,
		To:      to,
		Author:  "tester",
		Message: "merge " + from + " into " + to,
		Squash:  squash,
	})
	require.NoError(t, err)
	return result
}

func rebase(t *testing.T, rix *RevisionIndex, path string) *models.MergeResult {
	t.Helper()
	result, err := rix.Rebase(context.Background(), path, "rebase "+path, "tester", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func conflictsOf(t *testing.T, err error) []*models.MergeConflict {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConflict)
	var conflictErr *models.MergeConflictError
	require.True(t, errors.As(err, &conflictErr), "got %v", err)
	return conflictErr.Conflicts
}

func TestMerge_FastForward(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart")) // 100
	a := mustBranch(t, rix, models.MainPath, "a")                   // 101
	changeConcept(t, rix, a, "c1", func(c *concept) { c.Term = "Heart structure" })
	addConcepts(t, rix, a, newConcept("c2", "Lung")) // 103

	events, cancel := rix.Branching().Registry().Subscribe(4)
	defer cancel()

	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.True(t, result.FastForward)
	assert.Equal(t, int64(103), result.Timestamp)
	assert.Nil(t, result.Commit)
	assert.Equal(t, BranchEvent{Kind: EventUpdated, Path: models.MainPath}, nextEvent(t, events))

	assert.Equal(t, []string{"c1=Heart structure", "c2=Lung"}, visibleConcepts(t, rix, models.MainPath))
	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Equal(t, int64(103), main.HeadTimestamp)
	assert.Contains(t, main.MergeSources, models.NewBranchPoint(1, 103))
	assert.Equal(t, models.BranchUpToDate, branchState(t, rix, a, ""))

	// MAIN keeps accepting commits after adopting the child's lineage
	addConcepts(t, rix, models.MainPath, newConcept("c3", "Liver"))
	assert.Equal(t, []string{"c1=Heart structure", "c2=Lung", "c3=Liver"}, visibleConcepts(t, rix, models.MainPath))
	assert.Equal(t, []string{"c1=Heart structure", "c2=Lung"}, visibleConcepts(t, rix, a))
	assert.Equal(t, models.BranchBehind, branchState(t, rix, a, ""))
	assert.Nil(t, mergeInto(t, rix, a, models.MainPath, false))
}

func TestMerge_NothingToMerge(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	a := mustBranch(t, rix, models.MainPath, "a") // 100
	assert.Nil(t, mergeInto(t, rix, a, models.MainPath, false), "up to date")

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart")) // 101
	assert.Nil(t, mergeInto(t, rix, a, models.MainPath, false), "behind")

	// the other direction fast-forwards the child
	result := mergeInto(t, rix, models.MainPath, a, false)
	require.NotNil(t, result)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"c1=Heart"}, visibleConcepts(t, rix, a))

	_, err := rix.Merge(ctx, MergeRequest{From: a, To: a})
	assert.ErrorIs(t, err, models.ErrBadRequest)
	_, err = rix.Merge(ctx, MergeRequest{From: "MAIN/missing", To: a})
	assert.ErrorIs(t, err, models.ErrNotFound)

	b := mustBranch(t, rix, models.MainPath, "b")
	require.NoError(t, rix.Branching().Delete(ctx, b))
	_, err = rix.Merge(ctx, MergeRequest{From: models.MainPath, To: b})
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestMerge_SquashDiverged(t *testing.T) {
	rix, _ := newTestIndex(t)

	a := mustBranch(t, rix, models.MainPath, "a")                 // 100
	addConcepts(t, rix, a, newConcept("x", "Heart"))              // 101
	addConcepts(t, rix, models.MainPath, newConcept("y", "Lung")) // 102
	assert.Equal(t, models.BranchDiverged, branchState(t, rix, a, ""))

	result := mergeInto(t, rix, a, models.MainPath, false) // 103
	require.NotNil(t, result)
	assert.False(t, result.FastForward)
	require.NotNil(t, result.Commit)
	assert.Equal(t, 1, result.ObjectsAdded)
	assert.Equal(t, int64(103), result.Timestamp)
	assert.True(t, result.Commit.Squash)
	assert.Equal(t, &models.BranchPoint{BranchID: 1, Timestamp: 101}, result.Commit.MergeSource)

	assert.Equal(t, []string{"x=Heart", "y=Lung"}, visibleConcepts(t, rix, models.MainPath))
	assert.Equal(t, []string{"x=Heart"}, visibleConcepts(t, rix, a))
	assert.Equal(t, models.BranchBehind, branchState(t, rix, a, ""))
	assert.Nil(t, mergeInto(t, rix, a, models.MainPath, false))

	// catching up does not duplicate the merged revision
	result = rebase(t, rix, a)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"x=Heart", "y=Lung"}, visibleConcepts(t, rix, a))
	assert.Equal(t, models.BranchUpToDate, branchState(t, rix, a, ""))
	diff, err := rix.Compare(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())

	// and neither does bringing later work back
	addConcepts(t, rix, a, newConcept("z", "Liver"))
	result = mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"x=Heart", "y=Lung", "z=Liver"}, visibleConcepts(t, rix, models.MainPath))
}

func TestMerge_SquashFlag(t *testing.T) {
	rix, _ := newTestIndex(t)

	a := mustBranch(t, rix, models.MainPath, "a")
	addConcepts(t, rix, a, newConcept("x", "Heart"))

	result := mergeInto(t, rix, a, models.MainPath, true)
	require.NotNil(t, result)
	assert.False(t, result.FastForward)
	require.NotNil(t, result.Commit)
	assert.Equal(t, 1, result.ObjectsAdded)
	assert.Equal(t, []string{"x=Heart"}, visibleConcepts(t, rix, models.MainPath))

	// the merge commit itself is not a change the child lacks
	assert.Equal(t, models.BranchUpToDate, branchState(t, rix, a, ""))

	result = rebase(t, rix, a)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"x=Heart"}, visibleConcepts(t, rix, a))
}

func TestRebase_DivergedThenMerge(t *testing.T) {
	rix, _ := newTestIndex(t)

	a := mustBranch(t, rix, models.MainPath, "a")                 // 100
	addConcepts(t, rix, a, newConcept("x", "Heart"))              // 101
	addConcepts(t, rix, models.MainPath, newConcept("y", "Lung")) // 102

	result := rebase(t, rix, a) // 103
	assert.False(t, result.FastForward)
	assert.Equal(t, 1, result.ObjectsAdded)
	assert.Equal(t, []string{"x=Heart", "y=Lung"}, visibleConcepts(t, rix, a))
	assert.Equal(t, models.BranchForward, branchState(t, rix, a, ""))

	result = mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"x=Heart", "y=Lung"}, visibleConcepts(t, rix, models.MainPath))
	assert.Equal(t, models.BranchUpToDate, branchState(t, rix, a, ""))
}

func TestRebase(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	_, err := rix.Rebase(ctx, models.MainPath, "", "tester", nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	// with nothing to bring in, a rebase still moves the branch
	a := mustBranch(t, rix, models.MainPath, "a") // 100
	result := rebase(t, rix, a)                   // 101
	require.NotNil(t, result.Commit)
	assert.Empty(t, result.Commit.Details)
	assert.Equal(t, int64(101), result.Timestamp)

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart")) // 102
	assert.Empty(t, visibleConcepts(t, rix, a+"^"))
	result = rebase(t, rix, a)
	assert.True(t, result.FastForward)
	assert.Equal(t, int64(102), result.Timestamp)
	assert.Equal(t, []string{"c1=Heart"}, visibleConcepts(t, rix, a))

	// the fork point follows the parent head the branch fast-forwarded to
	branch, err := rix.Branching().Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(103), branch.BaseTimestamp)
	assert.Equal(t, []string{"c1=Heart"}, visibleConcepts(t, rix, a+"^"))
	diff, err := rix.CompareBranches(ctx, a+"^", a)
	require.NoError(t, err)
	assert.Empty(t, diff.Types())
}

func TestMerge_Removals(t *testing.T) {
	rix, _ := newTestIndex(t)

	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"), newConcept("y", "Lung")) // 100
	a := mustBranch(t, rix, models.MainPath, "a")                                           // 101
	removeConcept(t, rix, a, "x")                                                           // 102
	b := mustBranch(t, rix, models.MainPath, "b")                                           // 103
	removeConcept(t, rix, b, "y")                                                           // 104

	result := mergeInto(t, rix, a, models.MainPath, true) // 105
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ObjectsRemoved)
	assert.Equal(t, []string{"y=Lung"}, visibleConcepts(t, rix, models.MainPath))

	result = mergeInto(t, rix, b, models.MainPath, false)
	require.NotNil(t, result)
	assert.False(t, result.FastForward)
	assert.Equal(t, 1, result.ObjectsRemoved)
	assert.Empty(t, visibleConcepts(t, rix, models.MainPath))
}

func TestMerge_FastForwardRemoval(t *testing.T) {
	rix, _ := newTestIndex(t)

	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))
	a := mustBranch(t, rix, models.MainPath, "a")
	removeConcept(t, rix, a, "x")

	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.True(t, result.FastForward)
	assert.Empty(t, visibleConcepts(t, rix, models.MainPath))
}

func TestMerge_AddAddConflict(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	a := mustBranch(t, rix, models.MainPath, "a")
	addConcepts(t, rix, a, newConcept("x", "Heart"))
	addConcepts(t, rix, models.MainPath, newConcept("x", "Cardiac")) // 102

	_, err := rix.Merge(ctx, MergeRequest{From: a, To: models.MainPath})
	conflicts := conflictsOf(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictAddAdd, conflicts[0].Type)
	assert.Equal(t, models.NewObjectID("concept", "x"), conflicts[0].Object)

	// nothing was written
	assert.Equal(t, []string{"x=Cardiac"}, visibleConcepts(t, rix, models.MainPath))
	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Equal(t, int64(102), main.HeadTimestamp)
}

func TestMerge_AddAddIdentical(t *testing.T) {
	rix, _ := newTestIndex(t)

	a := mustBranch(t, rix, models.MainPath, "a")
	addConcepts(t, rix, a, newConcept("x", "Heart"))
	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))

	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.ObjectsAdded)
	assert.Equal(t, []string{"x=Heart"}, visibleConcepts(t, rix, models.MainPath))

	result = rebase(t, rix, a)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"x=Heart"}, visibleConcepts(t, rix, a))

	addConcepts(t, rix, a, newConcept("y", "Lung"))
	mergeInto(t, rix, a, models.MainPath, false)
	assert.Equal(t, []string{"x=Heart", "y=Lung"}, visibleConcepts(t, rix, models.MainPath))
}

func TestMerge_ChangeChangeConflict(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))
	a := mustBranch(t, rix, models.MainPath, "a")
	changeConcept(t, rix, a, "x", func(c *concept) { c.Term = "Heart structure" })
	changeConcept(t, rix, models.MainPath, "x", func(c *concept) { c.Term = "Cardiac structure" })

	_, err := rix.Merge(ctx, MergeRequest{From: a, To: models.MainPath})
	conflicts := conflictsOf(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, models.ConflictModifyModify, c.Type)
	assert.Equal(t, "term", c.Property)
	assert.Equal(t, "Heart structure", c.SourceValue)
	assert.Equal(t, "Cardiac structure", c.TargetValue)
	assert.Contains(t, c.Message, "modify-modify concept/x.term: ")
	assert.Contains(t, c.Message, " structure")
	assert.Contains(t, err.Error(), c.Message)
}

func TestMerge_ChangeChangeDisjoint(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))                     // 100
	a := mustBranch(t, rix, models.MainPath, "a")                                      // 101
	changeConcept(t, rix, a, "x", func(c *concept) { c.Term = "Heart structure" })     // 102
	changeConcept(t, rix, models.MainPath, "x", func(c *concept) { c.Active = false }) // 103

	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ObjectsChanged)
	assert.Equal(t, 0, result.ResolvedConflicts)

	merged, ok := getConcept(t, rix, models.MainPath, "x")
	require.True(t, ok)
	assert.Equal(t, "Heart structure", merged.Term)
	assert.False(t, merged.Active)

	result = rebase(t, rix, a)
	assert.True(t, result.FastForward)
	assert.Equal(t, []string{"x=Heart structure"}, visibleConcepts(t, rix, a))
	onChild, ok := getConcept(t, rix, a, "x")
	require.True(t, ok)
	assert.Equal(t, merged.Hash, onChild.Hash)

	diff, err := rix.Compare(ctx, a)
	require.NoError(t, err)
	assert.True(t, diff.IsEmpty())
}

func TestMerge_ChangeChangeConverged(t *testing.T) {
	rix, _ := newTestIndex(t)

	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))
	a := mustBranch(t, rix, models.MainPath, "a")
	changeConcept(t, rix, a, "x", func(c *concept) { c.Term = "Heart structure" })
	changeConcept(t, rix, models.MainPath, "x", func(c *concept) { c.Term = "Heart structure" })

	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ResolvedConflicts)
	assert.Equal(t, 0, result.ObjectsChanged)
	assert.Equal(t, []string{"x=Heart structure"}, visibleConcepts(t, rix, models.MainPath))

	rebase(t, rix, a)
	assert.Equal(t, []string{"x=Heart structure"}, visibleConcepts(t, rix, a))
}

// detachedProcessor reports every change to an object the target removed.
type detachedProcessor struct {
	DefaultConflictProcessor
}

func (detachedProcessor) ChangedInSourceDetachedInTarget(oid models.ObjectID, _ index.Document) *models.MergeConflict {
	return &models.MergeConflict{Object: oid}
}

func TestMerge_ChangedInSourceRemovedInTarget(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))
	a := mustBranch(t, rix, models.MainPath, "a")
	changeConcept(t, rix, a, "x", func(c *concept) { c.Term = "Heart structure" })
	removeConcept(t, rix, models.MainPath, "x")

	_, err := rix.Merge(ctx, MergeRequest{From: a, To: models.MainPath, Processor: detachedProcessor{}})
	conflicts := conflictsOf(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictModifyDetached, conflicts[0].Type)

	// the default processor drops the change
	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Dropped)
	assert.Empty(t, visibleConcepts(t, rix, models.MainPath))
}

func TestMerge_RemovedContainer(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart")) // 100
	a := mustBranch(t, rix, models.MainPath, "a")                   // 101
	removeConcept(t, rix, a, "c1")                                  // 102
	mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		return sa.StageNew("description", newDescription("d1", "c1", "Heart structure"))
	}) // 103

	// a's removal would orphan the description MAIN added
	_, err := rix.Merge(ctx, MergeRequest{From: a, To: models.MainPath})
	conflicts := conflictsOf(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictDetachedAdd, conflicts[0].Type)
	assert.Equal(t, models.NewObjectID("description", "d1"), conflicts[0].Object)

	// and MAIN's description has no concept to live under on a
	_, err = rix.Rebase(ctx, a, "rebase", "tester", nil)
	conflicts = conflictsOf(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictAddDetached, conflicts[0].Type)
}

// interferingProcessor commits to the target while the merge is staged.
type interferingProcessor struct {
	DefaultConflictProcessor
	interfere func(ctx context.Context) error
}

func (p interferingProcessor) PostProcess(ctx context.Context, _ *StagingArea) error {
	return p.interfere(ctx)
}

func TestMerge_TargetMovedDuringMerge(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	a := mustBranch(t, rix, models.MainPath, "a")
	addConcepts(t, rix, a, newConcept("x", "Heart"))
	addConcepts(t, rix, models.MainPath, newConcept("y", "Lung"))

	processor := interferingProcessor{interfere: func(ctx context.Context) error {
		_, err := rix.Write(ctx, models.MainPath, "someone else", "meanwhile", func(sa *StagingArea) error {
			return sa.StageNew("concept", newConcept("z", "Liver"))
		})
		return err
	}}
	_, err := rix.Merge(ctx, MergeRequest{From: a, To: models.MainPath, Processor: processor})
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, []string{"y=Lung", "z=Liver"}, visibleConcepts(t, rix, models.MainPath))

	// a retry sees the new head
	result := mergeInto(t, rix, a, models.MainPath, false)
	require.NotNil(t, result)
	assert.Equal(t, []string{"x=Heart", "y=Lung", "z=Liver"}, visibleConcepts(t, rix, models.MainPath))
}

func TestMerge_ChangeChangeStrategies(t *testing.T) {
	tests := []struct {
		name      string
		processor ConflictProcessor
		term      string
		changed   int
	}{
		{"theirs", PreferSource{}, "Heart structure", 1},
		{"ours", PreferTarget{}, "Cardiac structure", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rix, _ := newTestIndex(t)
			ctx := context.Background()

			addConcepts(t, rix, models.MainPath, newConcept("x", "Heart"))
			a := mustBranch(t, rix, models.MainPath, "a")
			changeConcept(t, rix, a, "x", func(c *concept) { c.Term = "Heart structure" })
			changeConcept(t, rix, models.MainPath, "x", func(c *concept) { c.Term = "Cardiac structure" })

			result, err := rix.Merge(ctx, MergeRequest{From: a, To: models.MainPath, Processor: tt.processor})
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.Equal(t, 1, result.ResolvedConflicts)
			assert.Equal(t, tt.changed, result.ObjectsChanged)
			assert.Equal(t, []string{"x=" + tt.term}, visibleConcepts(t, rix, models.MainPath))
		})
	}
}
