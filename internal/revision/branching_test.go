package revision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/pathlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_CreatesMain(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), main.ID)
	assert.Equal(t, []models.RevisionSegment{models.OpenSegment(0, 0)}, main.Segments)

	// a second init keeps the existing root
	require.NoError(t, rix.Init(ctx))
	branches, err := rix.Branching().SearchByPathPrefix(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestCreateBranch(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	path := mustBranch(t, rix, models.MainPath, "a")
	assert.Equal(t, "MAIN/a", path)

	child, err := rix.Branching().Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), child.ID)
	assert.Equal(t, models.MainPath, child.ParentPath)
	assert.Equal(t, int64(100), child.BaseTimestamp)
	assert.Equal(t, int64(100), child.HeadTimestamp)
	assert.Equal(t, []models.RevisionSegment{{BranchID: 0, Start: 0, End: 100}, models.OpenSegment(1, 100)}, child.Segments)

	// the parent continues in a fresh segment
	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Equal(t, []models.RevisionSegment{{BranchID: 0, Start: 0, End: 100}, models.OpenSegment(0, 100)}, main.Segments)

	nested := mustBranch(t, rix, path, "b")
	assert.Equal(t, "MAIN/a/b", nested)
	grandchild, err := rix.Branching().Get(ctx, nested)
	require.NoError(t, err)
	assert.Equal(t, int64(2), grandchild.ID)
	assert.Len(t, grandchild.Segments, 3)

	_, err = rix.Branching().CreateBranch(ctx, models.MainPath, "a", nil)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestCreateBranch_Invalid(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	_, err := rix.Branching().CreateBranch(ctx, models.MainPath, "has space", nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = rix.Branching().CreateBranch(ctx, models.MainPath, "", nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = rix.Branching().CreateBranch(ctx, "MAIN/missing", "a", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	path := mustBranch(t, rix, models.MainPath, "a")
	require.NoError(t, rix.Branching().Delete(ctx, path))
	_, err = rix.Branching().CreateBranch(ctx, path, "b", nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestCreateBranch_Concurrent(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	paths := make([]string, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = rix.Branching().CreateBranch(ctx, models.MainPath, "a", nil)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, models.ErrAlreadyExists)
			continue
		}
		assert.Equal(t, "MAIN/a", paths[i])
	}

	// exactly one fork happened
	branches, err := rix.Branching().SearchByPathPrefix(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Len(t, branches, 2)
	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Len(t, main.Segments, 2)
}

func TestDelete_Descendants(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	a := mustBranch(t, rix, models.MainPath, "a")
	b := mustBranch(t, rix, a, "b")
	other := mustBranch(t, rix, models.MainPath, "ab")

	require.NoError(t, rix.Branching().Delete(ctx, a))

	for _, path := range []string{a, b} {
		exists, err := rix.Branching().Exists(ctx, path)
		require.NoError(t, err)
		assert.False(t, exists, path)

		// the entity stays readable
		branch, err := rix.Branching().Get(ctx, path)
		require.NoError(t, err)
		assert.True(t, branch.Deleted)
		assert.NotEmpty(t, branch.Segments)
	}
	exists, err := rix.Branching().Exists(ctx, other)
	require.NoError(t, err)
	assert.True(t, exists, "sibling sharing the name prefix survives")

	_, err = rix.Write(ctx, a, "tester", "late", func(sa *StagingArea) error { return nil })
	assert.ErrorIs(t, err, models.ErrBadRequest)

	assert.ErrorIs(t, rix.Branching().Delete(ctx, models.MainPath), models.ErrBadRequest)
	assert.ErrorIs(t, rix.Branching().Delete(ctx, "MAIN/missing"), models.ErrNotFound)
}

func TestReopen_ReplacesDeletedBranch(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	a := mustBranch(t, rix, models.MainPath, "a")
	addConcepts(t, rix, a, newConcept("c1", "Heart"))
	require.NoError(t, rix.Branching().Delete(ctx, a))

	reopened, err := rix.Branching().Reopen(ctx, models.MainPath, "a", map[string]any{"owner": "terminology"})
	require.NoError(t, err)
	assert.Equal(t, a, reopened.Path)
	assert.Equal(t, int64(2), reopened.ID, "a reopened branch gets a fresh id")
	assert.False(t, reopened.Deleted)

	// content of the deleted incarnation is not inherited
	assert.Empty(t, visibleConcepts(t, rix, a))

	_, err = rix.Branching().Reopen(ctx, models.MainPath, "a", nil)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestInit_SeedsBranchIDs(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()
	mustBranch(t, rix, models.MainPath, "a")
	mustBranch(t, rix, models.MainPath, "b")

	// a second index over the same storage continues the id sequence
	again, err := New(rix.ix, Options{Mappings: testMappings(), Strategy: SegmentStrategy{}, Clock: rix.clock})
	require.NoError(t, err)
	require.NoError(t, again.Init(ctx))

	path := mustBranch(t, again, models.MainPath, "c")
	branch, err := again.Branching().Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), branch.ID)
}

func TestUpdateMetadata(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	path, err := rix.Branching().CreateBranch(ctx, models.MainPath, "a", map[string]any{"owner": "alice"})
	require.NoError(t, err)
	require.NoError(t, rix.Branching().UpdateMetadata(ctx, path, map[string]any{"owner": "bob", "locked": true}))

	branch, err := rix.Branching().Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "bob", "locked": true}, branch.Metadata)

	assert.ErrorIs(t, rix.Branching().UpdateMetadata(ctx, "MAIN/missing", nil), models.ErrNotFound)
}

func TestBranchEvents(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()
	events, cancel := rix.Branching().Registry().Subscribe(16)
	defer cancel()

	path := mustBranch(t, rix, models.MainPath, "a")
	assert.Equal(t, BranchEvent{Kind: EventCreated, Path: path}, nextEvent(t, events))

	addConcepts(t, rix, path, newConcept("c1", "Heart"))
	assert.Equal(t, BranchEvent{Kind: EventCommitted, Path: path}, nextEvent(t, events))

	require.NoError(t, rix.Branching().UpdateMetadata(ctx, path, map[string]any{"k": "v"}))
	assert.Equal(t, BranchEvent{Kind: EventUpdated, Path: path}, nextEvent(t, events))

	require.NoError(t, rix.Branching().Delete(ctx, path))
	assert.Equal(t, BranchEvent{Kind: EventDeleted, Path: path}, nextEvent(t, events))

	// a cancelled subscriber is closed and no longer blocks publishers
	cancel()
	_, open := <-events
	assert.False(t, open)
	mustBranch(t, rix, models.MainPath, "b")
}

func TestBranchLock_Timeout(t *testing.T) {
	rix, _ := newTestIndex(t, func(o *Options) {
		o.Registry = NewRegistry(pathlock.New(pathlock.Options{WaitTimeout: 50 * time.Millisecond}))
	})
	path := mustBranch(t, rix, models.MainPath, "a")

	unlock, err := rix.Branching().Registry().Locks().Lock(context.Background(), path)
	require.NoError(t, err)

	stage := func(sa *StagingArea) error {
		return sa.StageNew("concept", newConcept("c1", "Heart"))
	}
	_, err = rix.Write(context.Background(), path, "tester", "blocked", stage)
	assert.ErrorIs(t, err, models.ErrRequestTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rix.Write(ctx, path, "tester", "cancelled", stage)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	// nothing was written while the lock was held
	unlock()
	assert.Empty(t, visibleConcepts(t, rix, path))
	mustCommit(t, rix, path, stage)
	assert.Equal(t, []string{"c1=Heart"}, visibleConcepts(t, rix, path))
}

func TestBranchState(t *testing.T) {
	rix, _ := newTestIndex(t)
	a := mustBranch(t, rix, models.MainPath, "a")

	assert.Equal(t, models.BranchUpToDate, branchState(t, rix, a, ""))
	assert.Equal(t, models.BranchUpToDate, branchState(t, rix, models.MainPath, ""))

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart"))
	assert.Equal(t, models.BranchBehind, branchState(t, rix, a, ""))
	assert.Equal(t, models.BranchForward, branchState(t, rix, models.MainPath, a))

	addConcepts(t, rix, a, newConcept("c2", "Lung"))
	assert.Equal(t, models.BranchDiverged, branchState(t, rix, a, ""))
	assert.Equal(t, models.BranchDiverged, branchState(t, rix, models.MainPath, a))

	_, err := rix.Branching().BranchState(context.Background(), "MAIN/missing", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBranchState_ChildOnlyChanges(t *testing.T) {
	rix, _ := newTestIndex(t)
	a := mustBranch(t, rix, models.MainPath, "a")
	addConcepts(t, rix, a, newConcept("c1", "Heart"))

	assert.Equal(t, models.BranchForward, branchState(t, rix, a, ""))
	assert.Equal(t, models.BranchBehind, branchState(t, rix, models.MainPath, a))
}
