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

func TestCommit_NewChangeRemove(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	commit := addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart"), newConcept("c2", "Lung"))
	assert.Equal(t, "commit-1", commit.ID)
	assert.Equal(t, int64(100), commit.Timestamp)
	assert.Equal(t, int64(0), commit.BranchID)
	assert.Equal(t, []models.CommitDetail{{
		Op:            models.DetailAdd,
		ComponentType: "concept",
		Components:    map[string][]string{models.RootID: {"c1", "c2"}},
	}}, commit.Details)

	c1, ok := getConcept(t, rix, models.MainPath, "c1")
	require.True(t, ok)
	assert.Equal(t, models.ToAddress(0, 100), c1.Created)
	assert.Equal(t, StorageKeyOf("concept", "c1"), c1.StorageKey)
	assert.NotEmpty(t, c1.Hash)
	assert.Empty(t, c1.Revised)

	commit = changeConcept(t, rix, models.MainPath, "c1", func(c *concept) { c.Term = "Heart structure" })
	assert.Equal(t, []models.CommitDetail{
		{Op: models.DetailChange, Prop: "term", From: "Heart", To: "Heart structure", ObjectType: "concept", Objects: []string{"c1"}},
		{Op: models.DetailChange, ComponentType: "concept", Components: map[string][]string{models.RootID: {"c1"}}},
	}, commit.Details)

	changed, ok := getConcept(t, rix, models.MainPath, "c1")
	require.True(t, ok)
	assert.Equal(t, c1.StorageKey, changed.StorageKey, "storage key is stable across revisions")
	assert.NotEqual(t, c1.Hash, changed.Hash)

	removeConcept(t, rix, models.MainPath, "c2")
	assert.Equal(t, []string{"c1=Heart structure"}, visibleConcepts(t, rix, models.MainPath))
	// superseded revisions stay stored
	assert.Equal(t, 3, storedRevisions(t, rix, "concept"))

	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Equal(t, int64(102), main.HeadTimestamp)
}

func TestStageChange_UnchangedContentIsDropped(t *testing.T) {
	rix, _ := newTestIndex(t)
	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart"))

	commit := changeConcept(t, rix, models.MainPath, "c1", func(c *concept) {})
	assert.Empty(t, commit.Details)
	assert.Equal(t, 1, storedRevisions(t, rix, "concept"))
}

func TestStaging_Rejects(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()
	sa, err := rix.PrepareCommit(ctx, models.MainPath)
	require.NoError(t, err)

	require.NoError(t, sa.StageNew("concept", newConcept("c1", "Heart")))
	assert.ErrorIs(t, sa.StageNew("concept", newConcept("c1", "Heart")), models.ErrPrecondition)
	assert.ErrorIs(t, sa.StageNew("concept", concept{Term: "no id"}), models.ErrBadRequest)
	assert.ErrorIs(t, sa.StageNew("relationship", newConcept("r1", "")), models.ErrBadRequest)
	assert.ErrorIs(t, sa.StageNew("member", member{RefsetID: "r1"}), models.ErrUnsupported)

	other := newConcept("c2", "Lung")
	assert.ErrorIs(t, sa.StageChange("concept", newConcept("c1", "Heart"), &other), models.ErrBadRequest)

	assert.Equal(t, []models.ObjectID{models.NewObjectID("concept", "c1")}, sa.NewObjects())
	sa.Unstage(models.NewObjectID("concept", "c1"))
	assert.True(t, sa.IsEmpty())
}

func TestStaging_RemoveWins(t *testing.T) {
	rix, _ := newTestIndex(t)

	mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		if err := sa.StageNew("concept", newConcept("c1", "Heart")); err != nil {
			return err
		}
		return sa.StageRemove("concept", newConcept("c1", "Heart"))
	})
	assert.Empty(t, visibleConcepts(t, rix, models.MainPath))
	assert.Equal(t, 0, storedRevisions(t, rix, "concept"))
}

func TestCommitAt(t *testing.T) {
	rix, clock := newTestIndex(t)
	ctx := context.Background()

	sa, err := rix.PrepareCommit(ctx, models.MainPath)
	require.NoError(t, err)
	require.NoError(t, sa.StageNew("concept", newConcept("c1", "Heart")))

	_, err = sa.CommitAt(ctx, "import-1", 0, "importer", "initial import")
	assert.ErrorIs(t, err, models.ErrBadRequest)

	commit, err := sa.CommitAt(ctx, "import-1", 500, "importer", "initial import")
	require.NoError(t, err)
	assert.Equal(t, "import-1", commit.ID)
	assert.Equal(t, int64(500), commit.Timestamp)

	// the head only moves forward
	sa, err = rix.PrepareCommit(ctx, models.MainPath)
	require.NoError(t, err)
	require.NoError(t, sa.StageNew("concept", newConcept("c2", "Lung")))
	_, err = sa.CommitAt(ctx, "import-2", 500, "importer", "replayed")
	assert.ErrorIs(t, err, models.ErrPrecondition)
	_, err = sa.Commit(ctx, "tester", "clock behind the head")
	assert.ErrorIs(t, err, models.ErrPrecondition)

	clock.Advance(1000)
	_, err = sa.Commit(ctx, "tester", "clock caught up")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1=Heart", "c2=Lung"}, visibleConcepts(t, rix, models.MainPath))
}

func TestWrite_BaseAndRangeAreReadOnly(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart"))
	a := mustBranch(t, rix, models.MainPath, "a")
	changeConcept(t, rix, a, "c1", func(c *concept) { c.Term = "Heart structure" })
	addConcepts(t, rix, a, newConcept("c2", "Lung"))

	assert.Equal(t, []string{"c1=Heart"}, visibleConcepts(t, rix, a+BaseMarker))
	assert.Equal(t, []string{"c1=Heart structure", "c2=Lung"}, visibleConcepts(t, rix, a))
	// the range holds only what the branch wrote itself
	assert.Equal(t, []string{"c1=Heart structure", "c2=Lung"}, visibleConcepts(t, rix, models.MainPath+RangeSeparator+a))

	for _, expr := range []string{a + BaseMarker, models.MainPath + RangeSeparator + a} {
		_, err := rix.Write(ctx, expr, "tester", "read only", func(sa *StagingArea) error { return nil })
		assert.ErrorIs(t, err, models.ErrBadRequest, expr)
	}
	_, err := rix.Write(ctx, "MAIN/missing", "tester", "nowhere", func(sa *StagingArea) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPreCommitHook(t *testing.T) {
	errEmptyTerm := errors.New("empty term")
	rix, _ := newTestIndex(t, func(o *Options) {
		o.PreCommitHooks = []PreCommitHook{func(ctx context.Context, sa *StagingArea) error {
			for _, oid := range sa.NewObjects() {
				doc, _ := sa.Staged(oid)
				if doc.String("term") == "" {
					return errEmptyTerm
				}
			}
			return nil
		}}
	})
	ctx := context.Background()

	_, err := rix.Write(ctx, models.MainPath, "tester", "bad", func(sa *StagingArea) error {
		return sa.StageNew("concept", newConcept("c1", ""))
	})
	assert.ErrorIs(t, err, errEmptyTerm)
	assert.Empty(t, visibleConcepts(t, rix, models.MainPath))

	main, err := rix.Branching().Get(ctx, models.MainPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), main.HeadTimestamp)

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart"))
}

func TestCommits_Query(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	addConcepts(t, rix, models.MainPath, newConcept("c1", "Heart")) // 100
	a := mustBranch(t, rix, models.MainPath, "a")                   // 101
	_, err := rix.Write(ctx, a, "alice", "lung", func(sa *StagingArea) error {
		return sa.StageNew("concept", newConcept("c2", "Lung"))
	}) // 102
	require.NoError(t, err)
	addConcepts(t, rix, models.MainPath, newConcept("c3", "Liver")) // 103

	all, err := rix.Commits(ctx, CommitQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{103, 102, 100}, []int64{all[0].Timestamp, all[1].Timestamp, all[2].Timestamp})

	onMain, err := rix.Commits(ctx, CommitQuery{Branch: models.MainPath})
	require.NoError(t, err)
	assert.Len(t, onMain, 2)

	byAlice, err := rix.Commits(ctx, CommitQuery{Author: "alice"})
	require.NoError(t, err)
	require.Len(t, byAlice, 1)
	assert.Equal(t, a, byAlice[0].Branch)

	window, err := rix.Commits(ctx, CommitQuery{Since: 101, Until: 102})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, int64(102), window[0].Timestamp)

	latest, err := rix.Commits(ctx, CommitQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(103), latest[0].Timestamp)
}

func TestCommitChanges(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		if err := sa.StageNew("concept", newConcept("c1", "Heart")); err != nil {
			return err
		}
		return sa.StageNew("description", newDescription("d1", "c1", "Heart structure"))
	})

	var old description
	err := rix.Read(ctx, models.MainPath, func(s *Searcher) error {
		found, err := s.Get("description", "d1", &old)
		require.True(t, found)
		return err
	})
	require.NoError(t, err)
	updated := old
	updated.Term = "Structure of heart"
	commit := mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		return sa.StageChange("description", &old, &updated)
	})
	assert.Equal(t, "concept", commit.Details[1].ContainerType)
	assert.Equal(t, map[string][]string{"c1": {"d1"}}, commit.Details[1].Components)

	changes, err := rix.CommitChanges(ctx, models.NewObjectID("concept", "c1"))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	d1 := models.NewObjectID("description", "d1")
	assert.Equal(t, []models.ObjectID{d1}, changes[0].New)
	assert.Equal(t, []models.ObjectID{d1}, changes[1].Changed)
	assert.Equal(t, commit.ID, changes[1].CommitID)

	roots, err := rix.CommitChanges(ctx, models.RootObjectID)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, []models.ObjectID{models.NewObjectID("concept", "c1")}, roots[0].New)
}

func TestSearcher_Nested(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()

	d1 := newDescription("d1", "c1", "Heart")
	d1.Members = []member{{RefsetID: "r1", Active: true}, {RefsetID: "r2", Active: false}}
	d2 := newDescription("d2", "c1", "Cardiac")
	d2.Members = []member{{RefsetID: "r1", Active: true}}
	mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		if err := sa.StageNew("description", d1); err != nil {
			return err
		}
		return sa.StageNew("description", d2)
	})

	err := rix.Read(ctx, models.MainPath, func(s *Searcher) error {
		hits, err := s.Search(index.Select("member").From("description").Filter(index.Exact("active", true)))
		require.NoError(t, err)
		assert.Equal(t, 2, hits.Total)
		members, err := index.Decode[member](hits)
		require.NoError(t, err)
		assert.Equal(t, []member{{RefsetID: "r1", Active: true}, {RefsetID: "r1", Active: true}}, members)
		assert.Contains(t, hits.Items[0].Key, "#000000")

		// paging through nested hits
		var pages int
		err = s.Scroll(index.Select("member").From("description"), 1, func(hits *index.Hits) error {
			pages++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, pages)

		_, err = s.Search(index.Select("member"))
		assert.ErrorIs(t, err, models.ErrUnsupported)
		_, err = s.Search(index.Select("member").From("concept"))
		assert.ErrorIs(t, err, models.ErrUnsupported)
		return nil
	})
	require.NoError(t, err)
}

func TestPlainDocuments(t *testing.T) {
	rix, _ := newTestIndex(t)
	ctx := context.Background()
	a := mustBranch(t, rix, models.MainPath, "a")

	original := codeSystem{ID: "SNOMEDCT", Title: "SNOMED CT"}
	mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		return sa.StageNew("codesystem", original)
	})
	updated := codeSystem{ID: "SNOMEDCT", Title: "SNOMED CT International"}
	commit := mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		return sa.StageChange("codesystem", original, updated)
	})
	require.NotEmpty(t, commit.Details)
	assert.Equal(t, "title", commit.Details[0].Prop)

	// plain documents are not versioned, every branch sees the latest one
	for _, path := range []string{models.MainPath, a} {
		var got codeSystem
		err := rix.Read(ctx, path, func(s *Searcher) error {
			found, err := s.Get("codesystem", "SNOMEDCT", &got)
			assert.True(t, found)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, updated, got, path)
	}

	mustCommit(t, rix, models.MainPath, func(sa *StagingArea) error {
		return sa.StageRemove("codesystem", updated)
	})
	err := rix.Read(ctx, a, func(s *Searcher) error {
		found, err := s.Get("codesystem", "SNOMEDCT", &codeSystem{})
		assert.False(t, found)
		return err
	})
	require.NoError(t, err)
}
