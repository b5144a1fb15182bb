package revision

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/index/boltdb"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/testutil"
	"github.com/stretchr/testify/require"
)

type concept struct {
	models.Revision
	Term   string `json:"term"`
	Active bool   `json:"active"`
}

type member struct {
	RefsetID string `json:"refsetId"`
	Active   bool   `json:"active"`
}

type description struct {
	models.Revision
	ConceptID string   `json:"conceptId"`
	Term      string   `json:"term"`
	Members   []member `json:"members,omitempty"`
}

func (d description) ContainerID() models.ObjectID {
	return models.NewObjectID("concept", d.ConceptID)
}

type codeSystem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func newConcept(id, term string) concept {
	return concept{Revision: models.Revision{ID: id}, Term: term, Active: true}
}

func newDescription(id, conceptID, term string) description {
	return description{Revision: models.Revision{ID: id}, ConceptID: conceptID, Term: term}
}

func testMappings() []Mapping {
	return []Mapping{
		{Type: "concept", Kind: KindRevision},
		{Type: "description", Kind: KindRevision, ContainerType: "concept", ContainerField: "conceptId"},
		{Type: "member", Kind: KindNested, Parent: "description", Field: "members"},
		{Type: "codesystem", Kind: KindPlain},
	}
}

// newTestIndex creates a revision index over a fresh bbolt file. The clock
// starts at 100 and the root branch at 0, so the first fork or commit
// happens at 100.
func newTestIndex(t *testing.T, configure ...func(o *Options)) (*RevisionIndex, *testutil.StubClock) {
	t.Helper()
	backend, err := boltdb.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	// a tiny batch size makes every scroll span several pages
	ix := index.New(backend, index.Options{BatchSize: 2})
	t.Cleanup(func() { ix.Close() })

	clock := testutil.NewStubClock(100)
	opts := Options{
		Mappings: testMappings(),
		Strategy: SegmentStrategy{BaseTimestamp: 0},
		Clock:    clock,
		IDs:      testutil.NewStubIDGenerator(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	rix, err := New(ix, opts)
	require.NoError(t, err)
	require.NoError(t, rix.Init(context.Background()))
	return rix, clock
}

func mustCommit(t *testing.T, rix *RevisionIndex, path string, fn func(sa *StagingArea) error) *models.Commit {
	t.Helper()
	commit, err := rix.Write(context.Background(), path, "tester", "test commit", fn)
	require.NoError(t, err)
	return commit
}

func mustBranch(t *testing.T, rix *RevisionIndex, parent, name string) string {
	t.Helper()
	path, err := rix.Branching().CreateBranch(context.Background(), parent, name, nil)
	require.NoError(t, err)
	return path
}

func addConcepts(t *testing.T, rix *RevisionIndex, path string, concepts ...concept) *models.Commit {
	t.Helper()
	return mustCommit(t, rix, path, func(sa *StagingArea) error {
		for _, c := range concepts {
			if err := sa.StageNew("concept", c); err != nil {
				return err
			}
		}
		return nil
	})
}

func getConcept(t *testing.T, rix *RevisionIndex, path, id string) (*concept, bool) {
	t.Helper()
	var c concept
	var found bool
	err := rix.Read(context.Background(), path, func(s *Searcher) error {
		var err error
		found, err = s.Get("concept", id, &c)
		return err
	})
	require.NoError(t, err)
	if !found {
		return nil, false
	}
	return &c, true
}

func changeConcept(t *testing.T, rix *RevisionIndex, path, id string, mutate func(c *concept)) *models.Commit {
	t.Helper()
	old, ok := getConcept(t, rix, path, id)
	require.True(t, ok, "concept %s must be visible on %s", id, path)
	updated := *old
	mutate(&updated)
	return mustCommit(t, rix, path, func(sa *StagingArea) error {
		return sa.StageChange("concept", old, &updated)
	})
}

func removeConcept(t *testing.T, rix *RevisionIndex, path, id string) *models.Commit {
	t.Helper()
	old, ok := getConcept(t, rix, path, id)
	require.True(t, ok, "concept %s must be visible on %s", id, path)
	return mustCommit(t, rix, path, func(sa *StagingArea) error {
		return sa.StageRemove("concept", old)
	})
}

// visibleConcepts returns "id=term" for every concept visible on path,
// sorted. Duplicated ids show up twice.
func visibleConcepts(t *testing.T, rix *RevisionIndex, path string) []string {
	t.Helper()
	var out []string
	err := rix.Read(context.Background(), path, func(s *Searcher) error {
		return s.Scroll(index.Select("concept"), 0, func(hits *index.Hits) error {
			page, err := index.Decode[concept](hits)
			if err != nil {
				return err
			}
			for _, c := range page {
				out = append(out, c.ID+"="+c.Term)
			}
			return nil
		})
	})
	require.NoError(t, err)
	slices.Sort(out)
	return out
}

// storedRevisions counts every stored revision of docType, visible or not.
func storedRevisions(t *testing.T, rix *RevisionIndex, docType string) int {
	t.Helper()
	var n int
	err := rix.ix.Read(context.Background(), func(s *index.Searcher) error {
		var err error
		n, err = s.Count(docType, index.MatchAll())
		return err
	})
	require.NoError(t, err)
	return n
}

func branchState(t *testing.T, rix *RevisionIndex, branch, other string) models.BranchState {
	t.Helper()
	state, err := rix.Branching().BranchState(context.Background(), branch, other)
	require.NoError(t, err)
	return state
}

func nextEvent(t *testing.T, events <-chan BranchEvent) BranchEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no branch event delivered")
		return BranchEvent{}
	}
}
