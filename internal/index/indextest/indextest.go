// Package indextest holds the behaviour every index backend has to show.
// Backend packages call RunBackendTests from their own tests.
package indextest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type concept struct {
	ID      string   `json:"id"`
	Term    string   `json:"term"`
	Active  bool     `json:"active"`
	Revised []string `json:"revised,omitempty"`
}

// RunBackendTests exercises a backend through the index facade. open must
// return a fresh, empty backend.
func RunBackendTests(t *testing.T, open func(t *testing.T) index.Backend) {
	t.Run("PutGetRemove", func(t *testing.T) { testPutGetRemove(t, open(t)) })
	t.Run("SearchAndScroll", func(t *testing.T) { testSearchAndScroll(t, open(t)) })
	t.Run("ScrollReadsOnce", func(t *testing.T) { testScrollReadsOnce(t, open(t)) })
	t.Run("BulkUpdate", func(t *testing.T) { testBulkUpdate(t, open(t)) })
	t.Run("FailedWriteLeavesNoTrace", func(t *testing.T) { testFailedWrite(t, open(t)) })
	t.Run("ConcurrentRevise", func(t *testing.T) { testConcurrentRevise(t, open(t)) })
}

func newIndex(t *testing.T, backend index.Backend, compress bool) *index.Index {
	ix := index.New(backend, index.Options{Compress: compress, CompressMinSize: 16})
	t.Cleanup(func() { ix.Close() })
	return ix
}

func testPutGetRemove(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	ix := newIndex(t, backend, true)

	err := ix.Write(ctx, func(w *index.Writer) error {
		return w.Put("concept", "c1", concept{ID: "c1", Term: "Heart structure of the body", Active: true})
	})
	require.NoError(t, err)

	var got concept
	found, err := ix.Get(ctx, "concept", "c1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Heart structure of the body", got.Term)

	found, err = ix.Get(ctx, "concept", "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// same key in another type does not collide
	found, err = ix.Get(ctx, "description", "c1", &got)
	require.NoError(t, err)
	assert.False(t, found)

	err = ix.Write(ctx, func(w *index.Writer) error {
		w.Remove("concept", "c1")
		return nil
	})
	require.NoError(t, err)

	found, err = ix.Get(ctx, "concept", "c1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func testSearchAndScroll(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	ix := newIndex(t, backend, false)

	err := ix.Write(ctx, func(w *index.Writer) error {
		for i := 0; i < 25; i++ {
			id := fmt.Sprintf("c%02d", i)
			if err := w.Put("concept", id, concept{ID: id, Active: i%2 == 0}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = ix.Read(ctx, func(s *index.Searcher) error {
		hits, err := s.Search(index.Select("concept").Filter(index.Exact("active", true)).WithLimit(5).Project("id"))
		require.NoError(t, err)
		assert.Equal(t, 13, hits.Total)
		assert.Len(t, hits.Items, 5)
		assert.Equal(t, "c00", hits.Items[0].Key)
		assert.Equal(t, "c08", hits.SearchAfter)
		assert.JSONEq(t, `{"id":"c00"}`, string(hits.Items[0].Source))

		var seen []string
		err = s.Scroll(index.Select("concept").Filter(index.Exact("active", true)), 4, func(hits *index.Hits) error {
			seen = append(seen, hits.Keys()...)
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 13)
		assert.Equal(t, "c24", seen[len(seen)-1])

		n, err := s.Count("concept", index.Prefix("id", "c1"))
		require.NoError(t, err)
		assert.Equal(t, 10, n)
		return nil
	})
	require.NoError(t, err)
}

// countingBackend counts the documents visited by read transactions.
type countingBackend struct {
	index.Backend
	visits *atomic.Int64
}

func (b countingBackend) View(ctx context.Context, fn func(tx index.Tx) error) error {
	return b.Backend.View(ctx, func(tx index.Tx) error {
		return fn(countingTx{Tx: tx, visits: b.visits})
	})
}

type countingTx struct {
	index.Tx
	visits *atomic.Int64
}

func (tx countingTx) Scan(docType, after string, fn func(key string, value []byte) (bool, error)) error {
	return tx.Tx.Scan(docType, after, func(key string, value []byte) (bool, error) {
		tx.visits.Add(1)
		return fn(key, value)
	})
}

func testScrollReadsOnce(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	visits := &atomic.Int64{}
	ix := newIndex(t, countingBackend{Backend: backend, visits: visits}, false)

	const docs, batch = 500, 20
	err := ix.Write(ctx, func(w *index.Writer) error {
		for i := 0; i < docs; i++ {
			id := fmt.Sprintf("c%04d", i)
			if err := w.Put("concept", id, concept{ID: id, Active: true}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = ix.Read(ctx, func(s *index.Searcher) error {
		visits.Store(0)
		pages, seen := 0, 0
		err := s.Scroll(index.Select("concept").Project("id"), batch, func(hits *index.Hits) error {
			pages++
			seen += len(hits.Items)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, docs, seen)
		assert.Equal(t, docs/batch, pages)
		// every page reads its own documents plus one to detect the next page
		assert.LessOrEqual(t, visits.Load(), int64(docs+pages))

		visits.Store(0)
		page, err := s.Page(index.Select("concept").WithLimit(batch))
		require.NoError(t, err)
		assert.Len(t, page.Items, batch)
		assert.Equal(t, batch, page.Total)
		assert.Equal(t, "c0019", page.SearchAfter)
		assert.Equal(t, int64(batch+1), visits.Load())

		// Search still counts every match
		hits, err := s.Search(index.Select("concept").WithLimit(batch))
		require.NoError(t, err)
		assert.Equal(t, docs, hits.Total)
		assert.Equal(t, "c0019", hits.SearchAfter)
		return nil
	})
	require.NoError(t, err)
}

func testBulkUpdate(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	ix := newIndex(t, backend, false)

	err := ix.Write(ctx, func(w *index.Writer) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := w.Put("concept", id, concept{ID: id, Active: true}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	addr := "8000:0000:0000:0001:8000:0000:0000:0010"
	err = ix.Write(ctx, func(w *index.Writer) error {
		w.BulkUpdate(index.BulkUpdate{
			Type:   "concept",
			Filter: index.AnyOf("id", "a", "c"),
			Script: index.ScriptRevise,
			Params: map[string]any{"address": addr},
		})
		w.Update("concept", "b", index.ScriptReplace, map[string]any{"doc": concept{ID: "b", Term: "replaced"}})
		return nil
	})
	require.NoError(t, err)

	var a, b concept
	_, err = ix.Get(ctx, "concept", "a", &a)
	require.NoError(t, err)
	assert.Equal(t, []string{addr}, a.Revised)
	_, err = ix.Get(ctx, "concept", "b", &b)
	require.NoError(t, err)
	assert.Equal(t, "replaced", b.Term)
	assert.Empty(t, b.Revised)
}

func testFailedWrite(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	ix := newIndex(t, backend, false)

	w := ix.Writer()
	require.NoError(t, w.Put("concept", "a", concept{ID: "a"}))
	w.Update("concept", "missing", index.ScriptMarkDeleted, nil)
	err := w.Commit(ctx)
	require.Error(t, err)

	var got concept
	found, err := ix.Get(ctx, "concept", "a", &got)
	require.NoError(t, err)
	assert.False(t, found, "put from a failed batch must not be visible")

	boom := errors.New("boom")
	err = ix.Write(ctx, func(w *index.Writer) error {
		if err := w.Put("concept", "b", concept{ID: "b"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	found, err = ix.Get(ctx, "concept", "b", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func testConcurrentRevise(t *testing.T, backend index.Backend) {
	ctx := context.Background()
	ix := newIndex(t, backend, false)
	require.NoError(t, ix.Write(ctx, func(w *index.Writer) error {
		return w.Put("concept", "x", concept{ID: "x"})
	}))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(branch int) {
			defer wg.Done()
			addr := fmt.Sprintf("8000:0000:0000:%04x:8000:0000:0000:0001", branch+1)
			errs <- ix.Write(ctx, func(w *index.Writer) error {
				w.Update("concept", "x", index.ScriptRevise, map[string]any{"address": addr})
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var got concept
	_, err := ix.Get(ctx, "concept", "x", &got)
	require.NoError(t, err)
	assert.Len(t, got.Revised, writers, "no supersession marker may be lost")
}
