package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/index/indextest"
	"github.com/stretchr/testify/require"
)

// newTestBackend creates a new bbolt database in a temp directory for testing.
func newTestBackend(t *testing.T) index.Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	return b
}

func TestBackend(t *testing.T) {
	indextest.RunBackendTests(t, newTestBackend)
}
