package sqlitedb

import (
	"path/filepath"
	"testing"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/index/indextest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	indextest.RunBackendTests(t, func(t *testing.T) index.Backend {
		b, err := Open(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		return b
	})
}

func TestBackend_InMemory(t *testing.T) {
	indextest.RunBackendTests(t, func(t *testing.T) index.Backend {
		b, err := Open(MemoryPath)
		require.NoError(t, err)
		return b
	})
}

func TestMigrateUp_Idempotent(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer b.Close()

	assert.NoError(t, MigrateUp(b.db))
}
