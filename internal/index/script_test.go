package index

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviseList(t *testing.T) {
	branch1At := func(ts string) string { return "8000:0000:0000:0001:" + ts }
	branch2At := func(ts string) string { return "8000:0000:0000:0002:" + ts }

	// append to an empty list
	assert.Equal(t, []string{branch1At("8000:0000:0000:0005")},
		ReviseList(nil, branch1At("8000:0000:0000:0005")))

	// a different branch is appended
	got := ReviseList([]string{branch1At("8000:0000:0000:0005")}, branch2At("8000:0000:0000:0003"))
	assert.Equal(t, []string{branch1At("8000:0000:0000:0005"), branch2At("8000:0000:0000:0003")}, got)

	// an earlier point of the same branch replaces a later one
	got = ReviseList([]string{branch1At("8000:0000:0000:0005")}, branch1At("8000:0000:0000:0002"))
	assert.Equal(t, []string{branch1At("8000:0000:0000:0002")}, got)

	// a later point of the same branch is ignored
	got = ReviseList([]string{branch1At("8000:0000:0000:0002")}, branch1At("8000:0000:0000:0009"))
	assert.Equal(t, []string{branch1At("8000:0000:0000:0002")}, got)
}

func TestScriptRegistry_Builtins(t *testing.T) {
	r := NewScriptRegistry()
	doc := Document{"path": "MAIN", "headTimestamp": json.Number("1"), "deleted": false}

	updated, err := r.Apply(ScriptSetHeadTimestamp, doc, map[string]any{"headTimestamp": int64(42)})
	require.NoError(t, err)
	ts, ok := updated.Int64("headTimestamp")
	require.True(t, ok)
	assert.Equal(t, int64(42), ts)
	assert.Equal(t, "MAIN", updated.String("path"))

	updated, err = r.Apply(ScriptMarkDeleted, doc, nil)
	require.NoError(t, err)
	assert.Equal(t, true, updated["deleted"])

	updated, err = r.Apply(ScriptReplaceMetadata, doc, map[string]any{"metadata": map[string]any{"owner": "x"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "x"}, updated["metadata"])

	updated, err = r.Apply(ScriptReplace, doc, map[string]any{"doc": map[string]any{"path": "MAIN/a"}})
	require.NoError(t, err)
	assert.Equal(t, Document{"path": "MAIN/a"}, updated)

	updated, err = r.Apply(ScriptRevise, Document{"id": "x"}, map[string]any{"address": "8000:0000:0000:0001:8000:0000:0000:0001"})
	require.NoError(t, err)
	assert.Equal(t, []any{"8000:0000:0000:0001:8000:0000:0000:0001"}, updated["revised"])
}

func TestScriptRegistry_Custom(t *testing.T) {
	r := NewScriptRegistry()
	require.NoError(t, r.Register("append-source", `{"sources": push(doc.sources, params.source)}`))

	updated, err := r.Apply("append-source", Document{}, map[string]any{"source": "a"})
	require.NoError(t, err)
	updated, err = r.Apply("append-source", updated, map[string]any{"source": "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, updated["sources"])

	assert.Error(t, r.Register("broken", `{"x": `))

	_, err = r.Apply("unknown", Document{}, nil)
	assert.Error(t, err)
}
