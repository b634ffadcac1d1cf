package adapter_test

import (
	"testing"

	"github.com/beyondbrewing/brewery-couch/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDocs(t *testing.T, d *adapter.Database, ids ...string) map[string]adapter.BulkResult {
	t.Helper()
	out := make(map[string]adapter.BulkResult, len(ids))
	for _, id := range ids {
		out[id] = mustPut(t, d, map[string]any{"_id": id, "tag": id})
	}
	return out
}

func rowKeys(rows []adapter.AllDocsRow) []string {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys
}

func TestAllDocsOrdering(t *testing.T) {
	d, _, _ := newTestDB(t)
	seedDocs(t, d, "b", "d", "a", "c")

	all, err := d.AllDocs(adapter.AllDocsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, rowKeys(all.Rows))

	all, err = d.AllDocs(adapter.AllDocsOptions{Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, rowKeys(all.Rows))
}

func TestAllDocsRangeBounds(t *testing.T) {
	d, _, _ := newTestDB(t)
	seedDocs(t, d, "a", "b", "c", "d")

	all, err := d.AllDocs(adapter.AllDocsOptions{StartKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, rowKeys(all.Rows))

	all, err = d.AllDocs(adapter.AllDocsOptions{EndKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rowKeys(all.Rows))

	all, err = d.AllDocs(adapter.AllDocsOptions{StartKey: "b", EndKey: "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, rowKeys(all.Rows))

	// The legacy "-1" start sentinel means no lower bound.
	all, err = d.AllDocs(adapter.AllDocsOptions{StartKey: "-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, rowKeys(all.Rows))

	// Descending: startkey is the upper bound.
	all, err = d.AllDocs(adapter.AllDocsOptions{StartKey: "c", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, rowKeys(all.Rows))
}

func TestAllDocsSkipsDeleted(t *testing.T) {
	d, _, _ := newTestDB(t)
	revs := seedDocs(t, d, "a", "b")

	_, err := d.Delete("a", revs["a"].Rev)
	require.NoError(t, err)

	all, err := d.AllDocs(adapter.AllDocsOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rowKeys(all.Rows))
}

func TestAllDocsIncludeDocs(t *testing.T) {
	d, _, _ := newTestDB(t)
	seedDocs(t, d, "a")

	all, err := d.AllDocs(adapter.AllDocsOptions{IncludeDocs: true})
	require.NoError(t, err)
	require.Len(t, all.Rows, 1)
	require.NotNil(t, all.Rows[0].Doc)
	assert.Equal(t, "a", all.Rows[0].Doc["tag"])
	assert.Equal(t, all.Rows[0].Value.Rev, all.Rows[0].Doc["_rev"])
}

func TestAllDocsKeysMode(t *testing.T) {
	d, _, _ := newTestDB(t)
	revs := seedDocs(t, d, "a", "b")

	_, err := d.Delete("b", revs["b"].Rev)
	require.NoError(t, err)

	all, err := d.AllDocs(adapter.AllDocsOptions{
		Keys:        []string{"b", "ghost", "a"},
		IncludeDocs: true,
	})
	require.NoError(t, err)
	require.Len(t, all.Rows, 3)

	// Rows follow the input key order, not store order.
	deleted := all.Rows[0]
	assert.Equal(t, "b", deleted.Key)
	require.NotNil(t, deleted.Value)
	assert.True(t, deleted.Value.Deleted)
	assert.Nil(t, deleted.Doc)

	missing := all.Rows[1]
	assert.Equal(t, "ghost", missing.Key)
	assert.Equal(t, "not_found", missing.Error)
	assert.Nil(t, missing.Value)

	present := all.Rows[2]
	assert.Equal(t, "a", present.Key)
	require.NotNil(t, present.Doc)
	assert.Equal(t, "a", present.Doc["tag"])
}

func TestAllDocsKeysModeDescending(t *testing.T) {
	d, _, _ := newTestDB(t)
	seedDocs(t, d, "a", "b")

	all, err := d.AllDocs(adapter.AllDocsOptions{
		Keys:       []string{"a", "b"},
		Descending: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, rowKeys(all.Rows))
}

func TestAllDocsConflictsFlag(t *testing.T) {
	d, _, _ := newTestDB(t)

	opts := adapter.BulkDocsOptions{NewEdits: false}
	_, err := d.BulkDocs([]map[string]any{{"_id": "a", "_rev": "1-aaa"}}, opts)
	require.NoError(t, err)
	_, err = d.BulkDocs([]map[string]any{{"_id": "a", "_rev": "1-bbb"}}, opts)
	require.NoError(t, err)

	all, err := d.AllDocs(adapter.AllDocsOptions{IncludeDocs: true, Conflicts: true})
	require.NoError(t, err)
	require.Len(t, all.Rows, 1)
	assert.Equal(t, []string{"1-aaa"}, all.Rows[0].Doc["_conflicts"])
}
