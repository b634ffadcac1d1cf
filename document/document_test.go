package document

import (
	"strings"
	"testing"

	"github.com/beyondbrewing/brewery-couch/revtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocNew(t *testing.T) {
	info, err := ParseDoc(map[string]any{"_id": "a", "v": 1}, true)
	require.NoError(t, err)

	meta := info.Metadata
	assert.Equal(t, "a", meta.ID)
	assert.True(t, strings.HasPrefix(meta.Rev, "1-"))
	assert.False(t, meta.Deleted)
	require.Len(t, meta.RevTree, 1)
	assert.Equal(t, meta.Rev, revtree.WinningRev(meta.RevTree))

	assert.Equal(t, 1, info.Data["v"])
	_, hasID := info.Data["_id"]
	assert.False(t, hasID)
}

func TestParseDocDeterministicRev(t *testing.T) {
	a, err := ParseDoc(map[string]any{"_id": "a", "v": 1}, true)
	require.NoError(t, err)
	b, err := ParseDoc(map[string]any{"_id": "a", "v": 1}, true)
	require.NoError(t, err)
	assert.Equal(t, a.Metadata.Rev, b.Metadata.Rev)

	c, err := ParseDoc(map[string]any{"_id": "a", "v": 2}, true)
	require.NoError(t, err)
	assert.NotEqual(t, a.Metadata.Rev, c.Metadata.Rev)
}

func TestParseDocEdit(t *testing.T) {
	first, err := ParseDoc(map[string]any{"_id": "a", "v": 1}, true)
	require.NoError(t, err)

	info, err := ParseDoc(map[string]any{"_id": "a", "_rev": first.Metadata.Rev, "v": 2}, true)
	require.NoError(t, err)

	meta := info.Metadata
	assert.True(t, strings.HasPrefix(meta.Rev, "2-"))

	// The edit path is parent -> child.
	require.Len(t, meta.RevTree, 1)
	path := meta.RevTree[0]
	assert.Equal(t, 1, path.Pos)
	require.Len(t, path.Root.Children, 1)
	assert.Equal(t, meta.Rev, revtree.FormatRev(2, path.Root.Children[0].ID))
}

func TestParseDocGeneratesID(t *testing.T) {
	a, err := ParseDoc(map[string]any{"v": 1}, true)
	require.NoError(t, err)
	b, err := ParseDoc(map[string]any{"v": 1}, true)
	require.NoError(t, err)
	assert.NotEmpty(t, a.Metadata.ID)
	assert.NotEqual(t, a.Metadata.ID, b.Metadata.ID)
}

func TestParseDocDeleted(t *testing.T) {
	info, err := ParseDoc(map[string]any{"_id": "a", "_rev": "1-x", "_deleted": true}, true)
	require.NoError(t, err)
	assert.True(t, info.Metadata.Deleted)
	assert.True(t, revtree.IsDeleted(info.Metadata.RevTree, ""))
	_, hasDeleted := info.Data["_deleted"]
	assert.False(t, hasDeleted)
}

func TestParseDocExistingRevisions(t *testing.T) {
	raw := map[string]any{
		"_id": "a",
		"_revisions": map[string]any{
			"start": float64(3),
			"ids":   []any{"ccc", "bbb", "aaa"},
		},
	}
	info, err := ParseDoc(raw, false)
	require.NoError(t, err)

	meta := info.Metadata
	assert.Equal(t, "3-ccc", meta.Rev)
	require.Len(t, meta.RevTree, 1)
	assert.Equal(t, 1, meta.RevTree[0].Pos)
	assert.True(t, revtree.Contains(meta.RevTree, "1-aaa"))
	assert.True(t, revtree.Contains(meta.RevTree, "2-bbb"))
	assert.Equal(t, "3-ccc", revtree.WinningRev(meta.RevTree))
}

func TestParseDocExistingLiteralRev(t *testing.T) {
	info, err := ParseDoc(map[string]any{"_id": "a", "_rev": "4-deadbeef"}, false)
	require.NoError(t, err)
	assert.Equal(t, "4-deadbeef", info.Metadata.Rev)
	assert.True(t, revtree.Contains(info.Metadata.RevTree, "4-deadbeef"))
}

func TestParseDocErrors(t *testing.T) {
	cases := []struct {
		name     string
		raw      map[string]any
		newEdits bool
		want     *Error
	}{
		{"non-string id", map[string]any{"_id": 7}, true, ErrMissingID},
		{"empty id", map[string]any{"_id": ""}, true, ErrMissingID},
		{"reserved id", map[string]any{"_id": "_users"}, true, ErrReservedID},
		{"bad rev", map[string]any{"_id": "a", "_rev": "nope"}, true, ErrInvalidRev},
		{"non-string rev", map[string]any{"_id": "a", "_rev": 12}, true, ErrInvalidRev},
		{"unknown member", map[string]any{"_id": "a", "_zap": 1}, true, ErrDocValidation},
		{"missing history", map[string]any{"_id": "a"}, false, ErrInvalidRev},
		{"bad revisions", map[string]any{"_id": "a", "_revisions": map[string]any{"start": float64(1), "ids": []any{}}}, false, ErrInvalidRev},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDoc(tc.raw, tc.newEdits)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseDocAllowsDesignAndLocal(t *testing.T) {
	_, err := ParseDoc(map[string]any{"_id": "_design/app"}, true)
	assert.NoError(t, err)
	_, err = ParseDoc(map[string]any{"_id": "_local/state"}, true)
	assert.NoError(t, err)
}

func TestParseDocCopiesAttachments(t *testing.T) {
	att := map[string]any{"content_type": "text/plain", "data": "aGk="}
	raw := map[string]any{"_id": "a", "_attachments": map[string]any{"f": att}}

	info, err := ParseDoc(raw, true)
	require.NoError(t, err)

	parsed := info.Data["_attachments"].(map[string]any)["f"].(map[string]any)
	parsed["digest"] = "md5-mutated"
	delete(parsed, "data")

	assert.Equal(t, "aGk=", att["data"])
	_, tainted := att["digest"]
	assert.False(t, tainted)
}

func TestIsLocalID(t *testing.T) {
	assert.True(t, IsLocalID("_local/config"))
	assert.False(t, IsLocalID("local/config"))
	assert.False(t, IsLocalID("_design/app"))
}

func TestBase64RoundTrip(t *testing.T) {
	payload := []byte("hello attachments")
	encoded := Btoa(payload)
	decoded, err := Atob(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = Atob("!!! not base64 !!!")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadArg)
}

func TestMD5Digest(t *testing.T) {
	assert.Equal(t, "md5-d41d8cd98f00b204e9800998ecf8427e", MD5Digest(nil))
	assert.Equal(t, "md5-5d41402abc4b2a76b9719d911017c592", MD5Digest([]byte("hello")))
}

func TestErrorTaxonomy(t *testing.T) {
	err := WithReason(ErrMissingDoc, "deleted")
	assert.ErrorIs(t, err, ErrMissingDoc)
	assert.Equal(t, "deleted", err.Reason)
	assert.NotErrorIs(t, err, ErrRevConflict)

	wrapped := WrapKV(assert.AnError)
	assert.Equal(t, 500, wrapped.Status)
	assert.Contains(t, wrapped.Reason, assert.AnError.Error())
}
