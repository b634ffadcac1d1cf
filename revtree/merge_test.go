package revtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeIntoEmpty(t *testing.T) {
	path := Path{Pos: 1, Root: leaf("a", false)}
	tree, res := Merge(nil, path, 1000)
	assert.Equal(t, NewLeaf, res)
	require.Len(t, tree, 1)
	assert.Equal(t, "1-a", WinningRev(tree))
}

func TestMergeExtendsLeaf(t *testing.T) {
	tree := chainTree(1, "a")

	// The edit path carries the parent as root with the new rev as child.
	path := Path{Pos: 1, Root: &Node{ID: "a", Children: []*Node{leaf("b", false)}}}
	merged, res := Merge(tree, path, 1000)

	assert.Equal(t, NewLeaf, res)
	assert.Equal(t, "2-b", WinningRev(merged))
	leaves := Leaves(merged)
	require.Len(t, leaves, 1)

	// The input tree is untouched.
	assert.Equal(t, "1-a", WinningRev(tree))
}

func TestMergeExtendsDeepLeaf(t *testing.T) {
	tree := chainTree(1, "a", "b", "c")

	path := Path{Pos: 3, Root: &Node{ID: "c", Children: []*Node{leaf("d", false)}}}
	merged, res := Merge(tree, path, 1000)

	assert.Equal(t, NewLeaf, res)
	assert.Equal(t, "4-d", WinningRev(merged))
}

func TestMergeCreatesBranch(t *testing.T) {
	tree := chainTree(1, "a", "b")

	// A second child under the non-leaf root is a branch.
	path := Path{Pos: 1, Root: &Node{ID: "a", Children: []*Node{leaf("c", false)}}}
	merged, res := Merge(tree, path, 1000)

	assert.Equal(t, NewBranch, res)
	assert.Len(t, Leaves(merged), 2)
	assert.Equal(t, []string{"2-b"}, Conflicts(merged))
	assert.Equal(t, "2-c", WinningRev(merged))
}

func TestMergeAlreadyPresent(t *testing.T) {
	tree := chainTree(1, "a", "b")

	path := Path{Pos: 1, Root: &Node{ID: "a", Children: []*Node{leaf("b", false)}}}
	merged, res := Merge(tree, path, 1000)

	assert.Equal(t, InternalNode, res)
	assert.Len(t, Leaves(merged), 1)
}

func TestMergeDisconnectedRoot(t *testing.T) {
	tree := chainTree(1, "a")

	path := Path{Pos: 1, Root: leaf("x", false)}
	merged, res := Merge(tree, path, 1000)

	assert.Equal(t, NewBranch, res)
	require.Len(t, merged, 2)
	assert.Len(t, Leaves(merged), 2)
	assert.Equal(t, "1-x", WinningRev(merged))
}

func TestMergeLongerHistoryKeepsAncestors(t *testing.T) {
	// Existing tree knows generations 2..3; replication delivers the
	// full 1..3 ancestry plus a new generation 4.
	tree := chainTree(2, "b", "c")

	path := chainTree(1, "a", "b", "c", "d")[0]
	merged, res := Merge(tree, path, 1000)

	// The existing branch folds into the longer path without adding
	// anything of its own, so the graft classifies as internal.
	assert.Equal(t, InternalNode, res)
	require.Len(t, merged, 1)
	assert.Equal(t, 1, merged[0].Pos)
	assert.Equal(t, "4-d", WinningRev(merged))
}

func TestMergeDeletedLeaf(t *testing.T) {
	tree := chainTree(1, "a")

	path := Path{Pos: 1, Root: &Node{ID: "a", Children: []*Node{leaf("b", true)}}}
	merged, res := Merge(tree, path, 1000)

	assert.Equal(t, NewLeaf, res)
	assert.True(t, IsDeleted(merged, ""))
}

func TestMergeStemsDeepChains(t *testing.T) {
	tree := chainTree(1, "a", "b", "c", "d")

	path := Path{Pos: 4, Root: &Node{ID: "d", Children: []*Node{leaf("e", false)}}}
	merged, res := Merge(tree, path, 3)

	assert.Equal(t, NewLeaf, res)
	assert.Equal(t, "5-e", WinningRev(merged))

	// Only the last three generations survive.
	require.Len(t, merged, 1)
	assert.Equal(t, 3, merged[0].Pos)
	assert.Equal(t, "c", merged[0].Root.ID)
	assert.False(t, Contains(merged, "1-a"))
	assert.False(t, Contains(merged, "2-b"))
	assert.True(t, Contains(merged, "3-c"))
}

func TestStemPreservesBranches(t *testing.T) {
	tree := Tree{{
		Pos: 1,
		Root: &Node{ID: "a", Children: []*Node{
			{ID: "b", Children: []*Node{leaf("d", false)}},
			leaf("c", false),
		}},
	}}

	stemmed := Stem(tree, 2)
	leaves := Leaves(stemmed)
	require.Len(t, leaves, 2)
	assert.True(t, Contains(stemmed, "3-d"))
	assert.True(t, Contains(stemmed, "2-c"))
	// Each chain is trimmed independently; the longer one loses its root.
	assert.True(t, Contains(stemmed, "1-a"))
	assert.True(t, Contains(stemmed, "2-b"))
	assert.Len(t, stemmed, 2)
}

func TestMergeResultDrivesConflictDetection(t *testing.T) {
	// The write path treats anything but NewLeaf as a conflict for an
	// interactive edit of a live document.
	tree := chainTree(1, "a", "b")

	stale := Path{Pos: 1, Root: &Node{ID: "a", Children: []*Node{leaf("z", false)}}}
	_, res := Merge(tree, stale, 1000)
	assert.NotEqual(t, NewLeaf, res)

	fresh := Path{Pos: 2, Root: &Node{ID: "b", Children: []*Node{leaf("z", false)}}}
	_, res = Merge(tree, fresh, 1000)
	assert.Equal(t, NewLeaf, res)
}
