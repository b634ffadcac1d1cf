// Package revtree implements the revision-tree algebra of a multi-version
// document store: grafting an incoming edit path onto a document's revision
// forest, picking the deterministic winning revision among leaves, and
// enumerating leaves and conflicts.
//
// The package is pure: no I/O, no clocks, no globals. A revision is the
// string "<generation>-<hash>". A document's history is a forest ([Tree])
// of rooted paths ([Path]); branches appear when concurrent edits descend
// from the same ancestor.
package revtree

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrBadRev reports a revision string that is not "<generation>-<hash>".
var ErrBadRev = errors.New("revtree: malformed revision")

// Node is one revision in the tree. Children are kept sorted by ID so
// merges are deterministic regardless of arrival order.
type Node struct {
	ID       string  `json:"id"`
	Deleted  bool    `json:"deleted,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Path is a subtree whose root sits at generation Pos.
type Path struct {
	Pos  int   `json:"pos"`
	Root *Node `json:"root"`
}

// Tree is a forest of paths. Most documents have exactly one path; extra
// paths appear when history has been stemmed or revisions arrive out of
// order during replication.
type Tree []Path

// RevInfo describes one leaf of the tree.
type RevInfo struct {
	Pos     int
	ID      string
	Deleted bool
}

// Rev returns the "<generation>-<hash>" form.
func (r RevInfo) Rev() string {
	return FormatRev(r.Pos, r.ID)
}

// FormatRev builds a revision string from generation and hash.
func FormatRev(pos int, id string) string {
	return strconv.Itoa(pos) + "-" + id
}

// ParseRev splits a revision string into generation and hash.
func ParseRev(rev string) (int, string, error) {
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 || idx == len(rev)-1 {
		return 0, "", fmt.Errorf("%w: %q", ErrBadRev, rev)
	}
	pos, err := strconv.Atoi(rev[:idx])
	if err != nil || pos < 1 {
		return 0, "", fmt.Errorf("%w: %q", ErrBadRev, rev)
	}
	return pos, rev[idx+1:], nil
}

// Traverse visits every node in the forest, depth-first. The callback
// receives the node's generation, the node itself, and whether it is a
// leaf. Returning false stops the walk.
func Traverse(tree Tree, visit func(pos int, n *Node, isLeaf bool) bool) {
	type frame struct {
		pos int
		n   *Node
	}
	var stack []frame
	for _, p := range tree {
		stack = append(stack, frame{p.Pos, p.Root})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(f.pos, f.n, len(f.n.Children) == 0) {
			return
		}
		for _, c := range f.n.Children {
			stack = append(stack, frame{f.pos + 1, c})
		}
	}
}

// Leaves returns every leaf of the forest, ordered winner-first:
// non-deleted before deleted, then by generation descending, then by hash
// descending.
func Leaves(tree Tree) []RevInfo {
	var leaves []RevInfo
	Traverse(tree, func(pos int, n *Node, isLeaf bool) bool {
		if isLeaf {
			leaves = append(leaves, RevInfo{Pos: pos, ID: n.ID, Deleted: n.Deleted})
		}
		return true
	})
	sort.Slice(leaves, func(i, j int) bool {
		a, b := leaves[i], leaves[j]
		if a.Deleted != b.Deleted {
			return !a.Deleted
		}
		if a.Pos != b.Pos {
			return a.Pos > b.Pos
		}
		return a.ID > b.ID
	})
	return leaves
}

// WinningRev returns the deterministic winner among the leaves: the
// highest non-deleted leaf, or the highest deleted leaf when every branch
// of the document is deleted. Returns "" for an empty tree.
func WinningRev(tree Tree) string {
	leaves := Leaves(tree)
	if len(leaves) == 0 {
		return ""
	}
	return leaves[0].Rev()
}

// WinningRevInfo is WinningRev with the full leaf record.
func WinningRevInfo(tree Tree) (RevInfo, bool) {
	leaves := Leaves(tree)
	if len(leaves) == 0 {
		return RevInfo{}, false
	}
	return leaves[0], true
}

// Conflicts returns the revisions of the losing non-deleted leaves, the
// set a reader sees under the _conflicts key.
func Conflicts(tree Tree) []string {
	leaves := Leaves(tree)
	if len(leaves) < 2 {
		return nil
	}
	var revs []string
	for _, l := range leaves[1:] {
		if !l.Deleted {
			revs = append(revs, l.Rev())
		}
	}
	return revs
}

// IsDeleted reports whether the given revision carries the deleted flag.
// With rev == "" it reports on the winning revision, i.e. whether the
// document as a whole reads as deleted.
func IsDeleted(tree Tree, rev string) bool {
	if rev == "" {
		info, ok := WinningRevInfo(tree)
		return ok && info.Deleted
	}
	pos, id, err := ParseRev(rev)
	if err != nil {
		return false
	}
	deleted := false
	Traverse(tree, func(p int, n *Node, _ bool) bool {
		if p == pos && n.ID == id {
			deleted = n.Deleted
			return false
		}
		return true
	})
	return deleted
}

// Contains reports whether the revision exists anywhere in the forest.
func Contains(tree Tree, rev string) bool {
	pos, id, err := ParseRev(rev)
	if err != nil {
		return false
	}
	found := false
	Traverse(tree, func(p int, n *Node, _ bool) bool {
		if p == pos && n.ID == id {
			found = true
			return false
		}
		return true
	})
	return found
}

// insertChild adds c to parent.Children keeping the ID sort order.
func insertChild(parent *Node, c *Node) {
	i := sort.Search(len(parent.Children), func(i int) bool {
		return parent.Children[i].ID >= c.ID
	})
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[i+1:], parent.Children[i:])
	parent.Children[i] = c
}
