// Package pathtree implements the PathTree from spec §3: a prefix trie that
// coalesces a set of mutated document paths into the minimal covering set
// needed to diff against (C3, Mutation Tracker).
package pathtree

import "github.com/adred-codev/multiplex/internal/jsonpath"

// Tree holds a set of jsonpath.Path values with the invariant that no
// stored path is a strict prefix or strict extension of another. Inserting
// a parent subsumes any previously-inserted descendants; inserting a
// descendant of an already-present ancestor is a no-op.
type Tree struct {
	root *node
}

type node struct {
	children map[jsonpath.Segment]*node
	terminal bool // this node's path was explicitly inserted and not yet subsumed
}

func newNode() *node {
	return &node{children: make(map[jsonpath.Segment]*node)}
}

// New returns an empty PathTree.
func New() *Tree {
	return &Tree{root: newNode()}
}

// Add inserts path into the tree, maintaining the minimality invariant.
func (t *Tree) Add(path jsonpath.Path) {
	if t.containsAncestorOf(path) {
		return
	}
	t.pruneDescendantsOf(path)

	cur := t.root
	for _, seg := range path {
		child, ok := cur.children[seg]
		if !ok {
			child = newNode()
			cur.children[seg] = child
		}
		cur = child
	}
	cur.terminal = true
}

// containsAncestorOf reports whether some strict prefix of path (or path
// itself) is already a terminal node.
func (t *Tree) containsAncestorOf(path jsonpath.Path) bool {
	cur := t.root
	if cur.terminal {
		return true
	}
	for _, seg := range path {
		child, ok := cur.children[seg]
		if !ok {
			return false
		}
		if child.terminal {
			return true
		}
		cur = child
	}
	return false
}

// pruneDescendantsOf removes every terminal node at or below path; path is
// about to become terminal itself, subsuming them.
func (t *Tree) pruneDescendantsOf(path jsonpath.Path) {
	cur := t.root
	for _, seg := range path {
		child, ok := cur.children[seg]
		if !ok {
			return
		}
		cur = child
	}
	clearSubtree(cur)
}

func clearSubtree(n *node) {
	n.terminal = false
	for _, child := range n.children {
		clearSubtree(child)
	}
	n.children = make(map[jsonpath.Segment]*node)
}

// Paths returns the minimal covering set of endpoints currently in the
// tree. The result is unordered by construction (a map-backed trie); callers
// that need shortest-first order should sort by len(Path).
func (t *Tree) Paths() []jsonpath.Path {
	var out []jsonpath.Path
	var walk func(n *node, prefix jsonpath.Path)
	walk = func(n *node, prefix jsonpath.Path) {
		if n.terminal {
			out = append(out, prefix.Clone())
		}
		for seg, child := range n.children {
			walk(child, prefix.Append(seg))
		}
	}
	walk(t.root, nil)
	return out
}

// Clear empties the tree, as done after each auto-notify cycle.
func (t *Tree) Clear() {
	t.root = newNode()
}

// Empty reports whether the tree currently has no endpoints.
func (t *Tree) Empty() bool {
	return len(t.Paths()) == 0
}
