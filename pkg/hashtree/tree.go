// Package hashtree provides a path-indexed tree of content hashes with
// bottom-up directory hash aggregation, and a differ that classifies every
// path of a baseline tree relative to a candidate tree.
package hashtree

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPath is returned when a path contains an empty, "." or ".." segment.
var ErrInvalidPath = errors.New("invalid path")

// ChangeMode classifies a node relative to a baseline.
type ChangeMode int

const (
	Same ChangeMode = iota
	Changed
	New
	Deleted
)

func (m ChangeMode) String() string {
	switch m {
	case Same:
		return "SAME"
	case Changed:
		return "CHANGED"
	case New:
		return "NEW"
	case Deleted:
		return "DELETED"
	default:
		return fmt.Sprintf("ChangeMode(%d)", int(m))
	}
}

// NodeID is the stable index of a node inside its tree.
type NodeID int

// NoNode is returned as the parent of the root.
const NoNode NodeID = -1

// Action tells a traversal whether to keep going.
type Action int

const (
	Continue Action = iota
	Stop
)

type node struct {
	name     string
	hash     string
	mode     ChangeMode
	parent   NodeID
	children map[string]NodeID
}

// Tree is an arena of nodes. Children are owned through the name->index map;
// the parent index is only a back-reference used for upward propagation.
type Tree struct {
	nodes []node
}

// NewTree returns a tree holding only the synthetic root.
func NewTree() *Tree {
	return &Tree{nodes: []node{{parent: NoNode}}}
}

// Root returns the synthetic root node.
func (t *Tree) Root() NodeID { return 0 }

// Len returns the number of nodes, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// Name returns the single path segment of id.
func (t *Tree) Name(id NodeID) string { return t.nodes[id].name }

// Hash returns the content hash of id.
func (t *Tree) Hash(id NodeID) string { return t.nodes[id].hash }

// Mode returns the change classification of id.
func (t *Tree) Mode(id NodeID) ChangeMode { return t.nodes[id].mode }

// Parent returns the parent of id, or NoNode for the root.
func (t *Tree) Parent(id NodeID) NodeID { return t.nodes[id].parent }

// IsLeaf reports whether id has no children. Leaves are files.
func (t *Tree) IsLeaf(id NodeID) bool { return len(t.nodes[id].children) == 0 }

// Children returns the children of id sorted by name.
func (t *Tree) Children(id NodeID) []NodeID {
	n := t.nodes[id]
	if len(n.children) == 0 {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	ids := make([]NodeID, len(names))
	for i, name := range names {
		ids[i] = n.children[name]
	}
	return ids
}

// Child returns the direct child of id called name.
func (t *Tree) Child(id NodeID, name string) (NodeID, bool) {
	c, ok := t.nodes[id].children[name]
	return c, ok
}

// Path returns the slash-separated path from the root to id. The root's path
// is the empty string.
func (t *Tree) Path(id NodeID) string {
	var segs []string
	for cur := id; cur != t.Root() && cur != NoNode; cur = t.nodes[cur].parent {
		segs = append(segs, t.nodes[cur].name)
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}

// SplitPath validates p and returns its segments.
func SplitPath(p string) ([]string, error) {
	if p == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

// Lookup resolves a slash-separated path.
func (t *Tree) Lookup(p string) (NodeID, bool) {
	if p == "" {
		return t.Root(), true
	}
	cur := t.Root()
	for _, seg := range strings.Split(p, "/") {
		next, ok := t.nodes[cur].children[seg]
		if !ok {
			return NoNode, false
		}
		cur = next
	}
	return cur, true
}

// Add inserts a file at p with the given hash, creating intermediate
// directories as needed. Directory hashes are stale until RecomputeHashes.
func (t *Tree) Add(p, hash string) (NodeID, error) {
	segs, err := SplitPath(p)
	if err != nil {
		return NoNode, err
	}
	cur := t.Root()
	for _, seg := range segs {
		cur, _ = t.ensureChild(cur, seg)
	}
	t.nodes[cur].hash = hash
	return cur, nil
}

// ensureChild returns the child of parent named name, creating it if it is
// missing. The second result reports whether a node was created.
func (t *Tree) ensureChild(parent NodeID, name string) (NodeID, bool) {
	if c, ok := t.nodes[parent].children[name]; ok {
		return c, false
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, node{name: name, parent: parent})
	if t.nodes[parent].children == nil {
		t.nodes[parent].children = make(map[string]NodeID)
	}
	t.nodes[parent].children[name] = id
	return id, true
}

// SetMode classifies id. Changed propagates upward to every ancestor that is
// not already New or Deleted; New and Deleted propagate down to every
// descendant.
func (t *Tree) SetMode(id NodeID, mode ChangeMode) {
	t.nodes[id].mode = mode
	switch mode {
	case Changed:
		for p := t.nodes[id].parent; p != NoNode; p = t.nodes[p].parent {
			if m := t.nodes[p].mode; m == New || m == Deleted {
				break
			}
			t.nodes[p].mode = Changed
		}
	case New, Deleted:
		for _, c := range t.nodes[id].children {
			t.SetMode(c, mode)
		}
	}
}

// RecomputeHashes sets every directory hash to the MD5 of the concatenation
// of its children's hashes in name order. Leaf hashes are left untouched.
func (t *Tree) RecomputeHashes() {
	t.WalkPost(t.Root(), func(id NodeID) Action {
		if t.IsLeaf(id) {
			return Continue
		}
		h := md5.New()
		for _, c := range t.Children(id) {
			h.Write([]byte(t.nodes[c].hash))
		}
		t.nodes[id].hash = hex.EncodeToString(h.Sum(nil))
		return Continue
	})
}

// WalkPre visits id and then its descendants, parents before children.
func (t *Tree) WalkPre(id NodeID, fn func(NodeID) Action) Action {
	if fn(id) == Stop {
		return Stop
	}
	for _, c := range t.Children(id) {
		if t.WalkPre(c, fn) == Stop {
			return Stop
		}
	}
	return Continue
}

// WalkPost visits the descendants of id and then id, children before parents.
func (t *Tree) WalkPost(id NodeID, fn func(NodeID) Action) Action {
	for _, c := range t.Children(id) {
		if t.WalkPost(c, fn) == Stop {
			return Stop
		}
	}
	return fn(id)
}

// Files returns the path and hash of every leaf.
func (t *Tree) Files() map[string]string {
	files := make(map[string]string)
	t.WalkPre(t.Root(), func(id NodeID) Action {
		if id != t.Root() && t.IsLeaf(id) {
			files[t.Path(id)] = t.nodes[id].hash
		}
		return Continue
	})
	return files
}
