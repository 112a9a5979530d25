package hashtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTree(t *testing.T, files map[string]string) *Tree {
	t.Helper()
	var entries []Entry
	for p, h := range files {
		entries = append(entries, Entry{Path: p, Hash: h})
	}
	tree, err := FromEntries(entries)
	require.NoError(t, err)
	return tree
}

func modeOf(t *testing.T, tree *Tree, p string) ChangeMode {
	t.Helper()
	id, ok := tree.Lookup(p)
	require.True(t, ok, "missing %s", p)
	return tree.Mode(id)
}

func TestAddAndLookup(t *testing.T) {
	tree := mustTree(t, map[string]string{
		"abc/def/ghi.datei": "12345",
		"abc/def/jkl.datei": "67890",
		"abc/xyz.datei":     "d41d8cd98f00b204e9800998ecf8427e",
	})

	id, ok := tree.Lookup("abc/def/ghi.datei")
	require.True(t, ok)
	assert.Equal(t, "12345", tree.Hash(id))
	assert.Equal(t, "abc/def/ghi.datei", tree.Path(id))
	assert.True(t, tree.IsLeaf(id))

	abc, ok := tree.Lookup("abc")
	require.True(t, ok)
	assert.False(t, tree.IsLeaf(abc))
	assert.Len(t, tree.Children(abc), 2)
	assert.NotEmpty(t, tree.Hash(abc))
	assert.Equal(t, tree.Root(), tree.Parent(abc))
	assert.Equal(t, NoNode, tree.Parent(tree.Root()))

	_, ok = tree.Lookup("abc/missing")
	assert.False(t, ok)
}

func TestNewTreeHoldsOnlyRoot(t *testing.T) {
	tree := NewTree()
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, NoNode, tree.Parent(tree.Root()))
	assert.Equal(t, Same, tree.Mode(tree.Root()))
	assert.Empty(t, tree.Files())
}

func TestAddRejectsMalformedPaths(t *testing.T) {
	for _, p := range []string{"", "/abs", "a//b", "a/./b", "../escape", "a/"} {
		_, err := NewTree().Add(p, "h")
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", p)
	}
}

func TestRecomputeHashesDeterministic(t *testing.T) {
	a := NewTree()
	for _, p := range []string{"x/1", "x/2", "y/z/3", "top"} {
		_, err := a.Add(p, "h-"+p)
		require.NoError(t, err)
	}
	a.RecomputeHashes()

	b := NewTree()
	for _, p := range []string{"top", "y/z/3", "x/2", "x/1"} {
		_, err := b.Add(p, "h-"+p)
		require.NoError(t, err)
	}
	b.RecomputeHashes()
	b.RecomputeHashes()

	for _, p := range []string{"", "x", "y", "y/z"} {
		ida, _ := a.Lookup(p)
		idb, _ := b.Lookup(p)
		assert.Equal(t, a.Hash(ida), b.Hash(idb), "hash of %q", p)
	}
}

func TestDirectoryHashTracksContent(t *testing.T) {
	a := mustTree(t, map[string]string{"d/f": "1"})
	b := mustTree(t, map[string]string{"d/f": "2"})
	da, _ := a.Lookup("d")
	db, _ := b.Lookup("d")
	assert.NotEqual(t, a.Hash(da), b.Hash(db))
}

func TestSetModeChangedPropagatesUp(t *testing.T) {
	tree := mustTree(t, map[string]string{"a/b/c": "1", "a/b/d": "2", "a/e": "3"})
	c, _ := tree.Lookup("a/b/c")
	tree.SetMode(c, Changed)

	assert.Equal(t, Changed, modeOf(t, tree, "a/b/c"))
	assert.Equal(t, Changed, modeOf(t, tree, "a/b"))
	assert.Equal(t, Changed, modeOf(t, tree, "a"))
	assert.Equal(t, Changed, tree.Mode(tree.Root()))
	assert.Equal(t, Same, modeOf(t, tree, "a/b/d"))
	assert.Equal(t, Same, modeOf(t, tree, "a/e"))
}

func TestSetModeChangedStopsAtNewOrDeleted(t *testing.T) {
	tree := mustTree(t, map[string]string{"a/b/c": "1"})
	b, _ := tree.Lookup("a/b")
	tree.SetMode(b, New)
	c, _ := tree.Lookup("a/b/c")
	tree.SetMode(c, Changed)

	assert.Equal(t, New, modeOf(t, tree, "a/b"))
	assert.Equal(t, Same, modeOf(t, tree, "a"))
}

func TestSetModeDeletedPropagatesDown(t *testing.T) {
	tree := mustTree(t, map[string]string{"a/b/c": "1", "a/d": "2", "e": "3"})
	a, _ := tree.Lookup("a")
	tree.SetMode(a, Deleted)

	for _, p := range []string{"a", "a/b", "a/b/c", "a/d"} {
		assert.Equal(t, Deleted, modeOf(t, tree, p), p)
	}
	assert.Equal(t, Same, modeOf(t, tree, "e"))
}

func TestWalkStop(t *testing.T) {
	tree := mustTree(t, map[string]string{"a": "1", "b": "2", "c": "3"})
	var seen []string
	res := tree.WalkPre(tree.Root(), func(id NodeID) Action {
		if id == tree.Root() {
			return Continue
		}
		seen = append(seen, tree.Name(id))
		if tree.Name(id) == "b" {
			return Stop
		}
		return Continue
	})
	assert.Equal(t, Stop, res)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestWalkPostVisitsChildrenFirst(t *testing.T) {
	tree := mustTree(t, map[string]string{"d/x": "1", "d/y": "2"})
	var order []string
	tree.WalkPost(tree.Root(), func(id NodeID) Action {
		order = append(order, tree.Path(id))
		return Continue
	})
	assert.Equal(t, []string{"d/x", "d/y", "d", ""}, order)
}
