package hashtree

// Diff annotates t, the baseline, against candidate and grafts nodes that
// only exist in candidate into t.
//
// Every candidate file found in t is marked Same or, if its hash differs,
// Changed with the candidate hash copied over. Every candidate file missing
// from t is grafted in as New along with any missing parent directories.
// Every original node of t whose path does not exist in candidate is marked
// Deleted. Directories are never compared directly, so a directory only
// becomes Changed through a changed descendant.
func (t *Tree) Diff(candidate *Tree) {
	original := len(t.nodes)

	candidate.WalkPre(candidate.Root(), func(id NodeID) Action {
		if id == candidate.Root() || !candidate.IsLeaf(id) {
			return Continue
		}
		p := candidate.Path(id)
		hash := candidate.Hash(id)
		if own, ok := t.Lookup(p); ok {
			if t.nodes[own].hash == hash {
				t.SetMode(own, Same)
			} else {
				t.nodes[own].hash = hash
				t.SetMode(own, Changed)
			}
			return Continue
		}
		t.graft(p, hash)
		return Continue
	})

	t.WalkPost(t.Root(), func(id NodeID) Action {
		if id == t.Root() || int(id) >= original {
			return Continue
		}
		if _, ok := candidate.Lookup(t.Path(id)); !ok {
			t.SetMode(id, Deleted)
		}
		return Continue
	})
}

// graft creates the missing chain for p and marks every created node New.
func (t *Tree) graft(p, hash string) {
	cur := t.Root()
	segs, _ := SplitPath(p)
	for _, seg := range segs {
		next, created := t.ensureChild(cur, seg)
		if created {
			t.SetMode(next, New)
		}
		cur = next
	}
	t.nodes[cur].hash = hash
}

// Change is one entry of a change set.
type Change struct {
	Path  string
	Mode  ChangeMode
	Hash  string
	IsDir bool
}

// Changes returns every non-Same node of an annotated tree, children before
// their parents. A Deleted node whose parent is also Deleted is left out
// since removing the parent covers it.
func (t *Tree) Changes() []Change {
	var changes []Change
	t.WalkPost(t.Root(), func(id NodeID) Action {
		if id == t.Root() {
			return Continue
		}
		n := t.nodes[id]
		if n.mode == Same {
			return Continue
		}
		if n.mode == Deleted && n.parent != t.Root() && t.nodes[n.parent].mode == Deleted {
			return Continue
		}
		changes = append(changes, Change{
			Path:  t.Path(id),
			Mode:  n.mode,
			Hash:  n.hash,
			IsDir: !t.IsLeaf(id),
		})
		return Continue
	})
	return changes
}

// HasChanges reports whether any node below the root is not Same.
func (t *Tree) HasChanges() bool {
	changed := false
	t.WalkPre(t.Root(), func(id NodeID) Action {
		if id != t.Root() && t.nodes[id].mode != Same {
			changed = true
			return Stop
		}
		return Continue
	})
	return changed
}
