// Package editengine implements the session-facing edit surface: merging
// a session's staged edits into a reference tree, validating the
// result, and producing a canonical change set. It sits directly on top
// of internal/tree's {merge, validate, diff} primitives and adds the
// client-facing edit verbs (set, delete, move, edit_batch).
//
// Staged edits accumulate as a batch of typed operations before a
// single apply call commits them — the same stage-then-apply shape used
// for a session's pending edit.
package editengine

import (
	"fmt"
	"sort"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/tree"
)

// Engine merges and diffs edits for one module against a schema.
type Engine struct {
	schema *tree.Schema
}

func New(schema *tree.Schema) *Engine {
	return &Engine{schema: schema}
}

// Set stages a single leaf assignment as a merge-operation edit.
func Set(xpath, value string) *tree.EditNode {
	return pathToEdit(xpath, value, tree.OpMerge)
}

// Delete stages removal of xpath and its subtree; errors if xpath does
// not exist at apply time (as opposed to Remove's delete-if-exists).
func Delete(xpath string) *tree.EditNode {
	return pathToEdit(xpath, "", tree.OpDelete)
}

// Remove stages a delete-if-exists removal.
func Remove(xpath string) *tree.EditNode {
	return pathToEdit(xpath, "", tree.OpRemove)
}

// Move restages a user-ordered list or leaf-list entry; the tree package
// models order purely by Children slice position, so Move is
// implemented as a delete-then-create of the moved node immediately
// after resolving anchor, rather than a distinct tree.Op.
type MoveRequest struct {
	XPath  string
	Anchor string // preceding sibling's segment (e.g. "iface[name='eth1']"); "" to move first
}

// Move relocates the node named by req.XPath to immediately follow the
// sibling named by req.Anchor, or to the front of its parent's Children
// if Anchor is "". It mutates staged directly rather than going through
// Merge, since reordering isn't expressible as a mergeable Op.
func Move(staged *tree.T, req MoveRequest) error {
	segs := tree.SplitXPath(req.XPath)
	if len(segs) == 0 {
		return fmt.Errorf("move: empty xpath")
	}

	parent := staged.Root
	for _, seg := range segs[:len(segs)-1] {
		name, keys := tree.ParseSegment(seg)
		child := siblingNamed(parent.Children, name, keys)
		if child == nil {
			return fmt.Errorf("move: parent of %q not found", req.XPath)
		}
		parent = child
	}

	name, keys := tree.ParseSegment(segs[len(segs)-1])
	idx := -1
	for i, c := range parent.Children {
		if c.Name == name && keysEqual(c.Keys, keys) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("move: node %q not found", req.XPath)
	}
	node := parent.Children[idx]
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)

	insertAt := 0
	if req.Anchor != "" {
		aName, aKeys := tree.ParseSegment(req.Anchor)
		anchorIdx := -1
		for i, c := range parent.Children {
			if c.Name == aName && keysEqual(c.Keys, aKeys) {
				anchorIdx = i
				break
			}
		}
		if anchorIdx < 0 {
			return fmt.Errorf("move: anchor %q not found", req.Anchor)
		}
		insertAt = anchorIdx + 1
	}

	parent.Children = append(parent.Children[:insertAt:insertAt],
		append([]*tree.Node{node}, parent.Children[insertAt:]...)...)
	return nil
}

func siblingNamed(children []*tree.Node, name string, keys map[string]string) *tree.Node {
	for _, c := range children {
		if c.Name == name && keysEqual(c.Keys, keys) {
			return c
		}
	}
	return nil
}

func keysEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func pathToEdit(xpath, value string, op tree.Op) *tree.EditNode {
	segs := tree.SplitXPath(xpath)
	if len(segs) == 0 {
		return &tree.EditNode{Node: &tree.Node{}, Op: op}
	}
	root := &tree.Node{}
	cur := root
	for i, seg := range segs {
		name, keys := tree.ParseSegment(seg)
		n := &tree.Node{Name: name, Keys: keys}
		if len(keys) > 0 {
			n.Kind = tree.KindList
		}
		if i == len(segs)-1 {
			n.Kind = tree.KindLeaf
			n.Value = value
		}
		cur.Children = []*tree.Node{n}
		cur = n
	}
	top := root.Children[0]
	return &tree.EditNode{Node: top, Op: op}
}

// EditBatch merges every staged edit in the batch into the session's
// staged tree with the given default operation: each node carries an
// operation inherited from the nearest ancestor or the default.
func (e *Engine) EditBatch(staged *tree.T, edits []*tree.EditNode, defaultOp tree.Op) (*tree.T, error) {
	cur := staged
	for _, edit := range edits {
		var err error
		cur, err = tree.Merge(cur, edit, defaultOp)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// Commit validates the merged tree against e.schema and computes the
// canonical change set against reference, returning the change set with
// its entries ordered by sortEntries. A validation failure returns the accumulated
// multi-entry error rather than stopping at the first offending node.
func (e *Engine) Commit(module string, reference, merged *tree.T) (*datamodel.ChangeSet, error) {
	if e.schema != nil {
		if err := tree.Validate(merged, e.schema); err != nil {
			return nil, err
		}
	}
	diffs := tree.Diff(reference, merged)
	cs := &datamodel.ChangeSet{Module: module}
	for _, d := range diffs {
		cs.Entries = append(cs.Entries, toChangeEntry(d))
	}
	sortEntries(cs.Entries)
	return cs, nil
}

// sortEntries orders a change set's entries so creates apply shallowest
// first (a container must exist before its children are created) and
// deletes apply deepest first (children must go before the parent they
// live under); other ops keep their diff-computed relative order.
func sortEntries(entries []datamodel.ChangeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Op == datamodel.OpCreate && b.Op == datamodel.OpCreate:
			return a.Depth < b.Depth
		case a.Op == datamodel.OpDelete && b.Op == datamodel.OpDelete:
			return a.Depth > b.Depth
		default:
			return false
		}
	})
}

func toChangeEntry(d tree.DiffEntry) datamodel.ChangeEntry {
	var op datamodel.EditOp
	switch d.Op {
	case tree.DiffCreate:
		op = datamodel.OpCreate
	case tree.DiffDelete:
		op = datamodel.OpDelete
	case tree.DiffModify:
		op = datamodel.OpModify
	case tree.DiffMove:
		op = datamodel.OpMove
	}
	entry := datamodel.ChangeEntry{
		XPath:    d.XPath,
		Op:       op,
		OldValue: d.OldValue,
		NewValue: d.NewValue,
		Depth:    len(tree.SplitXPath(d.XPath)),
	}
	if d.Op == tree.DiffMove {
		entry.Anchor = d.Anchor
		if d.Anchor == "" {
			entry.Position = datamodel.PosFirst
		} else {
			entry.Position = datamodel.PosAfter
		}
	}
	return entry
}
