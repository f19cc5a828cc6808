package tree

import "github.com/sysshare/confcore/internal/errtax"

// Op is an edit-config-style operation. On an EditNode, OpNone means the
// node has no operation of its own and takes the inherited one; as the
// effective operation (a defaultOp of OpNone) it behaves like OpMerge.
type Op int

const (
	OpNone Op = iota
	OpCreate
	OpMerge
	OpReplace
	OpDelete
	OpRemove
)

// EditNode is one staged edit-config batch: a value-tree node annotated
// with an operation. Only the top node carries an Op; its descendants are
// plain Nodes and all take the top node's effective operation.
type EditNode struct {
	Node *Node
	Op   Op
}

// Merge applies an edit batch onto base, returning the resulting tree.
// Precedence: batch's own Op wins; otherwise defaultOp. That effective Op
// applies to batch.Node, matched among base's top-level nodes, and to
// every node beneath it; nodes deeper in batch cannot override it.
// OpDelete requires the target node
// to exist; OpRemove is delete-if-exists (no error when absent) — the
// same distinction edit-config makes between the two operations.
func Merge(base *T, batch *EditNode, defaultOp Op) (*T, error) {
	out := &T{Root: base.Root.Clone()}
	if err := mergeNode(out.Root, batch, defaultOp); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeNode(target *Node, edit *EditNode, inherited Op) error {
	op := inherited
	if edit.Op != OpNone {
		op = edit.Op
	}

	switch op {
	case OpDelete, OpRemove:
		// removes the child of target that matches edit.Node, with its
		// whole subtree.
		return applyRemoval(target, edit.Node, op)
	case OpCreate:
		if findChild(target, edit.Node) != nil {
			return errtax.New(errtax.Exists, edit.Node.Name, "node %q already exists for create", edit.Node.Name)
		}
		fallthrough
	case OpReplace, OpMerge, OpNone:
		child := findChild(target, edit.Node)
		if child == nil {
			child = &Node{Name: edit.Node.Name, Kind: edit.Node.Kind, Keys: cloneKeys(edit.Node.Keys)}
			target.Children = append(target.Children, child)
		}
		if op == OpReplace {
			child.Children = nil
		}
		child.Value = edit.Node.Value
		child.Default = edit.Node.Default
		for _, c := range edit.Node.Children {
			if err := mergeNode(child, &EditNode{Node: c, Op: OpNone}, op); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyRemoval(target *Node, want *Node, op Op) error {
	for i, c := range target.Children {
		if c.Name == want.Name && keysEqual(c.Keys, want.Keys) {
			target.Children = append(target.Children[:i], target.Children[i+1:]...)
			return nil
		}
	}
	if op == OpDelete {
		return errtax.New(errtax.NotFound, want.Name, "node %q not found for delete", want.Name)
	}
	return nil
}

func findChild(parent *Node, want *Node) *Node {
	for _, c := range parent.Children {
		if c.Name == want.Name && keysEqual(c.Keys, want.Keys) {
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

func cloneKeys(k map[string]string) map[string]string {
	if k == nil {
		return nil
	}
	out := make(map[string]string, len(k))
	for key, v := range k {
		out[key] = v
	}
	return out
}
