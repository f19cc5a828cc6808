// Package tree implements the schema-tree value type T: parse, merge,
// diff, validate, walk, and free, plus a schema-node lookup by path. It
// stands in for a full YANG datastore's libyang dependency — enough
// structural modeling (containers, lists with keys, leaves, leaf-lists,
// user-ordering) to support edit/diff/validate over an xpath-addressed
// instance tree, without parsing an actual YANG grammar.
//
// Generalized from a tree-shaped payload walker into an arbitrary
// schema-described node tree.
package tree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sysshare/confcore/internal/errtax"
)

// Kind enumerates node shapes, mirroring the flat-value type list
// (value marshaling) at the subset this core structurally models.
type Kind int

const (
	KindContainer Kind = iota
	KindPresenceContainer
	KindList
	KindLeaf
	KindLeafList
	KindAnyxml
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindPresenceContainer:
		return "presence-container"
	case KindList:
		return "list"
	case KindLeaf:
		return "leaf"
	case KindLeafList:
		return "leaf-list"
	case KindAnyxml:
		return "anyxml"
	default:
		return "unknown"
	}
}

// Node is one instance-tree node. Lists carry Keys identifying this
// element among siblings; leaves and leaf-lists carry Value.
type Node struct {
	Name     string
	Kind     Kind
	Keys     map[string]string // list entries only
	Value    string             // leaf/leaf-list only
	Default  bool
	Children []*Node
}

// Clone deep-copies a node and its subtree, so staged edits never alias
// the tree a concurrent reader holds: trees are value types within a
// transaction.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := &Node{Name: n.Name, Kind: n.Kind, Value: n.Value, Default: n.Default}
	if n.Keys != nil {
		cp.Keys = make(map[string]string, len(n.Keys))
		for k, v := range n.Keys {
			cp.Keys[k] = v
		}
	}
	for _, c := range n.Children {
		cp.Children = append(cp.Children, c.Clone())
	}
	return cp
}

// T is the root of an instance tree for one module.
type T struct {
	Root *Node
}

// Parse builds a T from a minimal canonical line format
// ("xpath=value" per line, blank value for containers/lists), used by
// tests, the datastore plugins' stored form and cmd/confload rather than
// a serialization exchanged with real clients (that role belongs to
// internal/value's flat-value type).
func Parse(lines []string) (*T, error) {
	t := &T{Root: &Node{Name: "", Kind: KindContainer}}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		xpath := parts[0]
		value := ""
		if len(parts) == 2 {
			value = parts[1]
		}
		if err := setPath(t.Root, splitXPath(xpath), value); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Free releases references held by t. With Go's GC this is a no-op
// beyond nilling the root, kept for API parity with the rest of the
// {parse, merge, diff, validate, free, walk} operation set.
func (t *T) Free() {
	if t != nil {
		t.Root = nil
	}
}

// Walk visits every node in the tree in depth-first, child-order
// sequence, passing the accumulated xpath.
func (t *T) Walk(fn func(xpath string, n *Node) bool) {
	if t == nil || t.Root == nil {
		return
	}
	walk(t.Root, "", fn)
}

func walk(n *Node, prefix string, fn func(string, *Node) bool) bool {
	for _, c := range n.Children {
		xp := childXPath(prefix, c)
		if !fn(xp, c) {
			return false
		}
		if !walk(c, xp, fn) {
			return false
		}
	}
	return true
}

func childXPath(prefix string, n *Node) string {
	seg := n.Name
	if n.Kind == KindList && len(n.Keys) > 0 {
		keys := make([]string, 0, len(n.Keys))
		for k := range n.Keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(seg)
		for _, k := range keys {
			fmt.Fprintf(&b, "[%s='%s']", k, n.Keys[k])
		}
		seg = b.String()
	}
	if prefix == "" {
		return "/" + seg
	}
	return prefix + "/" + seg
}

// Get returns the value at xpath (leaves/leaf-lists), or ok=false.
func (t *T) Get(xpath string) (string, bool) {
	n := find(t.Root, splitXPath(xpath))
	if n == nil {
		return "", false
	}
	return n.Value, true
}

// Set assigns a leaf value at xpath, creating intermediate containers
// as needed, inferring Kind=KindLeaf for the final segment.
func (t *T) Set(xpath, value string) error {
	return setPath(t.Root, splitXPath(xpath), value)
}

// Delete removes the node at xpath and its subtree.
func (t *T) Delete(xpath string) error {
	segs := splitXPath(xpath)
	if len(segs) == 0 {
		return errtax.New(errtax.InvalidArgument, xpath, "cannot delete the tree root")
	}
	parent := find(t.Root, segs[:len(segs)-1])
	if parent == nil {
		return errtax.New(errtax.NotFound, xpath, "xpath %q not found", xpath)
	}
	last := segs[len(segs)-1]
	for i, c := range parent.Children {
		if matchesSegment(c, last) {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return nil
		}
	}
	return errtax.New(errtax.NotFound, xpath, "xpath %q not found", xpath)
}

// SplitXPath splits an absolute or relative xpath into its segments,
// keeping list-key predicates ("[name='eth0']") attached to their
// segment. Exported so editengine can build EditNode shapes from a
// client-facing xpath without duplicating the parser.
func SplitXPath(xpath string) []string { return splitXPath(xpath) }

// ParseSegment splits one xpath segment into its node name and key
// predicates, exported for the same reason as SplitXPath.
func ParseSegment(seg string) (string, map[string]string) { return parseSegment(seg) }

func splitXPath(xpath string) []string {
	xpath = strings.Trim(xpath, "/")
	if xpath == "" {
		return nil
	}
	return strings.Split(xpath, "/")
}

func find(n *Node, segs []string) *Node {
	cur := n
	for _, seg := range segs {
		var next *Node
		for _, c := range cur.Children {
			if matchesSegment(c, seg) {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func matchesSegment(n *Node, seg string) bool {
	name, keys := parseSegment(seg)
	if n.Name != name {
		return false
	}
	if len(keys) == 0 {
		return true
	}
	for k, v := range keys {
		if n.Keys[k] != v {
			return false
		}
	}
	return true
}

func parseSegment(seg string) (string, map[string]string) {
	i := strings.IndexByte(seg, '[')
	if i < 0 {
		return seg, nil
	}
	name := seg[:i]
	keys := make(map[string]string)
	rest := seg[i:]
	for len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		pred := rest[1:end]
		if eq := strings.IndexByte(pred, '='); eq >= 0 {
			k := pred[:eq]
			v := strings.Trim(pred[eq+1:], "'\"")
			keys[k] = v
		}
		rest = rest[end+1:]
	}
	return name, keys
}

func setPath(root *Node, segs []string, value string) error {
	cur := root
	for i, seg := range segs {
		name, keys := parseSegment(seg)
		var next *Node
		for _, c := range cur.Children {
			if matchesSegment(c, seg) {
				next = c
				break
			}
		}
		if next == nil {
			kind := KindContainer
			if len(keys) > 0 {
				kind = KindList
			}
			if i == len(segs)-1 && len(keys) == 0 {
				kind = KindLeaf
			}
			next = &Node{Name: name, Kind: kind, Keys: keys}
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	if len(segs) > 0 {
		cur.Kind = KindLeaf
		cur.Value = value
	}
	return nil
}
