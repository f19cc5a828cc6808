// Package value implements the public flat-value type: (xpath, type,
// default-flag, data-payload), a lossless round trip with the tree
// package's node type for every supported YANG value kind. This is the
// wire shape clients actually exchange; internal/tree's line format is
// internal only (tests, datastore plugin storage, cmd/confload).
package value

import (
	"strconv"

	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/tree"
)

// Type enumerates every value kind the flat type carries.
type Type int

const (
	TypeList Type = iota
	TypeContainer
	TypePresenceContainer
	TypeEmptyLeaf
	TypeNotification
	TypeBinary
	TypeBits
	TypeBool
	TypeDecimal64
	TypeEnum
	TypeIdentityref
	TypeInstanceID
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeString
	TypeAnyxml
	TypeAnydata
)

// Value is the flat, client-facing representation of one tree node.
type Value struct {
	XPath   string
	Type    Type
	Default bool
	Data    string // canonical string encoding; Bool/int/uint types re-parse via strconv
}

// FromNode converts a tree.Node plus its resolved xpath and inferred
// Type into a flat Value.
func FromNode(xpath string, n *tree.Node, t Type) Value {
	return Value{XPath: xpath, Type: t, Default: n.Default, Data: n.Value}
}

// ToNode converts v back into a tree.Node with the appropriate Kind,
// preserving Default and Data losslessly — the Parse(Serialize(tree)) ==
// tree round-trip property depends on this being the exact inverse of
// FromNode for every supported Type.
func ToNode(v Value) (*tree.Node, error) {
	n := &tree.Node{Value: v.Data, Default: v.Default}
	switch v.Type {
	case TypeList:
		n.Kind = tree.KindList
	case TypeContainer:
		n.Kind = tree.KindContainer
	case TypePresenceContainer:
		n.Kind = tree.KindPresenceContainer
	case TypeAnyxml, TypeAnydata:
		n.Kind = tree.KindAnyxml
	case TypeBinary, TypeBits, TypeEnum, TypeIdentityref, TypeInstanceID, TypeString,
		TypeEmptyLeaf, TypeNotification:
		n.Kind = tree.KindLeaf
	case TypeBool:
		if v.Data != "" {
			if _, err := strconv.ParseBool(v.Data); err != nil {
				return nil, errtax.New(errtax.BadElement, v.XPath, "invalid bool value %q: %v", v.Data, err)
			}
		}
		n.Kind = tree.KindLeaf
	case TypeDecimal64:
		if v.Data != "" {
			if _, err := strconv.ParseFloat(v.Data, 64); err != nil {
				return nil, errtax.New(errtax.BadElement, v.XPath, "invalid decimal64 value %q: %v", v.Data, err)
			}
		}
		n.Kind = tree.KindLeaf
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		if v.Data != "" {
			if _, err := strconv.ParseInt(v.Data, 10, 64); err != nil {
				return nil, errtax.New(errtax.BadElement, v.XPath, "invalid integer value %q: %v", v.Data, err)
			}
		}
		n.Kind = tree.KindLeaf
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		if v.Data != "" {
			if _, err := strconv.ParseUint(v.Data, 10, 64); err != nil {
				return nil, errtax.New(errtax.BadElement, v.XPath, "invalid unsigned integer value %q: %v", v.Data, err)
			}
		}
		n.Kind = tree.KindLeaf
	default:
		return nil, errtax.New(errtax.InvalidArgument, v.XPath, "unknown value type %d", v.Type)
	}
	return n, nil
}

// SetInTree resolves v.XPath within t (creating intermediate containers
// as tree.Set already does) and assigns the converted node's value,
// preserving t's existing structure around the target.
func SetInTree(t *tree.T, v Value) error {
	n, err := ToNode(v)
	if err != nil {
		return err
	}
	return t.Set(v.XPath, n.Value)
}

// GetFromTree reads xpath out of t and packages it as a flat Value of
// the given Type (the Type itself comes from the schema, which this
// package does not own — callers look it up via tree.Schema first).
func GetFromTree(t *tree.T, xpath string, asType Type) (Value, bool) {
	raw, ok := t.Get(xpath)
	if !ok {
		return Value{}, false
	}
	return Value{XPath: xpath, Type: asType, Data: raw}, true
}
