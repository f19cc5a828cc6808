package tree

import (
	"github.com/go-playground/validator/v10"

	"github.com/sysshare/confcore/internal/errtax"
)

// SchemaNode describes one node's constraints for validation — the
// subset of YANG's mandatory/when/must/unique/min-max-elements/leafref
// machinery this core enforces structurally rather than through a full
// schema compiler. Looked up by path.
type SchemaNode struct {
	Path            string
	Kind            Kind
	Mandatory       bool
	MinElements     int
	MaxElements     int // 0 means unbounded
	UniqueKeyFields []string
	LeafType        string // "tag=..." validator rule, e.g. "numeric", "email", ""
	LeafrefTarget   string // xpath this leaf must resolve against, "" if none
}

// Schema is a flat lookup table keyed by schema path (no predicates —
// schema paths are type-level, unlike the keyed instance xpaths Node
// carries).
type Schema struct {
	nodes map[string]*SchemaNode
}

func NewSchema(nodes []*SchemaNode) *Schema {
	s := &Schema{nodes: make(map[string]*SchemaNode, len(nodes))}
	for _, n := range nodes {
		s.nodes[n.Path] = n
	}
	return s
}

func (s *Schema) Lookup(path string) (*SchemaNode, bool) {
	n, ok := s.nodes[path]
	return n, ok
}

// Validate checks t against s, collecting every offending node rather
// than stopping at the first.
func Validate(t *T, s *Schema) error {
	v := validator.New()
	var verr *errtax.Error

	counts := make(map[string]int)
	t.Walk(func(xpath string, n *Node) bool {
		schemaPath := schemaPathOf(n, xpath)
		counts[schemaPath]++
		return true
	})

	for path, sn := range s.nodes {
		if sn.Mandatory && counts[path] == 0 {
			verr = appendErr(verr, path, "mandatory node missing")
		}
		if sn.MinElements > 0 && counts[path] < sn.MinElements {
			verr = appendErr(verr, path, "expected at least %d elements, found %d", sn.MinElements, counts[path])
		}
		if sn.MaxElements > 0 && counts[path] > sn.MaxElements {
			verr = appendErr(verr, path, "expected at most %d elements, found %d", sn.MaxElements, counts[path])
		}
	}

	seenKeys := make(map[string]map[string]bool)
	t.Walk(func(xpath string, n *Node) bool {
		schemaPath := schemaPathOf(n, xpath)
		sn, ok := s.nodes[schemaPath]
		if !ok {
			return true
		}
		if n.Kind == KindLeaf && sn.LeafType != "" {
			if err := v.Var(n.Value, sn.LeafType); err != nil {
				verr = appendErr(verr, xpath, "leaf value %q fails %q: %v", n.Value, sn.LeafType, err)
			}
		}
		if sn.LeafrefTarget != "" {
			if _, ok := t.Get(sn.LeafrefTarget); !ok {
				verr = appendErr(verr, xpath, "leafref target %q does not resolve", sn.LeafrefTarget)
			}
		}
		if len(sn.UniqueKeyFields) > 0 && n.Kind == KindList {
			if seenKeys[schemaPath] == nil {
				seenKeys[schemaPath] = make(map[string]bool)
			}
			uniq := ""
			for _, f := range sn.UniqueKeyFields {
				uniq += f + "=" + n.Keys[f] + ";"
			}
			if seenKeys[schemaPath][uniq] {
				verr = appendErr(verr, xpath, "duplicate unique value set %q", uniq)
			}
			seenKeys[schemaPath][uniq] = true
		}
		return true
	})

	if verr != nil {
		return verr
	}
	return nil
}

func appendErr(e *errtax.Error, xpath, format string, args ...any) *errtax.Error {
	if e == nil {
		return errtax.New(errtax.ValidationFailed, xpath, format, args...)
	}
	return e.Append(xpath, format, args...)
}

// schemaPathOf strips list-entry predicates from an instance xpath to
// get the corresponding schema path (keys are instance data, not part
// of the schema identity).
func schemaPathOf(n *Node, xpath string) string {
	var b []byte
	depth := 0
	for i := 0; i < len(xpath); i++ {
		c := xpath[i]
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		default:
			if depth == 0 {
				b = append(b, c)
			}
		}
	}
	return string(b)
}
