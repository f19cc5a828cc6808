package datamodel

// EditOp is the operation a Δ entry or an edit-batch node carries.
type EditOp int

const (
	OpNone EditOp = iota
	OpCreate
	OpDelete
	OpModify
	OpMove
	OpMerge
	OpReplace
	OpRemove
)

func (o EditOp) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	case OpMove:
		return "move"
	case OpMerge:
		return "merge"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	default:
		return "none"
	}
}

// Position is a move target relative to an anchor sibling.
type Position int

const (
	PosNone Position = iota
	PosBefore
	PosAfter
	PosFirst
	PosLast
)

// ChangeEntry is one node of a computed change record.
type ChangeEntry struct {
	XPath    string
	Op       EditOp
	OldValue string
	NewValue string
	// Position/Anchor are set only for OpMove on user-ordered lists/leaf-lists.
	Position Position
	Anchor   string // preceding sibling key, or "" for FIRST
	Depth    int    // schema depth, used for the create-ascending/delete-descending sort
}

// ChangeSet is a list of change entries, kept sorted with creates
// ascending by depth, deletes descending by depth, and moves carrying
// their sibling anchor.
type ChangeSet struct {
	Module  string
	Entries []ChangeEntry
}

// Empty reports whether the change set carries no entries.
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.Entries) == 0
}

// Modules collects the distinct module names touched across change sets.
// Callers pass the per-module changesets already split by Module.
func Modules(sets []*ChangeSet) []string {
	seen := make(map[string]struct{}, len(sets))
	out := make([]string, 0, len(sets))
	for _, s := range sets {
		if s == nil || s.Empty() {
			continue
		}
		if _, ok := seen[s.Module]; ok {
			continue
		}
		seen[s.Module] = struct{}{}
		out = append(out, s.Module)
	}
	return out
}
