package decoder

import (
	"github.com/endorses/wdpool/internal/pkg/arena"
	"github.com/endorses/wdpool/internal/pkg/dfilter"
)

// Approximate per-node cost charged to the arena.
const nodeCost = 96

// Node is a position in the decode tree. The root has no Match.
type Node struct {
	Match    *FieldMatch
	Parent   *Node
	Children []*Node
}

// Depth returns the number of ancestors below the root.
func (n *Node) Depth() int {
	d := 0
	for p := n.Parent; p != nil && p.Parent != nil; p = p.Parent {
		d++
	}
	return d
}

// FieldCallback is invoked for every registered field as it is added.
type FieldCallback func(*FieldMatch)

// Tree is the structured result of decoding one packet. It lives in the
// arena it was created with and is only valid while that arena's generation
// is unchanged.
type Tree struct {
	arena      *arena.Arena
	active     *arena.Arena
	generation uint64
	mode       Mode

	root      *Node
	interest  map[int]struct{}
	byID      map[int][]*FieldMatch
	byName    map[string][]*FieldMatch
	protocols map[string]int
	layers    []string

	protocol  string
	summary   string
	hasData   bool
	malformed bool
	callback  FieldCallback
}

// NewTree creates an empty tree in a.
func NewTree(a *arena.Arena, mode Mode) *Tree {
	t := &Tree{
		arena:      a,
		generation: a.Generation(),
		mode:       mode,
		interest:   make(map[int]struct{}),
	}
	a.Charge(arena.ScopeFile, nodeCost)
	t.clear()
	return t
}

func (t *Tree) clear() {
	t.root = &Node{}
	t.byID = make(map[int][]*FieldMatch)
	t.byName = make(map[string][]*FieldMatch)
	t.protocols = make(map[string]int)
	t.layers = nil
	t.protocol = ""
	t.summary = ""
	t.hasData = false
	t.malformed = false
}

// Arena returns the arena the tree was created in.
func (t *Tree) Arena() *arena.Arena { return t.arena }

// Mode returns the materialization mode.
func (t *Tree) Mode() Mode { return t.mode }

// Stale reports whether the tree's arena has been freed since creation.
func (t *Tree) Stale() bool {
	return t.arena.Generation() != t.generation
}

// Begin starts a decode into t with active as the caller's active arena.
func (t *Tree) Begin(active *arena.Arena) error {
	if active != t.arena {
		return ErrArenaMismatch
	}
	if t.Stale() {
		return ErrStaleTree
	}
	t.active = active
	t.hasData = true
	return nil
}

// End finishes a decode started with Begin.
func (t *Tree) End() {
	t.active = nil
}

// Reset discards decoded content and packet-scoped memory while keeping
// registered interest, mode and callback.
func (t *Tree) Reset() {
	t.clear()
	t.arena.FreeScope(arena.ScopePacket)
}

// Prime registers interest in def so it is materialized in ModeFast.
func (t *Tree) Prime(def *FieldDef) {
	if def != nil {
		t.interest[def.ID] = struct{}{}
	}
}

// Interested reports whether def has been primed.
func (t *Tree) Interested(def *FieldDef) bool {
	_, ok := t.interest[def.ID]
	return ok
}

// SetCallback installs fn to observe registered fields as they are added.
func (t *Tree) SetCallback(fn FieldCallback) {
	t.callback = fn
}

// AddField attaches m under parent (the root when nil) subject to the tree's
// mode. It returns nil when the field was not materialized.
func (t *Tree) AddField(parent *Node, m *FieldMatch) *Node {
	if m == nil || m.Def == nil {
		return nil
	}
	wanted := t.Interested(m.Def)
	isProto := m.Def.Type == FTProtocol
	if t.mode == ModeFast && !wanted && !isProto {
		return nil
	}
	if t.mode == ModeFull && m.Display == "" {
		m.Display = FormatValue(m)
	}
	if parent == nil {
		parent = t.root
	}

	n := &Node{Match: m, Parent: parent}
	parent.Children = append(parent.Children, n)
	t.byID[m.Def.ID] = append(t.byID[m.Def.ID], m)
	t.byName[m.Def.Abbrev] = append(t.byName[m.Def.Abbrev], m)
	if isProto {
		t.protocols[m.Def.Abbrev]++
		t.layers = append(t.layers, m.Def.Abbrev)
	}
	t.charge(nodeCost + len(m.Display))

	if wanted && t.callback != nil {
		t.callback(m)
	}
	return n
}

func (t *Tree) charge(n int) {
	a := t.active
	if a == nil {
		a = t.arena
	}
	a.Charge(arena.ScopePacket, n)
}

// SetProtocol records the top-most protocol name.
func (t *Tree) SetProtocol(name string) { t.protocol = name }

// SetSummary records the one-line info summary.
func (t *Tree) SetSummary(s string) { t.summary = s }

// SetMalformed marks the packet as truncated or otherwise malformed.
func (t *Tree) SetMalformed() { t.malformed = true }

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Protocol returns the top-most protocol name.
func (t *Tree) Protocol() string { return t.protocol }

// Summary returns the info summary.
func (t *Tree) Summary() string { return t.summary }

// Malformed reports whether decoding hit truncated data.
func (t *Tree) Malformed() bool { return t.malformed }

// HasData reports whether anything has been decoded since the last reset.
func (t *Tree) HasData() bool { return t.hasData }

// Layers returns the protocol abbreviations in decode order.
func (t *Tree) Layers() []string {
	out := make([]string, len(t.layers))
	copy(out, t.layers)
	return out
}

// Matches returns every occurrence of def in decode order.
func (t *Tree) Matches(def *FieldDef) []*FieldMatch {
	if def == nil {
		return nil
	}
	return t.byID[def.ID]
}

// Walk visits every node depth-first, stopping when fn returns false.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	var visit func(n *Node, depth int) bool
	visit = func(n *Node, depth int) bool {
		for _, c := range n.Children {
			if !fn(c, depth) || !visit(c, depth+1) {
				return false
			}
		}
		return true
	}
	visit(t.root, 0)
}

// FieldValues implements dfilter.Source.
func (t *Tree) FieldValues(name string) []dfilter.Value {
	matches := t.byName[name]
	if len(matches) == 0 {
		return nil
	}
	out := make([]dfilter.Value, 0, len(matches))
	for _, m := range matches {
		out = append(out, dfilter.Value{
			Uint:    m.Value,
			Str:     m.String(),
			Numeric: m.Def.Type.Numeric(),
		})
	}
	return out
}

// HasProtocol implements dfilter.Source.
func (t *Tree) HasProtocol(name string) bool {
	return t.protocols[name] > 0
}
