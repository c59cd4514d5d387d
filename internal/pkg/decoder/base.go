package decoder

import (
	"fmt"
	"sync"

	"github.com/endorses/wdpool/internal/pkg/arena"
	"github.com/endorses/wdpool/internal/pkg/dfilter"
)

// Binding is one row of the library's binding table: a user encapsulation
// slot mapped to a protocol decoder.
type Binding struct {
	Index  int
	Name   string
	Handle Handle
}

// Base implements the parts of Library that do not depend on how packets
// are parsed. Concrete libraries embed it and supply Init, Version, Profile,
// ResolveDecoder and RunDecode.
type Base struct {
	Table *FieldTable
	Frame FrameFields

	mu       sync.Mutex
	bindings []Binding
}

// NewBase creates a Base with the frame fields registered.
func NewBase() *Base {
	ft := NewFieldTable()
	return &Base{Table: ft, Frame: RegisterFrameFields(ft)}
}

// MakeArena creates a fresh arena for a session.
func (b *Base) MakeArena() *arena.Arena {
	return arena.New()
}

// NewTree creates an empty tree in a.
func (b *Base) NewTree(a *arena.Arena, mode Mode) *Tree {
	return NewTree(a, mode)
}

// ResetTree performs a fast reset of t.
func (b *Base) ResetTree(t *Tree) {
	t.Reset()
}

// MaterializeBindingTable creates size rows bound to defaultName. Repeated
// calls leave an existing table untouched.
func (b *Base) MaterializeBindingTable(size int, defaultName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bindings != nil {
		return nil
	}
	b.bindings = make([]Binding, size)
	for i := range b.bindings {
		b.bindings[i] = Binding{Index: i, Name: defaultName}
	}
	return nil
}

// RewriteBindingTable rebinds a single row.
func (b *Base) RewriteBindingTable(index int, name string, h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < 0 || index >= len(b.bindings) {
		return fmt.Errorf("%w: %d (table has %d rows)", ErrBindingIndex, index, len(b.bindings))
	}
	b.bindings[index] = Binding{Index: index, Name: name, Handle: h}
	return nil
}

// Bindings returns a copy of the binding table.
func (b *Base) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Binding, len(b.bindings))
	copy(out, b.bindings)
	return out
}

// CompileFilter compiles expr against the registered field names.
func (b *Base) CompileFilter(expr string) (*dfilter.Filter, error) {
	return dfilter.Compile(expr, b.Table)
}

// ApplyFilter evaluates f against t.
func (b *Base) ApplyFilter(f *dfilter.Filter, t *Tree) bool {
	return f.Eval(t)
}

// PrimeFilter registers interest in every field f references.
func (b *Base) PrimeFilter(t *Tree, f *dfilter.Filter) {
	for _, name := range f.Fields() {
		b.RegisterInterest(t, b.Table.Lookup(name))
	}
}

// FieldLookup returns the head of the alias chain for name.
func (b *Base) FieldLookup(name string) *FieldDef {
	return b.Table.Lookup(name)
}

// Fields returns every registered definition.
func (b *Base) Fields() []*FieldDef {
	return b.Table.All()
}

// RegisterInterest primes def and all of its aliases on t.
func (b *Base) RegisterInterest(t *Tree, def *FieldDef) {
	for d := def; d != nil; d = d.NextAlias {
		t.Prime(d)
	}
}

// FindValues returns every occurrence of exactly def in t.
func (b *Base) FindValues(t *Tree, def *FieldDef) []*FieldMatch {
	return t.Matches(def)
}
