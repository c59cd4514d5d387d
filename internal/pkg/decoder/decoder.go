// Package decoder defines the contract between dissection sessions and the
// protocol-decoding library that does the actual packet parsing.
//
// The library is treated as an external engine: it owns decoder handles,
// field definitions and the binding table, builds decode trees in a
// caller-supplied arena and evaluates compiled display filters. Sessions
// drive it exclusively through the Library interface.
package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/endorses/wdpool/internal/pkg/arena"
	"github.com/endorses/wdpool/internal/pkg/dfilter"
)

var (
	// ErrArenaMismatch is returned when a tree is used while a different arena is active.
	ErrArenaMismatch = errors.New("decode tree used outside its arena")
	// ErrStaleTree is returned when a tree outlived its arena's generation.
	ErrStaleTree = errors.New("decode tree belongs to a freed arena generation")
	// ErrNoHandle is returned when decoding without a bound decoder handle.
	ErrNoHandle = errors.New("no decoder handle bound")
	// ErrNotInitialized is returned when the library is used before Init.
	ErrNotInitialized = errors.New("decoder library not initialized")
	// ErrBindingIndex is returned for a binding-table row outside the table.
	ErrBindingIndex = errors.New("binding table index out of range")
)

// Mode controls how much of a decode tree is materialized.
type Mode uint8

const (
	// ModeFast materializes protocol nodes and registered fields only.
	ModeFast Mode = iota
	// ModeNormal materializes every field without display strings.
	ModeNormal
	// ModeFull materializes every field and renders display strings eagerly.
	ModeFull
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeNormal:
		return "normal"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return ModeFast, nil
	case "normal", "":
		return ModeNormal, nil
	case "full":
		return ModeFull, nil
	default:
		return ModeNormal, fmt.Errorf("unknown dissection mode %q", s)
	}
}

// Direction is the point-to-point direction of a packet.
type Direction uint8

const (
	DirectionSent Direction = iota
	DirectionReceived
	DirectionUnknown
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionSent:
		return "sent"
	case DirectionReceived:
		return "received"
	default:
		return "unknown"
	}
}

// P2P returns the direction as the frame.p2p_dir field encodes it.
func (d Direction) P2P() uint64 {
	switch d {
	case DirectionSent:
		return 0
	case DirectionReceived:
		return 1
	default:
		return 2
	}
}

// ParseDirection parses a direction name.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent", "tx", "out":
		return DirectionSent, nil
	case "received", "rx", "in":
		return DirectionReceived, nil
	case "unknown", "":
		return DirectionUnknown, nil
	default:
		return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
	}
}

// Handle identifies a resolved decoder: either a link-layer encapsulation or
// a named protocol decoder.
type Handle interface {
	Name() string
	// Encap returns the encapsulation this handle decodes, or
	// constants.EncapUnknown for protocol handles.
	Encap() int
}

// Library is the external decoding engine.
//
// Init is idempotent and must be called before anything else. Every other
// method may be called concurrently on distinct trees; trees themselves are
// not safe for concurrent use.
type Library interface {
	Init() error
	Version() string
	Profile() string

	ResolveDecoder(name string) (Handle, bool)
	MaterializeBindingTable(size int, defaultName string) error
	RewriteBindingTable(index int, name string, h Handle) error

	MakeArena() *arena.Arena
	NewTree(a *arena.Arena, mode Mode) *Tree
	ResetTree(t *Tree)
	// RunDecode decodes data into t. fc.Active must be t's arena.
	RunDecode(t *Tree, h Handle, data []byte, fc *FrameContext) error

	CompileFilter(expr string) (*dfilter.Filter, error)
	ApplyFilter(f *dfilter.Filter, t *Tree) bool
	PrimeFilter(t *Tree, f *dfilter.Filter)

	FieldLookup(name string) *FieldDef
	Fields() []*FieldDef
	RegisterInterest(t *Tree, def *FieldDef)
	FindValues(t *Tree, def *FieldDef) []*FieldMatch
}

// SplitBinding splits "proto:udp" or "encap:1" into its prefix and value.
// Names without a recognised prefix return an empty prefix.
func SplitBinding(name string) (prefix, value string) {
	for _, p := range []string{"proto:", "encap:"} {
		if strings.HasPrefix(name, p) {
			return strings.TrimSuffix(p, ":"), name[len(p):]
		}
	}
	return "", name
}
