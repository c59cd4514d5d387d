// Package registry binds session indexes to protocol decoders.
//
// The registry is shared by every session in a pool. Each index owns exactly
// one entry; rebinding an index rewrites that entry and nothing else. The
// library's binding table is materialized on the first proto: binding.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/logger"
)

var (
	// ErrUnknownProtocol is returned when the library cannot resolve a name.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrIndexOutOfRange is returned for an index outside the registry.
	ErrIndexOutOfRange = errors.New("binding index out of range")
)

// Entry is one binding.
type Entry struct {
	Index int
	// Name is the normalized binding, "proto:<name>" or "encap:<linktype>".
	Name   string
	Handle decoder.Handle
	// Encap is the encapsulation a session bound to this entry decodes with.
	Encap int
}

// Bound reports whether the entry holds a resolved handle.
func (e Entry) Bound() bool {
	return e.Handle != nil
}

// Registry is the process-wide binding table.
type Registry struct {
	lib  decoder.Library
	size int

	materializeMu sync.Mutex
	materialized  bool

	mu      sync.Mutex
	entries []Entry
}

// New creates a registry with size entries backed by lib.
func New(lib decoder.Library, size int) *Registry {
	if size <= 0 || size > constants.MaxSessions {
		size = constants.MaxSessions
	}
	entries := make([]Entry, size)
	for i := range entries {
		entries[i] = Entry{Index: i, Encap: constants.EncapUnknown}
	}
	return &Registry{lib: lib, size: size, entries: entries}
}

// Size returns the number of entries.
func (r *Registry) Size() int {
	return r.size
}

// Normalize returns the canonical form of a binding name. Bare names are
// treated as protocol names.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if prefix, _ := decoder.SplitBinding(name); prefix == "" {
		return constants.ProtoPrefix + name
	}
	return name
}

// Resolve resolves name for index without installing it.
func (r *Registry) Resolve(index int, name string) (Entry, error) {
	if index < 0 || index >= r.size {
		return Entry{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	norm := Normalize(name)
	if norm == "" {
		return Entry{}, fmt.Errorf("%w: empty name", ErrUnknownProtocol)
	}
	h, ok := r.lib.ResolveDecoder(norm)
	if !ok || h == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownProtocol, norm)
	}

	e := Entry{Index: index, Name: norm, Handle: h}
	if strings.HasPrefix(norm, constants.ProtoPrefix) {
		e.Encap = constants.UserEncapBase + index
	} else {
		e.Encap = h.Encap()
	}
	return e, nil
}

// Bind resolves name and installs it at index. On failure the previous
// entry is left intact.
func (r *Registry) Bind(index int, name string) (Entry, error) {
	e, err := r.Resolve(index, name)
	if err != nil {
		return Entry{}, err
	}

	if strings.HasPrefix(e.Name, constants.ProtoPrefix) {
		if err := r.materialize(); err != nil {
			return Entry{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.HasPrefix(e.Name, constants.ProtoPrefix) {
		if err := r.lib.RewriteBindingTable(index, e.Name, e.Handle); err != nil {
			return Entry{}, fmt.Errorf("rewrite binding %d: %w", index, err)
		}
	}
	r.entries[index] = e

	logger.Debug("Bound protocol",
		"index", index,
		"protocol", e.Name,
		"encap", e.Encap)
	return e, nil
}

func (r *Registry) materialize() error {
	r.materializeMu.Lock()
	defer r.materializeMu.Unlock()

	if r.materialized {
		return nil
	}
	if err := r.lib.MaterializeBindingTable(r.size, ""); err != nil {
		return fmt.Errorf("materialize binding table: %w", err)
	}
	r.materialized = true
	logger.Debug("Binding table materialized", "size", r.size)
	return nil
}

// Materialized reports whether the library's binding table exists.
func (r *Registry) Materialized() bool {
	r.materializeMu.Lock()
	defer r.materializeMu.Unlock()
	return r.materialized
}

// Get returns the entry at index.
func (r *Registry) Get(index int) (Entry, bool) {
	if index < 0 || index >= r.size {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[index], true
}

// Clear unbinds index.
func (r *Registry) Clear(index int) {
	if index < 0 || index >= r.size {
		return
	}
	r.mu.Lock()
	r.entries[index] = Entry{Index: index, Encap: constants.EncapUnknown}
	r.mu.Unlock()
}

// Entries returns a copy of every entry.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// EncapName renders an encapsulation number the way bindings spell it.
func EncapName(encap int) string {
	return constants.EncapPrefix + strconv.Itoa(encap)
}
