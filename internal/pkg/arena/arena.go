// Package arena models the decoder's scoped working memory and the per-thread
// switchboard that decides which arena receives allocations.
//
// The decoder charges every allocation it makes while dissecting to the arena
// that is active for the calling thread. A session owns one arena; any thread
// that touches the session must make that arena active first and restore its
// own afterwards. The Switchboard/Guard pair enforces that pairing.
package arena

import (
	"sync"
	"sync/atomic"
)

// Scope is the lifetime class of an allocation.
type Scope int

const (
	// ScopePacket allocations live until the next fast reset of a tree.
	ScopePacket Scope = iota
	// ScopeFile allocations live until the owning session is reset or freed.
	ScopeFile
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopePacket:
		return "packet"
	case ScopeFile:
		return "file"
	default:
		return "unknown"
	}
}

var nextID atomic.Uint64

// Arena accounts for the memory a decoder allocates on behalf of one session.
// Safe for concurrent use, although in practice only the thread holding the
// owning session's mutex allocates from it.
type Arena struct {
	id uint64

	mu         sync.Mutex
	live       [2]int64
	allocs     [2]int64
	peak       int64
	generation uint64
}

// Stats is a snapshot of an arena's accounting.
type Stats struct {
	ID          uint64
	PacketBytes int64
	FileBytes   int64
	PacketAlloc int64
	FileAlloc   int64
	PeakBytes   int64
	Generation  uint64
}

// New creates an empty arena with a process-unique ID.
func New() *Arena {
	return &Arena{id: nextID.Add(1)}
}

// ID returns the arena's process-unique identifier.
func (a *Arena) ID() uint64 {
	return a.id
}

// Alloc returns a zeroed buffer of n bytes charged to scope.
func (a *Arena) Alloc(scope Scope, n int) []byte {
	a.Charge(scope, n)
	return make([]byte, n)
}

// Charge records n bytes allocated in scope without returning memory.
func (a *Arena) Charge(scope Scope, n int) {
	if n < 0 {
		return
	}
	a.mu.Lock()
	a.live[scope] += int64(n)
	a.allocs[scope]++
	if total := a.live[ScopePacket] + a.live[ScopeFile]; total > a.peak {
		a.peak = total
	}
	a.mu.Unlock()
}

// FreeScope releases everything charged to scope.
func (a *Arena) FreeScope(scope Scope) {
	a.mu.Lock()
	a.live[scope] = 0
	a.allocs[scope] = 0
	a.mu.Unlock()
}

// FreeAll releases every scope and advances the generation, invalidating
// anything built on the previous generation.
func (a *Arena) FreeAll() {
	a.mu.Lock()
	a.live = [2]int64{}
	a.allocs = [2]int64{}
	a.generation++
	a.mu.Unlock()
}

// Generation returns the number of FreeAll calls so far.
func (a *Arena) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Live returns the bytes currently charged to all scopes.
func (a *Arena) Live() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[ScopePacket] + a.live[ScopeFile]
}

// Stats returns a snapshot of the arena's accounting.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		ID:          a.id,
		PacketBytes: a.live[ScopePacket],
		FileBytes:   a.live[ScopeFile],
		PacketAlloc: a.allocs[ScopePacket],
		FileAlloc:   a.allocs[ScopeFile],
		PeakBytes:   a.peak,
		Generation:  a.generation,
	}
}
