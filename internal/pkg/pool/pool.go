// Package pool manages a bounded set of dissection sessions shared by many
// threads.
//
// A Context owns the decoder library, the binding registry and the slot
// table. Each worker goroutine obtains a Thread from the Context; the Thread
// carries the worker's arena switchboard and its local view of the sessions
// it created. The global view (every live session by index) is used for
// lookup and bulk reset.
//
// Lock order is pool, then session, then registry.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/logger"
	"github.com/endorses/wdpool/internal/pkg/registry"
	"github.com/endorses/wdpool/internal/pkg/session"
)

var (
	// ErrResourceExhausted is returned when every session slot is in use.
	ErrResourceExhausted = errors.New("session pool exhausted")
	// ErrBootstrapFailure is returned when the decoder library cannot initialize.
	ErrBootstrapFailure = errors.New("decoder bootstrap failed")
	// ErrInvariant is returned by CheckInvariants when bookkeeping is inconsistent.
	ErrInvariant = errors.New("pool invariant violated")
	// ErrThreadClosed is returned when creating a session on a closed Thread.
	ErrThreadClosed = errors.New("thread is closed")
)

// Config contains configuration for the session pool
type Config struct {
	// Capacity is the number of session slots, at most constants.MaxSessions.
	Capacity int

	// DefaultProtocol is bound when CreateSession gets an empty name.
	// Empty leaves such sessions unbound.
	DefaultProtocol string

	DefaultMode      decoder.Mode
	DefaultDirection decoder.Direction

	// MaxPacketSize bounds a single decode call; 0 disables the check.
	MaxPacketSize int
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Capacity:         constants.MaxSessions,
		DefaultProtocol:  constants.DefaultLinkType,
		DefaultMode:      decoder.ModeNormal,
		DefaultDirection: decoder.DirectionUnknown,
		MaxPacketSize:    constants.DefaultMaxPacketSize,
	}
}

// Context is the process-wide pool state.
type Context struct {
	lib decoder.Library
	cfg Config
	reg *registry.Registry

	bootMu  sync.Mutex
	booted  bool
	bootErr error

	mu      sync.Mutex
	slots   []*session.Session
	threads map[uint64]*Thread
	live    int

	nextThread atomic.Uint64
}

// New creates a pool context over lib.
func New(lib decoder.Library, cfg Config) *Context {
	if cfg.Capacity <= 0 || cfg.Capacity > constants.MaxSessions {
		cfg.Capacity = constants.MaxSessions
	}
	return &Context{
		lib:     lib,
		cfg:     cfg,
		reg:     registry.New(lib, cfg.Capacity),
		slots:   make([]*session.Session, cfg.Capacity),
		threads: make(map[uint64]*Thread),
	}
}

// Library returns the decoder library.
func (c *Context) Library() decoder.Library { return c.lib }

// Registry returns the binding registry.
func (c *Context) Registry() *registry.Registry { return c.reg }

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.cfg }

// Bootstrap initializes the decoder library once. Concurrent callers block
// until the first call finishes. A failure is sticky.
func (c *Context) Bootstrap() error {
	c.bootMu.Lock()
	defer c.bootMu.Unlock()

	if c.booted {
		return nil
	}
	if c.bootErr != nil {
		return c.bootErr
	}

	if err := c.lib.Init(); err != nil {
		c.bootErr = fmt.Errorf("%w: %w", ErrBootstrapFailure, err)
		logger.Error("Decoder library failed to initialize", "error", err)
		return c.bootErr
	}
	c.booted = true

	logger.Info("Decoder library initialized",
		"version", c.lib.Version(),
		"profile", c.lib.Profile(),
		"capacity", c.cfg.Capacity)
	return nil
}

// MustBootstrap is like Bootstrap but panics on failure.
func (c *Context) MustBootstrap() {
	if err := c.Bootstrap(); err != nil {
		panic(err)
	}
}

// CreateSession allocates the lowest free slot and binds name to it. An
// empty name binds the configured default protocol. th may be nil, in which
// case the session only appears in the global view.
func (c *Context) CreateSession(th *Thread, name string) (*session.Session, error) {
	if err := c.Bootstrap(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if th != nil && c.threads[th.id] != th {
		return nil, fmt.Errorf("%w: thread %d", ErrThreadClosed, th.id)
	}

	idx := -1
	for i, s := range c.slots {
		if s == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d sessions live", ErrResourceExhausted, c.live)
	}

	opts := session.Options{
		Mode:          c.cfg.DefaultMode,
		Direction:     c.cfg.DefaultDirection,
		MaxPacketSize: c.cfg.MaxPacketSize,
	}
	if th != nil {
		opts.Owner = th.id
	}
	s := session.New(idx, c.lib, c.reg, opts)

	name = strings.TrimSpace(name)
	if name == "" {
		name = c.cfg.DefaultProtocol
	}
	if name != "" {
		if err := s.BindProtocol(name); err != nil {
			s.Release()
			return nil, err
		}
	}

	c.slots[idx] = s
	c.live++
	if th != nil {
		th.sessions[idx] = s
	}

	logger.Info("Session created",
		"index", idx,
		"protocol", name,
		"thread", opts.Owner,
		"session_id", s.ID(),
		"live", c.live)
	return s, nil
}

// Sessions returns the live sessions ordered by index.
func (c *Context) Sessions() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*session.Session, 0, c.live)
	for _, s := range c.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the live session at index.
func (c *Context) Get(index int) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.slots) || c.slots[index] == nil {
		return nil, false
	}
	return c.slots[index], true
}

// Free releases s and its slot. Freeing a session that is not live is a
// no-op.
func (c *Context) Free(s *session.Session) {
	if s == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeLocked(s)
}

func (c *Context) freeLocked(s *session.Session) {
	idx := s.Index()
	if idx < 0 || idx >= len(c.slots) || c.slots[idx] != s {
		logger.Warn("Ignoring free of session that is not live",
			"index", idx,
			"session_id", s.ID())
		return
	}

	s.Release()
	c.slots[idx] = nil
	c.live--
	if th, ok := c.threads[s.Owner()]; ok {
		delete(th.sessions, idx)
	}
	c.reg.Clear(idx)

	logger.Info("Session freed",
		"index", idx,
		"session_id", s.ID(),
		"live", c.live)
}

// ResetAll resets every live session. Session locks are taken in index
// order and held until all sessions are reset. Each reset runs with that
// session's arena active on th's switchboard; th's own arena is active
// again on return. th may be nil.
func (c *Context) ResetAll(th *Thread) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make([]*session.Session, 0, c.live)
	for _, s := range c.slots {
		if s != nil {
			live = append(live, s)
		}
	}

	for _, s := range live {
		s.Lock()
	}
	defer func() {
		for i := len(live) - 1; i >= 0; i-- {
			live[i].Unlock()
		}
	}()

	sb := newSwitchboard(th)
	var errs []error
	for _, s := range live {
		if err := s.ResetLocked(sb); err != nil {
			errs = append(errs, fmt.Errorf("reset session %d: %w", s.Index(), err))
		}
	}

	logger.Debug("Reset all sessions", "count", len(live))
	return len(live), errors.Join(errs...)
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Capacity  int
	Live      int
	Free      int
	Threads   int
	PerThread map[uint64]int
	Booted    bool
}

// Stats returns pool occupancy.
func (c *Context) Stats() Stats {
	c.bootMu.Lock()
	booted := c.booted
	c.bootMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Capacity:  len(c.slots),
		Live:      c.live,
		Free:      len(c.slots) - c.live,
		Threads:   len(c.threads),
		PerThread: make(map[uint64]int, len(c.threads)),
		Booted:    booted,
	}
	for id, th := range c.threads {
		st.PerThread[id] = len(th.sessions)
	}
	return st
}

// CheckInvariants verifies that the slot table, the live count and every
// thread's local view agree.
func (c *Context) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live < 0 || c.live > len(c.slots) {
		return fmt.Errorf("%w: live count %d outside [0,%d]", ErrInvariant, c.live, len(c.slots))
	}

	count := 0
	for i, s := range c.slots {
		if s == nil {
			continue
		}
		count++
		if s.Index() != i {
			return fmt.Errorf("%w: slot %d holds session with index %d", ErrInvariant, i, s.Index())
		}
		if s.State() == session.StateFreed {
			return fmt.Errorf("%w: slot %d holds a freed session", ErrInvariant, i)
		}
		if owner := s.Owner(); owner != 0 {
			th, ok := c.threads[owner]
			if !ok {
				return fmt.Errorf("%w: session %d owned by unregistered thread %d", ErrInvariant, i, owner)
			}
			if th.sessions[i] != s {
				return fmt.Errorf("%w: session %d missing from thread %d", ErrInvariant, i, th.id)
			}
		}
	}
	if count != c.live {
		return fmt.Errorf("%w: %d occupied slots, live count %d", ErrInvariant, count, c.live)
	}

	ids := make([]uint64, 0, len(c.threads))
	for id := range c.threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		for idx, s := range c.threads[id].sessions {
			if idx < 0 || idx >= len(c.slots) || c.slots[idx] != s {
				return fmt.Errorf("%w: thread %d holds stale session %d", ErrInvariant, id, idx)
			}
		}
	}
	return nil
}
