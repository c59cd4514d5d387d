// Package session implements dissection sessions: one decoder context bound
// to a protocol, owned by one thread and reused across many packets.
//
// Every public method serializes on the session mutex. Decoding happens with
// the session's own arena active on the caller's switchboard, and the
// caller's arena is restored afterwards even if the decoder panics.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/endorses/wdpool/internal/pkg/arena"
	"github.com/endorses/wdpool/internal/pkg/bitfield"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/dfilter"
	"github.com/endorses/wdpool/internal/pkg/logger"
	"github.com/endorses/wdpool/internal/pkg/registry"
)

var (
	// ErrNotConfigured is returned when decoding without a bound protocol.
	ErrNotConfigured = errors.New("session has no protocol bound")
	// ErrFreed is returned by every operation on a freed session.
	ErrFreed = errors.New("session has been freed")
	// ErrPacketTooLarge is returned for packets above the configured limit.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	// ErrUnknownField is returned when a field name is not registered.
	ErrUnknownField = errors.New("unknown field")
	// ErrNothingDecoded is returned by Show before the first decode.
	ErrNothingDecoded = errors.New("nothing decoded yet")
)

// State is the session lifecycle state.
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateReady
	StateFreed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConfigured:
		return "CONFIGURED"
	case StateReady:
		return "READY"
	case StateFreed:
		return "FREED"
	default:
		return "UNKNOWN"
	}
}

// Options configure a new session.
type Options struct {
	Mode          decoder.Mode
	Direction     decoder.Direction
	MaxPacketSize int
	// Owner identifies the thread that created the session.
	Owner uint64
}

// DefaultOptions returns NORMAL mode, unknown direction and the default
// packet size limit.
func DefaultOptions() Options {
	return Options{
		Mode:          decoder.ModeNormal,
		Direction:     decoder.DirectionUnknown,
		MaxPacketSize: constants.DefaultMaxPacketSize,
	}
}

// Session is one dissection context.
type Session struct {
	mu sync.Mutex

	index int
	id    uuid.UUID
	owner uint64
	lib   decoder.Library
	reg   *registry.Registry
	log   *slog.Logger

	arena     *arena.Arena
	scratch   *arena.Arena // FULL re-decodes for Show, created on first use
	tree      *decoder.Tree
	state     State
	mode      decoder.Mode
	direction decoder.Direction
	binding   registry.Entry
	maxPacket int

	// Frame sequencing, updated only after a successful decode.
	frameNum uint32
	cumBytes uint64
	ref      *decoder.Frame
	prevDis  *decoder.Frame
	prevCap  *decoder.Frame

	fields   []*decoder.FieldDef
	filters  []*dfilter.Filter
	callback decoder.FieldCallback
	last     []byte
	lastFC   decoder.FrameContext

	decodes      atomic.Uint64
	decodeErrors atomic.Uint64
}

// New creates an unbound session at index.
func New(index int, lib decoder.Library, reg *registry.Registry, opts Options) *Session {
	id := uuid.New()
	return &Session{
		index:     index,
		id:        id,
		owner:     opts.Owner,
		lib:       lib,
		reg:       reg,
		log:       logger.With("session_id", id.String(), "index", index),
		arena:     lib.MakeArena(),
		state:     StateCreated,
		mode:      opts.Mode,
		direction: opts.Direction,
		binding:   registry.Entry{Index: index, Encap: constants.EncapUnknown},
		maxPacket: opts.MaxPacketSize,
	}
}

// Index returns the session's pool index.
func (s *Session) Index() int { return s.index }

// ID returns the session's trace identifier.
func (s *Session) ID() string { return s.id.String() }

// Owner returns the identity of the creating thread.
func (s *Session) Owner() uint64 { return s.owner }

// Arena returns the session's own arena.
func (s *Session) Arena() *arena.Arena { return s.arena }

// Lock acquires the session mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether the session has decoded since it was last
// configured.
func (s *Session) Initialized() bool {
	return s.State() == StateReady
}

// Mode returns the dissection mode.
func (s *Session) Mode() decoder.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Direction returns the packet direction.
func (s *Session) Direction() decoder.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// Binding returns the current protocol binding.
func (s *Session) Binding() registry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// SetMode changes the dissection mode. The tree is rebuilt on the next
// decode.
func (s *Session) SetMode(m decoder.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return ErrFreed
	}
	if m == s.mode {
		return nil
	}
	s.mode = m
	s.invalidate()
	s.log.Debug("Mode changed", "mode", m.String())
	return nil
}

// SetDirection changes the direction stamped on subsequent frames.
func (s *Session) SetDirection(d decoder.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return ErrFreed
	}
	s.direction = d
	return nil
}

// BindProtocol binds name ("proto:<name>", "encap:<linktype>" or a bare
// protocol name). On failure the previous binding stays in place.
func (s *Session) BindProtocol(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return ErrFreed
	}
	e, err := s.reg.Bind(s.index, name)
	if err != nil {
		return err
	}
	s.binding = e
	s.invalidate()
	s.log.Debug("Protocol bound", "protocol", e.Name, "encap", e.Encap)
	return nil
}

// invalidate drops the tree so the next decode rebuilds it.
func (s *Session) invalidate() {
	if s.tree != nil {
		s.arena.FreeAll()
		s.tree = nil
	}
	if s.binding.Bound() {
		s.state = StateConfigured
	} else {
		s.state = StateCreated
	}
}

// Decode dissects data. sb is the calling thread's switchboard; nil uses a
// private one. After a failed decode the session is CONFIGURED again and
// packet accessors report nothing until the next successful decode.
func (s *Session) Decode(sb *arena.Switchboard, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return ErrFreed
	}
	if !s.binding.Bound() {
		return ErrNotConfigured
	}
	if s.maxPacket > 0 && len(data) > s.maxPacket {
		return fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, len(data), s.maxPacket)
	}
	if sb == nil {
		sb = arena.NewSwitchboard(nil)
	}

	g := sb.Enter(s.arena)
	defer g.Release()

	if err := s.decodeLocked(sb, data); err != nil {
		s.decodeErrors.Add(1)
		return err
	}
	s.decodes.Add(1)
	return nil
}

// Counters returns how many decodes succeeded and failed inside the
// decoder since the session was created.
func (s *Session) Counters() (decodes, failed uint64) {
	return s.decodes.Load(), s.decodeErrors.Load()
}

func (s *Session) decodeLocked(sb *arena.Switchboard, data []byte) error {
	if s.state != StateReady || s.tree == nil || s.tree.Stale() {
		s.initTree()
	} else {
		s.lib.ResetTree(s.tree)
	}

	frame := decoder.Frame{
		Number:    s.frameNum + 1,
		Length:    len(data),
		CumBytes:  s.cumBytes + uint64(len(data)),
		Direction: s.direction,
		Encap:     s.binding.Encap,
	}
	fc := decoder.FrameContext{
		Frame:         frame,
		Ref:           s.ref,
		PrevDisplayed: s.prevDis,
		PrevCaptured:  s.prevCap,
		Active:        sb.Current(),
	}

	if err := s.lib.RunDecode(s.tree, s.binding.Handle, data, &fc); err != nil {
		// Nothing is readable after a failed decode; the frame sequence
		// still refers to the last good frame.
		s.lib.ResetTree(s.tree)
		s.last = s.last[:0]
		s.lastFC = decoder.FrameContext{}
		s.state = StateConfigured
		return fmt.Errorf("decode frame %d: %w", frame.Number, err)
	}

	s.frameNum = frame.Number
	s.cumBytes = frame.CumBytes
	if s.ref == nil {
		ref := frame
		s.ref = &ref
	}
	dis, capt := frame, frame
	s.prevDis = &dis
	s.prevCap = &capt

	s.last = append(s.last[:0], data...)
	s.lastFC = fc
	s.lastFC.Active = nil
	s.state = StateReady
	return nil
}

func (s *Session) initTree() {
	if s.tree != nil {
		s.arena.FreeAll()
	}
	s.tree = s.lib.NewTree(s.arena, s.mode)
	for _, def := range s.fields {
		s.lib.RegisterInterest(s.tree, def)
	}
	for _, f := range s.filters {
		s.lib.PrimeFilter(s.tree, f)
	}
	s.tree.SetCallback(s.callback)
}

// Reset tears down the working tree and frame sequencing. Index, mode,
// direction, binding and registered fields are kept.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResetLocked(nil)
}

// ResetLocked is Reset for callers that already hold the session lock.
func (s *Session) ResetLocked(sb *arena.Switchboard) error {
	if s.state == StateFreed {
		return ErrFreed
	}
	if sb == nil {
		sb = arena.NewSwitchboard(nil)
	}
	g := sb.Enter(s.arena)
	defer g.Release()

	s.tree = nil
	s.arena.FreeAll()
	s.frameNum = 0
	s.cumBytes = 0
	s.ref, s.prevDis, s.prevCap = nil, nil, nil
	s.last = s.last[:0]
	s.lastFC = decoder.FrameContext{}
	if s.binding.Bound() {
		s.state = StateConfigured
	} else {
		s.state = StateCreated
	}
	return nil
}

// Release frees the session's working state. It returns false when the
// session was already freed.
func (s *Session) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return false
	}
	s.tree = nil
	s.arena.FreeAll()
	s.fields = nil
	s.filters = nil
	s.callback = nil
	s.last = nil
	s.state = StateFreed
	s.log.Debug("Session freed")
	return true
}

// Field looks up a field definition by name.
func (s *Session) Field(name string) (*decoder.FieldDef, error) {
	def := s.lib.FieldLookup(name)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	return def, nil
}

// RegisterField marks def and its aliases for materialization in every
// mode. It returns the number of definitions registered.
func (s *Session) RegisterField(def *decoder.FieldDef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return 0, ErrFreed
	}
	if def == nil {
		return 0, ErrUnknownField
	}
	s.fields = append(s.fields, def)
	if s.tree != nil {
		s.lib.RegisterInterest(s.tree, def)
	}
	return len(def.Aliases()), nil
}

// ReadField returns the first occurrence of def, or of any alias, in the
// last decode.
func (s *Session) ReadField(def *decoder.FieldDef) (*decoder.FieldMatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree == nil || def == nil {
		return nil, false
	}
	for d := def; d != nil; d = d.NextAlias {
		if ms := s.lib.FindValues(s.tree, d); len(ms) > 0 {
			return ms[0], true
		}
	}
	return nil, false
}

// ReadAllFields returns every occurrence of def and its aliases.
func (s *Session) ReadAllFields(def *decoder.FieldDef) []*decoder.FieldMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAllLocked(def)
}

func (s *Session) readAllLocked(def *decoder.FieldDef) []*decoder.FieldMatch {
	if s.tree == nil {
		return nil
	}
	var out []*decoder.FieldMatch
	for d := def; d != nil; d = d.NextAlias {
		out = append(out, s.lib.FindValues(s.tree, d)...)
	}
	return out
}

// Extract returns location and value of every occurrence of def.
func (s *Session) Extract(def *decoder.FieldDef) ([]bitfield.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return nil, ErrFreed
	}
	matches := s.readAllLocked(def)
	out := make([]bitfield.Value, 0, len(matches))
	for _, m := range matches {
		v, err := bitfield.Extract(m)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// CompileFilter compiles expr with the session's library.
func (s *Session) CompileFilter(expr string) (*dfilter.Filter, error) {
	return s.lib.CompileFilter(expr)
}

// RegisterFilter primes the session with every field f references.
func (s *Session) RegisterFilter(f *dfilter.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return ErrFreed
	}
	if f == nil {
		return nil
	}
	s.filters = append(s.filters, f)
	if s.tree != nil {
		s.lib.PrimeFilter(s.tree, f)
	}
	return nil
}

// ReadFilter applies f to the last decode.
func (s *Session) ReadFilter(f *dfilter.Filter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree == nil || !s.tree.HasData() {
		return false
	}
	return s.lib.ApplyFilter(f, s.tree)
}

// SetFieldCallback installs fn to receive registered fields during decode.
func (s *Session) SetFieldCallback(fn decoder.FieldCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callback = fn
	if s.tree != nil {
		s.tree.SetCallback(fn)
	}
}

// Protocol returns the top-most protocol of the last decode.
func (s *Session) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return ""
	}
	return s.tree.Protocol()
}

// Summary returns the info line of the last decode.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return ""
	}
	return s.tree.Summary()
}

// Layers returns every protocol layer of the last decode.
func (s *Session) Layers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return nil
	}
	return s.tree.Layers()
}

// LayersCount returns len(Layers()).
func (s *Session) LayersCount() int {
	return len(s.Layers())
}

// Dissectors returns the protocol layers excluding the frame and the user
// encapsulation wrapper.
func (s *Session) Dissectors() []string {
	var out []string
	for _, l := range s.Layers() {
		if l == "frame" || l == "user_dlt" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// DissectorsCount returns len(Dissectors()).
func (s *Session) DissectorsCount() int {
	return len(s.Dissectors())
}

// Malformed reports whether the last decode hit truncated data.
func (s *Session) Malformed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree != nil && s.tree.Malformed()
}

// ArenaStats returns the session arena's accounting.
func (s *Session) ArenaStats() arena.Stats {
	return s.arena.Stats()
}
