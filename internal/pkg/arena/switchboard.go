package arena

import "errors"

// ErrUnbalanced is reported when a guard is released out of order.
var ErrUnbalanced = errors.New("arena switchboard: guard released out of order")

// Switchboard tracks the arena that is active for one thread.
//
// A Switchboard belongs to exactly one thread (worker goroutine) and is not
// safe for concurrent use. Exactly one arena is active at a time; Enter and
// Guard.Release are the only way to change it outside of SwapIn/SwapOut.
type Switchboard struct {
	home    *Arena
	current *Arena
	depth   int
}

// NewSwitchboard returns a switchboard whose home arena is active.
// A nil home gets a fresh arena.
func NewSwitchboard(home *Arena) *Switchboard {
	if home == nil {
		home = New()
	}
	return &Switchboard{home: home, current: home}
}

// Home returns the thread's own arena.
func (s *Switchboard) Home() *Arena {
	return s.home
}

// Current returns the active arena.
func (s *Switchboard) Current() *Arena {
	return s.current
}

// Depth returns the number of guards not yet released.
func (s *Switchboard) Depth() int {
	return s.depth
}

// SwapIn makes a active and returns the arena it replaced.
// Every SwapIn must be matched by SwapOut with the returned value; prefer Enter.
func (s *Switchboard) SwapIn(a *Arena) *Arena {
	prev := s.current
	s.current = a
	return prev
}

// SwapOut restores prev as the active arena.
func (s *Switchboard) SwapOut(prev *Arena) {
	s.current = prev
}

// Guard restores the arena that was active before Enter.
type Guard struct {
	sb       *Switchboard
	prev     *Arena
	entered  *Arena
	depth    int
	released bool
	swapped  bool
}

// Enter makes a active for the duration of the returned guard. When a is
// already active no swap happens, but the guard must still be released.
//
//	g := sb.Enter(sess.Arena())
//	defer g.Release()
func (s *Switchboard) Enter(a *Arena) *Guard {
	s.depth++
	g := &Guard{sb: s, prev: s.current, entered: a, depth: s.depth}
	if a != nil && a != s.current {
		s.SwapIn(a)
		g.swapped = true
	}
	return g
}

// Swapped reports whether Enter actually changed the active arena.
func (g *Guard) Swapped() bool {
	return g.swapped
}

// Release restores the previous arena. Calling it more than once is a no-op.
// Releasing guards out of LIFO order returns ErrUnbalanced, though the
// previous arena is still restored.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true

	var err error
	if g.sb.depth != g.depth {
		err = ErrUnbalanced
	}
	g.sb.depth--
	g.sb.SwapOut(g.prev)
	return err
}

// With runs fn with a active and restores the previous arena afterwards,
// including when fn panics.
func (s *Switchboard) With(a *Arena, fn func() error) error {
	g := s.Enter(a)
	defer g.Release()
	return fn()
}
