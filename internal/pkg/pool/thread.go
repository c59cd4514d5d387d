package pool

import (
	"sort"

	"github.com/endorses/wdpool/internal/pkg/arena"
	"github.com/endorses/wdpool/internal/pkg/session"
)

// Thread is one worker's handle on the pool. It must only be used by the
// goroutine that created it.
type Thread struct {
	id  uint64
	ctx *Context
	sb  *arena.Switchboard

	// sessions is the local view, guarded by ctx.mu.
	sessions map[int]*session.Session
}

// NewThread registers a worker and gives it a fresh home arena.
func (c *Context) NewThread() *Thread {
	th := &Thread{
		id:       c.nextThread.Add(1),
		ctx:      c,
		sb:       arena.NewSwitchboard(nil),
		sessions: make(map[int]*session.Session),
	}

	c.mu.Lock()
	c.threads[th.id] = th
	c.mu.Unlock()
	return th
}

func newSwitchboard(th *Thread) *arena.Switchboard {
	if th == nil {
		return arena.NewSwitchboard(nil)
	}
	return th.sb
}

// ID returns the thread identity recorded as session owner.
func (th *Thread) ID() uint64 { return th.id }

// Switchboard returns the thread's arena switchboard.
func (th *Thread) Switchboard() *arena.Switchboard { return th.sb }

// CreateSession creates a session owned by th.
func (th *Thread) CreateSession(name string) (*session.Session, error) {
	return th.ctx.CreateSession(th, name)
}

// Decode decodes data on s with th's switchboard.
func (th *Thread) Decode(s *session.Session, data []byte) error {
	return s.Decode(th.sb, data)
}

// Session returns the session at index from th's local view.
func (th *Thread) Session(index int) (*session.Session, bool) {
	th.ctx.mu.Lock()
	defer th.ctx.mu.Unlock()
	s, ok := th.sessions[index]
	return s, ok
}

// Sessions returns th's sessions ordered by index.
func (th *Thread) Sessions() []*session.Session {
	th.ctx.mu.Lock()
	defer th.ctx.mu.Unlock()

	out := make([]*session.Session, 0, len(th.sessions))
	for _, s := range th.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

// Close frees every session th owns and unregisters it.
func (th *Thread) Close() {
	c := th.ctx
	c.mu.Lock()
	defer c.mu.Unlock()

	idxs := make([]int, 0, len(th.sessions))
	for idx := range th.sessions {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		c.freeLocked(th.sessions[idx])
	}
	delete(c.threads, th.id)
}
