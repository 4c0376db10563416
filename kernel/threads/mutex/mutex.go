// Package mutex provides the kernel's recursive, priority-inheriting mutex.
package mutex

import (
	"fmt"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

// Options tune the protocol for one mutex.
type Options struct {
	// Ceiling bounds inheritance: an owner is never boosted above it.
	Ceiling foundation.Priority
	// StrictOrder rejects releases that are not the most recent acquisition
	// of the calling thread with ErrLockOrder.
	StrictOrder bool
}

// DefaultOptions allows boosting to the most urgent priority and enforces
// reverse-order release.
func DefaultOptions(b foundation.Bands) Options {
	return Options{Ceiling: b.Highest(), StrictOrder: true}
}

// Mutex is a recursive lock whose owner inherits the priority of its most
// urgent waiter. All fields are guarded by the scheduler lock.
type Mutex struct {
	s     *sched.Scheduler
	opts  Options
	waitq *sched.WaitQueue

	owner    arena.Handle
	count    uint32
	origPrio foundation.Priority
}

// New returns an unlocked mutex.
func New(s *sched.Scheduler, opts Options) *Mutex {
	m := &Mutex{}
	m.Init(s, opts)
	return m
}

// Init (re)initialises m as unlocked. m must not be in use.
func (m *Mutex) Init(s *sched.Scheduler, opts Options) {
	*m = Mutex{s: s, opts: opts, waitq: s.NewWaitQueue()}
}

// inherit returns the priority an owner at limit gets when target waits on
// it. The boost never goes above the ceiling; the owner never drops below
// limit.
func (m *Mutex) inherit(target, limit foundation.Priority) foundation.Priority {
	if target.MoreUrgent(m.opts.Ceiling) {
		target = m.opts.Ceiling
	}
	return foundation.MostUrgent(target, limit)
}

func (m *Mutex) adjustOwnerLocked(prio foundation.Priority) bool {
	return m.s.SetPriorityLocked(m.owner, prio)
}

// basePriorityLocked is the priority h had before its first acquisition
// of a lock it still holds, or fallback when it holds none.
func basePriorityLocked(s *sched.Scheduler, h arena.Handle, fallback foundation.Priority) foundation.Priority {
	if held := s.HeldLocksLocked(h); len(held) > 0 {
		if first, ok := held[0].(*Mutex); ok {
			return first.origPrio
		}
	}
	return fallback
}

// ownedPriorityLocked raises base to the inherited priority of the most
// urgent waiter on any mutex h holds.
func ownedPriorityLocked(s *sched.Scheduler, h arena.Handle, base foundation.Priority) foundation.Priority {
	prio := base
	for _, l := range s.HeldLocksLocked(h) {
		hm, ok := l.(*Mutex)
		if !ok {
			continue
		}
		if w, ok := hm.waitq.Head(); ok {
			prio = hm.inherit(s.PriorityLocked(w), prio)
		}
	}
	return prio
}

// Lock acquires m for the calling thread, waiting up to to. While it waits
// the owner runs at least at the caller's priority.
func (m *Mutex) Lock(tc *sched.ThreadContext, to foundation.Timeout) error {
	key, err := tc.Enter()
	if err != nil {
		return err
	}
	s, self := m.s, tc.Self()

	if m.count == 0 || m.owner == self {
		if m.count == 0 {
			m.origPrio = s.PriorityLocked(self)
			s.PushHeldLocked(self, m)
		}
		m.count++
		m.owner = self
		tc.Leave(key)
		return nil
	}

	if to.IsNoWait() {
		tc.Leave(key)
		return foundation.ErrBusy
	}

	// An owner that exited while holding m is gone; the caller waits out its
	// timeout like any other waiter.
	if s.ExistsLocked(m.owner) {
		newPrio := m.inherit(s.PriorityLocked(self), s.PriorityLocked(m.owner))
		if newPrio.MoreUrgent(s.PriorityLocked(m.owner)) {
			m.adjustOwnerLocked(newPrio)
		}
	}

	if err := tc.Pend(key, m.waitq, to); err == nil {
		return nil
	}

	// Timed out. The owner may have changed or released m meanwhile.
	key = s.Lock()
	if m.owner.Valid() && s.ExistsLocked(m.owner) {
		base := basePriorityLocked(s, m.owner, m.origPrio)
		m.adjustOwnerLocked(ownedPriorityLocked(s, m.owner, base))
	}
	tc.Reschedule(key)
	return foundation.ErrTimeout
}

// Unlock releases one level of ownership. The last release drops the
// owner back to the priority it held before locking, still boosted by
// waiters on any other mutex it owns, and hands m to the most urgent
// waiter.
func (m *Mutex) Unlock(tc *sched.ThreadContext) error {
	key, err := tc.Enter()
	if err != nil {
		return err
	}
	s, self := m.s, tc.Self()

	switch {
	case !m.owner.Valid():
		tc.Leave(key)
		return fmt.Errorf("%w: mutex not locked", foundation.ErrInvalidArgument)
	case m.owner != self:
		tc.Leave(key)
		return fmt.Errorf("%w: mutex owned by %s", foundation.ErrPermissionDenied, m.owner)
	}
	foundation.Assert(m.count > 0, "owned mutex with zero lock count")

	if m.count > 1 {
		m.count--
		tc.Leave(key)
		return nil
	}
	if m.opts.StrictOrder {
		if last := s.LastHeldLocked(self); last != m {
			tc.Leave(key)
			return foundation.ErrLockOrder
		}
	}

	base := basePriorityLocked(s, self, m.origPrio)
	s.PopHeldLocked(self, m)
	m.adjustOwnerLocked(ownedPriorityLocked(s, self, base))

	next := s.UnpendFirstLocked(m.waitq)
	m.owner = next
	if !next.Valid() {
		m.count = 0
		tc.Reschedule(key)
		return nil
	}
	m.origPrio = s.PriorityLocked(next)
	s.PushHeldLocked(next, m)
	s.SetSwapResultLocked(next, nil)
	s.ReadyLocked(next)
	tc.Reschedule(key)
	return nil
}

// Owner returns the owning thread, or Invalid.
func (m *Mutex) Owner() arena.Handle {
	key := m.s.Lock()
	defer m.s.Unlock(key)
	return m.owner
}

// LockCount is the recursion depth of the current owner.
func (m *Mutex) LockCount() uint32 {
	key := m.s.Lock()
	defer m.s.Unlock(key)
	return m.count
}

// Waiters is the number of threads blocked on m.
func (m *Mutex) Waiters() int {
	key := m.s.Lock()
	defer m.s.Unlock(key)
	return m.waitq.Len()
}
