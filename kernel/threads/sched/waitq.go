package sched

import (
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/readyq"
)

// WaitQueue holds threads blocked on one kernel object, most urgent first.
// It is guarded by the scheduler lock.
type WaitQueue struct {
	q readyq.Queue
}

// NewWaitQueue builds a wait queue on the configured backend.
func (s *Scheduler) NewWaitQueue() *WaitQueue {
	return &WaitQueue{q: readyq.New(s.cfg.WaitQueue, s.threads.Cap(), s.cfg.Bands)}
}

// Head returns the most urgent waiter without removing it.
func (wq *WaitQueue) Head() (arena.Handle, bool) { return wq.q.Best() }

func (wq *WaitQueue) Len() int { return wq.q.Len() }

// Each visits waiters in wake order.
func (wq *WaitQueue) Each(fn func(h arena.Handle, prio foundation.Priority) bool) {
	wq.q.Each(fn)
}

func (s *Scheduler) pendLocked(t *Thread, wq *WaitQueue, to foundation.Timeout) {
	t.state |= foundation.StatePending
	t.pendedOn = wq
	wq.q.Add(t.handle, t.prio)
	if !to.IsForever() {
		s.timeouts.AddLocked(&t.timeout, to.TickCount(), t.onTimeout)
	}
	s.listener.ThreadPended(t.handle)
}

// unpendLocked detaches t from its wait queue and the timeout queue. It is
// the one place a blocked thread's cross references are torn down.
func (s *Scheduler) unpendLocked(t *Thread) {
	if t.pendedOn != nil {
		t.pendedOn.q.Remove(t.handle)
		t.pendedOn = nil
	}
	t.state &^= foundation.StatePending
	s.timeouts.AbortLocked(&t.timeout)
}

// threadTimedOut is the timeout callback of a pending or sleeping thread.
func (s *Scheduler) threadTimedOut(h arena.Handle) {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)

	t := s.threads.Lookup(h)
	if t == nil || !t.state.Any(foundation.StatePending|foundation.StateSleeping) {
		return
	}
	s.unpendLocked(t)
	t.state &^= foundation.StateSleeping
	s.listener.ThreadTimedOut(h)
	s.readyLocked(t)
}

// UnpendFirstLocked removes the most urgent waiter from wq and returns it,
// or Invalid. The thread is not readied; set its result and call
// ReadyLocked.
func (s *Scheduler) UnpendFirstLocked(wq *WaitQueue) arena.Handle {
	h, ok := wq.q.Best()
	if !ok {
		return arena.Invalid
	}
	s.unpendLocked(s.threads.MustGet(h))
	return h
}

// UnpendAllLocked wakes every waiter on wq with result err and returns how
// many there were.
func (s *Scheduler) UnpendAllLocked(wq *WaitQueue, err error) int {
	n := 0
	for {
		h := s.UnpendFirstLocked(wq)
		if !h.Valid() {
			return n
		}
		t := s.threads.MustGet(h)
		t.swapErr = err
		s.readyLocked(t)
		n++
	}
}

// SetSwapResultLocked sets the value Pend returns in h once it resumes.
func (s *Scheduler) SetSwapResultLocked(h arena.Handle, err error) {
	s.threads.MustGet(h).swapErr = err
}

// ReadyLocked makes h runnable if nothing else holds it back.
func (s *Scheduler) ReadyLocked(h arena.Handle) {
	s.readyLocked(s.threads.MustGet(h))
}

// UnreadyLocked takes h off the ready queue. The caller is expected to set
// a state that keeps it off.
func (s *Scheduler) UnreadyLocked(h arena.Handle) {
	s.dequeueLocked(s.threads.MustGet(h))
}

// Ready makes h runnable; usable from interrupt context.
func (s *Scheduler) Ready(h arena.Handle) error {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	s.readyLocked(t)
	return nil
}

// Unready takes h off the ready queue.
func (s *Scheduler) Unready(h arena.Handle) error {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	s.dequeueLocked(t)
	return nil
}

// ExistsLocked reports whether h still names a live thread.
func (s *Scheduler) ExistsLocked(h arena.Handle) bool {
	t := s.threads.Lookup(h)
	return t != nil && !t.state.Has(foundation.StateDead)
}

// PriorityLocked returns h's current, possibly boosted, priority.
func (s *Scheduler) PriorityLocked(h arena.Handle) foundation.Priority {
	return s.threads.MustGet(h).prio
}

// SetPriorityLocked changes h's priority, re-sorting whichever queue holds
// it. It reports whether the priority changed. No range check is made.
func (s *Scheduler) SetPriorityLocked(h arena.Handle, prio foundation.Priority) bool {
	return s.setPriorityLocked(s.threads.MustGet(h), prio)
}

func (s *Scheduler) setPriorityLocked(t *Thread, prio foundation.Priority) bool {
	old := t.prio
	if old == prio {
		return false
	}
	switch {
	case t.state.Has(foundation.StateReady):
		s.runq.Remove(t.handle)
		t.prio = prio
		s.runq.Add(t.handle, prio)
		s.signalLocked(t)
	case t.pendedOn != nil:
		t.pendedOn.q.Remove(t.handle)
		t.prio = prio
		t.pendedOn.q.Add(t.handle, prio)
	default:
		t.prio = prio
	}
	if t.running && old.MoreUrgent(prio) {
		s.cpu(t.cpu).pendingResched = true
	}
	s.listener.PriorityChanged(t.handle, old, prio)
	return true
}

// PushHeldLocked records that h acquired lock.
func (s *Scheduler) PushHeldLocked(h arena.Handle, lock any) {
	t := s.threads.MustGet(h)
	t.held = append(t.held, lock)
}

// LastHeldLocked returns the lock h acquired most recently, or nil.
func (s *Scheduler) LastHeldLocked(h arena.Handle) any {
	t := s.threads.MustGet(h)
	if len(t.held) == 0 {
		return nil
	}
	return t.held[len(t.held)-1]
}

// PopHeldLocked forgets lock from h's held set wherever it sits.
func (s *Scheduler) PopHeldLocked(h arena.Handle, lock any) {
	t := s.threads.MustGet(h)
	for i := len(t.held) - 1; i >= 0; i-- {
		if t.held[i] == lock {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
	foundation.Oops("%s released a lock it does not hold", h)
}

// HeldLocksLocked returns the locks h holds in acquisition order. The
// slice is only valid until the scheduler lock is released.
func (s *Scheduler) HeldLocksLocked(h arena.Handle) []any {
	return s.threads.MustGet(h).held
}

// HeldLocked is the number of locks h holds.
func (s *Scheduler) HeldLocked(h arena.Handle) int {
	return len(s.threads.MustGet(h).held)
}
