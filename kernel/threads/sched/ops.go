package sched

import (
	"fmt"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// Wakeup ends h's sleep early. Threads that are not sleeping are left alone.
func (s *Scheduler) Wakeup(h arena.Handle) error {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	if !t.state.Has(foundation.StateSleeping) {
		return nil
	}
	s.timeouts.AbortLocked(&t.timeout)
	t.state &^= foundation.StateSleeping
	s.readyLocked(t)
	return nil
}

// Suspend keeps h from running until Resume. A thread running on a CPU
// is switched out at its next kernel entry.
func (s *Scheduler) Suspend(h arena.Handle) error {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	if t.idle {
		return fmt.Errorf("%w: idle threads cannot be suspended", foundation.ErrInvalidArgument)
	}
	s.dequeueLocked(t)
	t.state |= foundation.StateSuspended
	if t.running {
		s.cpu(t.cpu).pendingResched = true
	}
	return nil
}

func (s *Scheduler) Resume(h arena.Handle) error {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	if !t.state.Has(foundation.StateSuspended) {
		return nil
	}
	t.state &^= foundation.StateSuspended
	s.readyLocked(t)
	return nil
}

// SetPriority changes h's base priority. Priorities outside the application
// range are rejected.
func (s *Scheduler) SetPriority(h arena.Handle, prio foundation.Priority) error {
	if !s.cfg.Bands.ValidApplication(prio) {
		return fmt.Errorf("%w: priority %s", foundation.ErrInvalidArgument, prio)
	}
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	if t.idle {
		return fmt.Errorf("%w: idle thread priority is fixed", foundation.ErrInvalidArgument)
	}
	s.setPriorityLocked(t, prio)
	return nil
}

// SetTimeSlice sets the global slice length. Threads more urgent than
// ceiling are never sliced; zero ticks disables global slicing.
func (s *Scheduler) SetTimeSlice(ticks int64, ceiling foundation.Priority) error {
	if ticks < 0 {
		return fmt.Errorf("%w: slice of %d ticks", foundation.ErrInvalidArgument, ticks)
	}
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	s.sliceTicks = ticks
	s.sliceCeiling = ceiling
	for i := range s.cpus {
		c := &s.cpus[i]
		s.resetSliceLocked(c, s.threads.MustGet(c.current))
	}
	return nil
}

// SetThreadTimeSlice gives h its own slice, overriding the global policy
// and the preemptibility rules. fn runs on every expiry, in interrupt
// context. Zero ticks reverts to the global policy.
func (s *Scheduler) SetThreadTimeSlice(h arena.Handle, ticks int64, fn func(arena.Handle)) error {
	if ticks < 0 {
		return fmt.Errorf("%w: slice of %d ticks", foundation.ErrInvalidArgument, ticks)
	}
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	t.sliceTicks, t.sliceFn = ticks, fn
	if t.running {
		s.resetSliceLocked(s.cpu(t.cpu), t)
	}
	return nil
}

func (s *Scheduler) sliceableLocked(t *Thread) bool {
	if t.idle || !t.runnable() {
		return false
	}
	if t.sliceTicks > 0 {
		return true
	}
	return s.sliceTicks > 0 && t.preemptible() && !t.prio.MoreUrgent(s.sliceCeiling)
}

// resetSliceLocked restarts c's slice for t, which is about to run there.
func (s *Scheduler) resetSliceLocked(c *cpu, t *Thread) {
	s.timeouts.AbortLocked(&c.slice)
	if !s.sliceableLocked(t) {
		return
	}
	ticks := s.sliceTicks
	if t.sliceTicks > 0 {
		ticks = t.sliceTicks
	}
	s.timeouts.AddLocked(&c.slice, ticks, c.onSlice)
}

// sliceExpired rotates the thread running on c behind its equals.
func (s *Scheduler) sliceExpired(c *cpu) {
	key := s.lock.Lock()
	t := s.threads.MustGet(c.current)
	if !s.sliceableLocked(t) {
		s.lock.Unlock(key)
		return
	}
	s.sliceExpiries++
	c.swapOK = true
	c.pendingResched = true
	s.resetSliceLocked(c, t)
	h, fn := t.handle, t.sliceFn
	s.lock.Unlock(key)

	if fn != nil {
		fn(h)
	}
}
