package sched

import (
	"runtime"

	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// ThreadContext is the execution context of one thread. It is handed to the
// thread's entry function and is the only way to block. Every call checks
// that the thread is the one running on its CPU; a context leaked to any
// other goroutine fails with ErrInvalidContext while its thread is off CPU.
//
// Preemption requested by interrupts or other CPUs takes effect on the next
// ThreadContext call; long computations should call PreemptPoint.
type ThreadContext struct {
	s *Scheduler
	h arena.Handle
}

func (tc *ThreadContext) Scheduler() *Scheduler { return tc.s }

// Self returns the running thread's handle.
func (tc *ThreadContext) Self() arena.Handle { return tc.h }

// enter takes the scheduler lock on behalf of the running thread. A pending
// abort or scheduler stop does not return.
func (tc *ThreadContext) enter() (hal.Key, *cpu, *Thread, error) {
	if tc == nil || tc.s == nil {
		return 0, nil, nil, foundation.ErrInvalidContext
	}
	s := tc.s
	key := s.lock.Lock()
	t := s.threads.Lookup(tc.h)
	if t == nil || !t.running || s.cpu(t.cpu).current != tc.h {
		s.lock.Unlock(key)
		return 0, nil, nil, foundation.ErrInvalidContext
	}
	if s.stopped {
		s.lock.Unlock(key)
		runtime.Goexit()
	}
	if t.state.Has(foundation.StateAborting) {
		s.lock.Unlock(key)
		s.exitCurrent(tc)
	}
	return key, s.cpu(t.cpu), t, nil
}

// leave releases the lock, first honouring any pending reschedule.
func (tc *ThreadContext) leave(c *cpu, key hal.Key) {
	if c.pendingResched {
		tc.s.rescheduleLocked(c, key)
		return
	}
	tc.s.lock.Unlock(key)
}

// Enter takes the scheduler lock for a kernel object built on top of the
// scheduler. Pair it with Leave, Reschedule or Pend.
func (tc *ThreadContext) Enter() (hal.Key, error) {
	key, _, _, err := tc.enter()
	return key, err
}

// Leave releases a lock taken by Enter.
func (tc *ThreadContext) Leave(key hal.Key) {
	tc.leave(tc.s.cpu(tc.s.threads.MustGet(tc.h).cpu), key)
}

// Reschedule releases a lock taken by Enter, switching away if a more
// urgent thread became ready.
func (tc *ThreadContext) Reschedule(key hal.Key) {
	tc.s.rescheduleLocked(tc.s.cpu(tc.s.threads.MustGet(tc.h).cpu), key)
}

// Pend blocks the running thread on wq until woken or until to elapses,
// releasing a lock taken by Enter. It returns the waker's result, or
// ErrTimeout.
func (tc *ThreadContext) Pend(key hal.Key, wq *WaitQueue, to foundation.Timeout) error {
	s := tc.s
	t := s.threads.MustGet(tc.h)
	foundation.Assert(!to.IsNoWait(), "pend with no-wait timeout")

	t.swapErr = foundation.ErrTimeout
	s.pendLocked(t, wq, to)
	s.rescheduleLocked(s.cpu(t.cpu), key)
	return t.swapErr
}

// Yield lets threads of equal priority run.
func (tc *ThreadContext) Yield() error {
	key, c, _, err := tc.enter()
	if err != nil {
		return err
	}
	c.swapOK = true
	tc.s.rescheduleLocked(c, key)
	return nil
}

// PreemptPoint delivers any pending preemption.
func (tc *ThreadContext) PreemptPoint() error {
	key, c, _, err := tc.enter()
	if err != nil {
		return err
	}
	tc.leave(c, key)
	return nil
}

// SchedLock makes the running thread non-preemptible until SchedUnlock.
// Calls nest.
func (tc *ThreadContext) SchedLock() error {
	key, c, t, err := tc.enter()
	if err != nil {
		return err
	}
	t.schedLocked++
	tc.s.resetSliceLocked(c, t)
	tc.s.lock.Unlock(key)
	return nil
}

func (tc *ThreadContext) SchedUnlock() error {
	key, c, t, err := tc.enter()
	if err != nil {
		return err
	}
	if t.schedLocked == 0 {
		tc.s.lock.Unlock(key)
		return foundation.ErrInvalidArgument
	}
	t.schedLocked--
	if t.schedLocked == 0 {
		tc.s.resetSliceLocked(c, t)
	}
	tc.s.rescheduleLocked(c, key)
	return nil
}

// Sleep suspends the thread for to. It returns the ticks left if the
// thread was woken early. Forever suspends until Resume and returns -1;
// NoWait yields.
func (tc *ThreadContext) Sleep(to foundation.Timeout) (int64, error) {
	key, c, t, err := tc.enter()
	if err != nil {
		return 0, err
	}
	s := tc.s
	switch {
	case to.IsNoWait():
		c.swapOK = true
		s.rescheduleLocked(c, key)
		return 0, nil
	case to.IsForever():
		t.state |= foundation.StateSuspended
		s.rescheduleLocked(c, key)
		return -1, nil
	}

	deadline := s.timeouts.NowLocked() + to.TickCount()
	t.state |= foundation.StateSleeping
	s.timeouts.AddLocked(&t.timeout, to.TickCount(), t.onTimeout)
	s.rescheduleLocked(c, key)

	if left := deadline - s.timeouts.Now(); left > 0 {
		return left, nil
	}
	return 0, nil
}

// Suspend suspends the running thread until Resume.
func (tc *ThreadContext) Suspend() error {
	key, c, t, err := tc.enter()
	if err != nil {
		return err
	}
	t.state |= foundation.StateSuspended
	tc.s.rescheduleLocked(c, key)
	return nil
}

// Exit terminates the running thread. It does not return.
func (tc *ThreadContext) Exit() {
	key, _, _, err := tc.enter()
	if err != nil {
		foundation.Oops("exit outside of thread %s: %v", tc.h, err)
	}
	tc.s.lock.Unlock(key)
	tc.s.exitCurrent(tc)
}
