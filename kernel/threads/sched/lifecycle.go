package sched

import (
	"fmt"
	"runtime"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/timeout"
)

// Spawn creates a thread. Depending on spec.Delay it is ready at once,
// after a delay, or left prestarted.
func (s *Scheduler) Spawn(spec ThreadSpec) (arena.Handle, error) {
	if spec.Entry == nil {
		return arena.Invalid, fmt.Errorf("%w: thread %q has no entry", foundation.ErrInvalidArgument, spec.Name)
	}
	if !s.cfg.Bands.ValidApplication(spec.Priority) {
		return arena.Invalid, fmt.Errorf("%w: priority %s outside [%s, %s)", foundation.ErrInvalidArgument,
			spec.Priority, s.cfg.Bands.Highest(), s.cfg.Bands.Lowest())
	}

	key := s.lock.Lock()
	if s.stopped {
		s.lock.Unlock(key)
		return arena.Invalid, fmt.Errorf("%w: scheduler stopped", foundation.ErrInvalidArgument)
	}
	h, t, err := s.threads.Alloc()
	if err != nil {
		s.lock.Unlock(key)
		return arena.Invalid, utils.WrapErrorf(err, "spawn %q", spec.Name)
	}
	*t = Thread{
		handle: h,
		name:   spec.Name,
		prio:   spec.Priority,
		state:  foundation.StatePrestart,
		parent: spec.Parent,
		entry:  spec.Entry,
		ctx:    hal.NewContext(),
	}
	t.onTimeout = func(*timeout.Timeout) { s.threadTimedOut(h) }
	s.spawned++
	hooks := s.createHooks
	go s.threadMain(h, t.ctx, t.entry)
	s.lock.Unlock(key)

	s.logger.Debug("thread spawned",
		utils.String("name", spec.Name),
		utils.Stringer("handle", h),
		utils.Stringer("priority", spec.Priority))
	for _, fn := range hooks {
		fn(h, spec.Parent)
	}

	switch {
	case spec.Delay.IsNoWait():
		return h, s.StartThread(h)
	case spec.Delay.IsForever():
	default:
		key := s.lock.Lock()
		if t := s.threads.Lookup(h); t != nil && t.state.Has(foundation.StatePrestart) {
			s.timeouts.AddLocked(&t.timeout, spec.Delay.TickCount(), func(*timeout.Timeout) { _ = s.StartThread(h) })
		}
		s.lock.Unlock(key)
	}
	return h, nil
}

// StartThread readies a prestarted thread. Starting a running thread is a no-op.
func (s *Scheduler) StartThread(h arena.Handle) error {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return err
	}
	if !t.state.Has(foundation.StatePrestart) {
		return nil
	}
	s.timeouts.AbortLocked(&t.timeout)
	t.state &^= foundation.StatePrestart
	s.readyLocked(t)
	return nil
}

// Abort terminates h. A thread running on a CPU dies at its next kernel
// entry; any other thread dies at once.
func (s *Scheduler) Abort(h arena.Handle) error {
	key := s.lock.Lock()
	t, err := s.threads.Get(h)
	switch {
	case err != nil:
		s.lock.Unlock(key)
		return err
	case t.idle:
		s.lock.Unlock(key)
		return fmt.Errorf("%w: idle threads cannot be aborted", foundation.ErrInvalidArgument)
	case t.state.Any(foundation.StateDead | foundation.StateAborting):
		s.lock.Unlock(key)
		return nil
	case t.running:
		t.state |= foundation.StateAborting
		s.cpu(t.cpu).pendingResched = true
		s.lock.Unlock(key)
		return nil
	}

	name := t.name
	s.haltLocked(t)
	t.ctx.Kill()
	s.releaseLocked(t)
	hooks := s.exitHooks
	s.lock.Unlock(key)

	s.logger.Debug("thread aborted", utils.String("name", name), utils.Stringer("handle", h))
	for _, fn := range hooks {
		fn(h)
	}
	return nil
}

// exitCurrent ends the running thread: exit hooks, then teardown and a
// final switch away. It does not return.
func (s *Scheduler) exitCurrent(tc *ThreadContext) {
	key := s.lock.Lock()
	hooks := s.exitHooks
	t := s.threads.MustGet(tc.h)
	t.exiting = true
	name := t.name
	s.lock.Unlock(key)

	s.logger.Debug("thread exited", utils.String("name", name), utils.Stringer("handle", tc.h))
	for _, fn := range hooks {
		fn(tc.h)
	}

	key = s.lock.Lock()
	s.haltLocked(t)
	s.rescheduleLocked(s.cpu(t.cpu), key)
	runtime.Goexit()
}

// haltLocked takes t off every queue, marks it dead and releases joiners.
// The arena slot survives until t is off CPU.
func (s *Scheduler) haltLocked(t *Thread) {
	s.dequeueLocked(t)
	s.unpendLocked(t)
	s.timeouts.AbortLocked(&t.timeout)
	t.state = foundation.StateDead
	if t.joiners != nil {
		s.UnpendAllLocked(t.joiners, nil)
	}
	s.exited++
}

func (s *Scheduler) releaseLocked(t *Thread) {
	foundation.Assert(t.state.Has(foundation.StateDead), "releasing live thread %s", t.handle)
	if err := s.threads.Free(t.handle); err != nil {
		foundation.Oops("release %s: %v", t.handle, err)
	}
}

// Join waits for h to exit. A handle that is already stale counts as
// exited.
func (tc *ThreadContext) Join(h arena.Handle, to foundation.Timeout) error {
	key, c, _, err := tc.enter()
	if err != nil {
		return err
	}
	s := tc.s
	if h == tc.h {
		tc.leave(c, key)
		return fmt.Errorf("%w: thread joining itself", foundation.ErrInvalidArgument)
	}
	t := s.threads.Lookup(h)
	switch {
	case t == nil || t.state.Has(foundation.StateDead):
		tc.leave(c, key)
		return nil
	case t.idle:
		tc.leave(c, key)
		return fmt.Errorf("%w: idle threads never exit", foundation.ErrInvalidArgument)
	case to.IsNoWait():
		tc.leave(c, key)
		return foundation.ErrBusy
	}
	if t.joiners == nil {
		t.joiners = s.NewWaitQueue()
	}
	return tc.Pend(key, t.joiners, to)
}

// Spawn creates a child of the running thread and lets it preempt at once
// if it is more urgent.
func (tc *ThreadContext) Spawn(spec ThreadSpec) (arena.Handle, error) {
	key, c, _, err := tc.enter()
	if err != nil {
		return arena.Invalid, err
	}
	tc.leave(c, key)
	spec.Parent = tc.h
	h, err := tc.s.Spawn(spec)
	if err != nil {
		return h, err
	}
	return h, tc.PreemptPoint()
}

// Info returns a snapshot of h.
func (s *Scheduler) Info(h arena.Handle) (ThreadInfo, error) {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t, err := s.threads.Get(h)
	if err != nil {
		return ThreadInfo{}, err
	}
	return t.info(), nil
}

// Threads returns a snapshot of every live thread, idle threads included.
func (s *Scheduler) Threads() []ThreadInfo {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	out := make([]ThreadInfo, 0, s.threads.Len())
	s.threads.Each(func(_ arena.Handle, t *Thread) bool {
		out = append(out, t.info())
		return true
	})
	return out
}

// Alive reports whether h names a thread that has not started exiting.
// Exit hooks only ever observe threads for which Alive is already false.
func (s *Scheduler) Alive(h arena.Handle) bool {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	t := s.threads.Lookup(h)
	return t != nil && !t.exiting && !t.state.Has(foundation.StateDead)
}

func (s *Scheduler) Priority(h arena.Handle) (foundation.Priority, error) {
	info, err := s.Info(h)
	return info.Priority, err
}

func (s *Scheduler) State(h arena.Handle) (foundation.ThreadState, error) {
	info, err := s.Info(h)
	return info.State, err
}
