// Package sched is the scheduler core: per-CPU current thread bookkeeping,
// the preemption decision, context switching, time slicing and the wait
// queue primitives every blocking object is built from.
package sched

import (
	"context"
	"fmt"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/readyq"
	"github.com/nmxmxh/rtcore/kernel/threads/timeout"
)

// cpu is the per-core slice of scheduler state.
type cpu struct {
	id      foundation.CPUID
	current arena.Handle
	idle    arena.Handle

	// Set from other contexts; consumed at the next kernel entry of the
	// thread running here.
	pendingResched bool
	// Lets an equal priority thread take over at the next decision.
	swapOK bool
	// Cooperative thread displaced by a meta-IRQ thread.
	metaIRQPreempted arena.Handle

	slice   timeout.Timeout
	onSlice timeout.Callback

	switches uint64
}

// Stats holds scheduler counters.
type Stats struct {
	Threads       int
	Ready         int
	Spawned       uint64
	Exited        uint64
	Switches      []uint64
	SliceExpiries uint64
	Uptime        int64
}

// Scheduler owns every thread, the ready queue and the timeout queue. Build
// one per kernel instance with New and pass it to every subsystem.
type Scheduler struct {
	cfg      Config
	logger   *utils.Logger
	listener Listener

	lock     hal.IRQLock
	arch     hal.Arch
	threads  *arena.Table[Thread]
	runq     readyq.Queue
	timeouts *timeout.Queue
	cpus     []cpu

	// Time slicing
	sliceTicks   int64
	sliceCeiling foundation.Priority

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	idleCh  chan struct{}

	createHooks []func(h, parent arena.Handle)
	exitHooks   []func(h arena.Handle)

	spawned, exited, sliceExpiries uint64
}

// New builds a scheduler with one idle thread per CPU. Nothing runs until
// Start.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, utils.WrapError(err, "invalid scheduler config")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NopLogger()
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Lock == nil {
		cfg.Lock = &hal.SpinLock{}
	}
	if cfg.Arch == nil {
		cfg.Arch = hal.NewHostArch(cfg.Lock, cfg.CPUs)
	}

	capacity := cfg.MaxThreads + cfg.CPUs
	s := &Scheduler{
		cfg:          cfg,
		logger:       cfg.Logger.Named("sched"),
		listener:     cfg.Listener,
		lock:         cfg.Lock,
		arch:         cfg.Arch,
		threads:      arena.New[Thread](capacity),
		runq:         readyq.New(cfg.ReadyQueue, capacity, cfg.Bands),
		timeouts:     timeout.New(cfg.Lock),
		cpus:         make([]cpu, cfg.CPUs),
		sliceTicks:   cfg.SliceTicks,
		sliceCeiling: cfg.SliceCeiling,
		idleCh:       make(chan struct{}),
	}

	for i := range s.cpus {
		c := &s.cpus[i]
		c.id = foundation.CPUID(i)
		c.onSlice = func(*timeout.Timeout) { s.sliceExpired(c) }

		h, t, err := s.threads.Alloc()
		if err != nil {
			return nil, err
		}
		*t = Thread{
			handle: h,
			name:   fmt.Sprintf("idle %d", i),
			prio:   cfg.Bands.Idle(),
			idle:   true,
			entry:  s.idleMain,
			ctx:    hal.NewContext(),
			cpu:    c.id,
		}
		c.idle, c.current = h, h
	}
	return s, nil
}

func (s *Scheduler) Config() Config             { return s.cfg }
func (s *Scheduler) Bands() foundation.Bands    { return s.cfg.Bands }
func (s *Scheduler) Logger() *utils.Logger      { return s.logger }
func (s *Scheduler) Timeouts() *timeout.Queue   { return s.timeouts }
func (s *Scheduler) NumCPUs() int               { return len(s.cpus) }
func (s *Scheduler) Lock() hal.Key              { return s.lock.Lock() }
func (s *Scheduler) Unlock(key hal.Key)         { s.lock.Unlock(key) }
func (s *Scheduler) cpu(id foundation.CPUID) *cpu {
	foundation.Assert(int(id) < len(s.cpus), "cpu %d out of range", id)
	return &s.cpus[id]
}

// OnThreadCreate registers fn to run after a thread is created and before
// it first runs. Register hooks before Start.
func (s *Scheduler) OnThreadCreate(fn func(h, parent arena.Handle)) {
	key := s.lock.Lock()
	s.createHooks = append(s.createHooks, fn)
	s.lock.Unlock(key)
}

// OnThreadExit registers fn to run when a thread exits or is aborted.
func (s *Scheduler) OnThreadExit(fn func(h arena.Handle)) {
	key := s.lock.Lock()
	s.exitHooks = append(s.exitHooks, fn)
	s.lock.Unlock(key)
}

// Start boots every CPU into its idle thread. Threads spawned earlier start
// running as soon as an idle thread sees them.
func (s *Scheduler) Start(ctx context.Context) error {
	key := s.lock.Lock()
	if s.started {
		s.lock.Unlock(key)
		return fmt.Errorf("%w: scheduler already started", foundation.ErrBusy)
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lock.Unlock(key)

	for i := range s.cpus {
		key := s.lock.Lock()
		c := &s.cpus[i]
		t := s.threads.MustGet(c.idle)
		t.running = true
		go s.threadMain(t.handle, t.ctx, t.entry)
		s.arch.Switch(key, nil, t.ctx)
	}
	s.logger.Info("scheduler started",
		utils.Int("cpus", len(s.cpus)),
		utils.Stringer("ready_queue", s.cfg.ReadyQueue),
		utils.Stringer("wait_queue", s.cfg.WaitQueue))
	return nil
}

// Stop retires every thread. Parked threads unwind at once; a thread busy
// outside the kernel unwinds at its next kernel entry.
func (s *Scheduler) Stop() {
	key := s.lock.Lock()
	if !s.started || s.stopped {
		s.lock.Unlock(key)
		return
	}
	s.stopped = true
	s.cancel()
	s.threads.Each(func(_ arena.Handle, t *Thread) bool {
		t.ctx.Kill()
		return true
	})
	s.notifyIdleLocked()
	s.lock.Unlock(key)
	s.logger.Info("scheduler stopped")
}

// Announce is the tick interrupt: it advances time and runs expired
// timeouts. Wire it to hal.TickSource.OnTick.
func (s *Scheduler) Announce(ticks int64) {
	s.timeouts.Announce(ticks)
}

// WaitIdle blocks until every CPU runs its idle thread with nothing ready.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		key := s.lock.Lock()
		if s.quiescentLocked() || s.stopped {
			s.lock.Unlock(key)
			return nil
		}
		ch := s.idleCh
		s.lock.Unlock(key)

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) quiescentLocked() bool {
	if !s.started || s.runq.Len() > 0 {
		return false
	}
	for i := range s.cpus {
		c := &s.cpus[i]
		if c.current != c.idle || c.pendingResched {
			return false
		}
	}
	return true
}

func (s *Scheduler) notifyIdleLocked() {
	close(s.idleCh)
	s.idleCh = make(chan struct{})
}

// Current returns the thread running on cpu.
func (s *Scheduler) Current(id foundation.CPUID) arena.Handle {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	return s.cpu(id).current
}

func (s *Scheduler) GetStats() Stats {
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	st := Stats{
		Threads:       s.threads.Len() - len(s.cpus),
		Ready:         s.runq.Len(),
		Spawned:       s.spawned,
		Exited:        s.exited,
		Switches:      make([]uint64, len(s.cpus)),
		SliceExpiries: s.sliceExpiries,
		Uptime:        s.timeouts.NowLocked(),
	}
	for i := range s.cpus {
		st.Switches[i] = s.cpus[i].switches
	}
	return st
}

func (s *Scheduler) isMetaIRQ(t *Thread) bool {
	return s.cfg.Bands.IsMetaIRQ(t.prio)
}

// shouldPreempt decides whether cand may displace cur when cur is still
// able to run.
func (s *Scheduler) shouldPreempt(c *cpu, cur, cand *Thread) bool {
	switch {
	case c.swapOK:
		return true
	case cur.preemptible():
		return true
	case s.isMetaIRQ(cand):
		return true
	}
	return false
}

// nextUpLocked picks the thread to run on c and fixes up queue membership:
// a displaced current thread goes to the back of its level, the winner
// leaves the ready queue.
func (s *Scheduler) nextUpLocked(c *cpu) *Thread {
	cur := s.threads.MustGet(c.current)

	var cand *Thread
	if h, ok := s.runq.Best(); ok {
		cand = s.threads.MustGet(h)
	}
	if mh := c.metaIRQPreempted; mh.Valid() && (cand == nil || !s.isMetaIRQ(cand)) {
		m := s.threads.Lookup(mh)
		switch {
		case m == nil || !m.runnable():
			c.metaIRQPreempted = arena.Invalid
		case m.state.Has(foundation.StateReady):
			cand = m
		}
	}
	if cand == nil {
		cand = s.threads.MustGet(c.idle)
	}

	active := cur.runnable()
	if active && cand != cur {
		if cur.prio.MoreUrgent(cand.prio) || (cur.prio == cand.prio && !c.swapOK) {
			cand = cur
		} else if !s.shouldPreempt(c, cur, cand) {
			cand = cur
		}
	}

	if cand != cur {
		if active && !cur.idle {
			s.enqueueLocked(cur)
		}
		if cand.state.Has(foundation.StateReady) {
			s.dequeueLocked(cand)
		}
	}
	c.swapOK = false
	return cand
}

func (s *Scheduler) updateMetaIRQPreemptLocked(c *cpu, cur, next *Thread) {
	switch {
	case s.isMetaIRQ(next) && !s.isMetaIRQ(cur) && !cur.preemptible() && cur.runnable():
		c.metaIRQPreempted = cur.handle
	case !s.isMetaIRQ(next) && !next.idle:
		c.metaIRQPreempted = arena.Invalid
	}
}

// rescheduleLocked runs the scheduling decision for the thread running on
// c, switching away if another thread wins. Must be called from that
// thread's own goroutine; always releases the lock.
func (s *Scheduler) rescheduleLocked(c *cpu, key hal.Key) {
	c.pendingResched = false
	next := s.nextUpLocked(c)
	if next.handle == c.current {
		s.lock.Unlock(key)
		return
	}
	s.switchLocked(c, key, next)
}

func (s *Scheduler) switchLocked(c *cpu, key hal.Key, next *Thread) {
	prev := s.threads.MustGet(c.current)
	s.updateMetaIRQPreemptLocked(c, prev, next)

	prev.running = false
	next.running = true
	next.cpu = c.id
	c.current = next.handle
	c.switches++
	s.resetSliceLocked(c, next)
	s.listener.ThreadSwitched(c.id, prev.handle, next.handle)

	var from *hal.Context
	if prev.state.Has(foundation.StateDead) {
		s.releaseLocked(prev)
	} else {
		from = prev.ctx
	}
	s.arch.Switch(key, from, next.ctx)
}

func (s *Scheduler) enqueueLocked(t *Thread) {
	t.state |= foundation.StateReady
	s.runq.Add(t.handle, t.prio)
}

func (s *Scheduler) dequeueLocked(t *Thread) {
	if s.runq.Remove(t.handle) {
		t.state &^= foundation.StateReady
	}
}

// readyLocked queues t if nothing prevents it from running and flags every
// CPU it should preempt.
func (s *Scheduler) readyLocked(t *Thread) {
	if !t.runnable() || t.running || t.state.Has(foundation.StateReady) {
		return
	}
	s.enqueueLocked(t)
	s.listener.ThreadReadied(t.handle, t.prio)
	s.signalLocked(t)
}

// signalLocked tells CPUs whose current thread t outranks to reschedule.
// Idle CPUs are kicked; busy ones notice at their next kernel entry.
func (s *Scheduler) signalLocked(t *Thread) {
	for i := range s.cpus {
		c := &s.cpus[i]
		cur := s.threads.MustGet(c.current)
		if !cur.idle && !t.prio.MoreUrgent(cur.prio) {
			continue
		}
		c.pendingResched = true
		if cur.idle {
			s.arch.Kick(c.id)
		}
	}
}

// idleMain is the body of every idle thread.
func (s *Scheduler) idleMain(tc *ThreadContext) {
	for {
		key := s.lock.Lock()
		if s.stopped {
			s.lock.Unlock(key)
			return
		}
		t := s.threads.MustGet(tc.h)
		c := s.cpu(t.cpu)
		c.pendingResched = false
		if next := s.nextUpLocked(c); next != t {
			s.switchLocked(c, key, next)
			continue
		}
		s.notifyIdleLocked()
		s.lock.Unlock(key)
		s.arch.Idle(s.ctx, c.id)
	}
}

func (s *Scheduler) threadMain(h arena.Handle, ctx *hal.Context, entry EntryFunc) {
	ctx.Park()
	tc := &ThreadContext{s: s, h: h}
	entry(tc)
	if s.isIdle(h) {
		return
	}
	s.exitCurrent(tc)
}

func (s *Scheduler) isIdle(h arena.Handle) bool {
	for i := range s.cpus {
		if s.cpus[i].idle == h {
			return true
		}
	}
	return false
}
