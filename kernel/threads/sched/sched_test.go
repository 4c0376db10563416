package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/readyq"
)

const settleTimeout = 5 * time.Second

// newScheduler builds a uniprocessor scheduler; start=false leaves it for
// the test to Start after spawning.
func newScheduler(t *testing.T, start bool, mutate func(*Config)) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	if start {
		require.NoError(t, s.Start(context.Background()))
	}
	t.Cleanup(s.Stop)
	return s
}

// settle waits until every CPU is idle with nothing ready.
func settle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(format string, args ...interface{}) {
	tr.mu.Lock()
	tr.events = append(tr.events, fmt.Sprintf(format, args...))
	tr.mu.Unlock()
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func (tr *trace) has(event string) bool {
	for _, e := range tr.get() {
		if e == event {
			return true
		}
	}
	return false
}

func spawn(t *testing.T, s *Scheduler, name string, prio foundation.Priority, entry EntryFunc) arena.Handle {
	t.Helper()
	h, err := s.Spawn(ThreadSpec{Name: name, Priority: prio, Entry: entry})
	require.NoError(t, err)
	return h
}

func record(tr *trace, name string) EntryFunc {
	return func(*ThreadContext) { tr.add("%s", name) }
}

func TestScheduler_RunsReadyThreadsByPriorityThenFIFO(t *testing.T) {
	for _, kind := range []readyq.Kind{readyq.KindList, readyq.KindTree, readyq.KindMultiQ} {
		t.Run(kind.String(), func(t *testing.T) {
			s := newScheduler(t, false, func(c *Config) { c.ReadyQueue = kind })
			tr := &trace{}
			spawn(t, s, "a", 5, record(tr, "a"))
			spawn(t, s, "b", 2, record(tr, "b"))
			spawn(t, s, "c", 5, record(tr, "c"))
			spawn(t, s, "d", -1, record(tr, "d"))

			require.NoError(t, s.Start(context.Background()))
			settle(t, s)
			assert.Equal(t, []string{"d", "b", "a", "c"}, tr.get())
		})
	}
}

func TestScheduler_MoreUrgentThreadPreempts(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}
	spawn(t, s, "low", 10, func(tc *ThreadContext) {
		tr.add("low start")
		_, err := tc.Spawn(ThreadSpec{Name: "high", Priority: 2, Entry: record(tr, "high")})
		assert.NoError(t, err)
		tr.add("low end")
	})
	settle(t, s)
	assert.Equal(t, []string{"low start", "high", "low end"}, tr.get())
}

func TestScheduler_CooperativeThreadIsNotPreempted(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}
	spawn(t, s, "coop", -1, func(tc *ThreadContext) {
		tr.add("coop start")
		_, err := tc.Spawn(ThreadSpec{Name: "urgent", Priority: -3, Entry: record(tr, "urgent")})
		assert.NoError(t, err)
		assert.NoError(t, tc.PreemptPoint())
		tr.add("coop end")
	})
	settle(t, s)
	assert.Equal(t, []string{"coop start", "coop end", "urgent"}, tr.get())
}

func TestScheduler_SchedLockDefersPreemption(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}
	spawn(t, s, "low", 10, func(tc *ThreadContext) {
		assert.NoError(t, tc.SchedLock())
		_, err := tc.Spawn(ThreadSpec{Name: "high", Priority: 2, Entry: record(tr, "high")})
		assert.NoError(t, err)
		tr.add("low locked")
		assert.NoError(t, tc.SchedUnlock())
		tr.add("low end")
		assert.ErrorIs(t, tc.SchedUnlock(), foundation.ErrInvalidArgument)
	})
	settle(t, s)
	assert.Equal(t, []string{"low locked", "high", "low end"}, tr.get())
}

func TestScheduler_YieldRotatesEqualPriority(t *testing.T) {
	s := newScheduler(t, false, nil)
	tr := &trace{}
	worker := func(name string) EntryFunc {
		return func(tc *ThreadContext) {
			for i := 0; i < 3; i++ {
				tr.add("%s%d", name, i)
				assert.NoError(t, tc.Yield())
			}
		}
	}
	spawn(t, s, "a", 5, worker("a"))
	spawn(t, s, "b", 5, worker("b"))
	spawn(t, s, "z", 7, worker("z"))

	require.NoError(t, s.Start(context.Background()))
	settle(t, s)
	assert.Equal(t, []string{"a0", "b0", "a1", "b1", "a2", "b2", "z0", "z1", "z2"}, tr.get())
}

func TestScheduler_SleepWakesAfterTicks(t *testing.T) {
	s := newScheduler(t, true, nil)
	var left atomic.Int64
	var woke atomic.Int64
	h := spawn(t, s, "sleeper", 3, func(tc *ThreadContext) {
		n, err := tc.Sleep(foundation.Ticks(3))
		assert.NoError(t, err)
		left.Store(n)
		woke.Store(s.Timeouts().Now())
	})
	settle(t, s)

	s.Announce(1)
	s.Announce(1)
	settle(t, s)
	st, err := s.State(h)
	require.NoError(t, err)
	assert.True(t, st.Has(foundation.StateSleeping))

	s.Announce(1)
	settle(t, s)
	assert.Equal(t, int64(3), woke.Load())
	assert.Equal(t, int64(0), left.Load())
}

func TestScheduler_WakeupReturnsRemainingTicks(t *testing.T) {
	s := newScheduler(t, true, nil)
	var left atomic.Int64
	h := spawn(t, s, "sleeper", 3, func(tc *ThreadContext) {
		n, err := tc.Sleep(foundation.Ticks(10))
		assert.NoError(t, err)
		left.Store(n)
	})
	settle(t, s)

	s.Announce(4)
	require.NoError(t, s.Wakeup(h))
	settle(t, s)
	assert.Equal(t, int64(6), left.Load())
	assert.Equal(t, 0, s.Timeouts().Len())
}

func TestScheduler_SuspendResume(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}

	self := spawn(t, s, "self", 4, func(tc *ThreadContext) {
		assert.NoError(t, tc.Suspend())
		tr.add("self resumed")
	})
	settle(t, s)
	st, err := s.State(self)
	require.NoError(t, err)
	assert.Equal(t, foundation.StateSuspended, st)

	other, err := s.Spawn(ThreadSpec{Name: "other", Priority: 4, Entry: record(tr, "other"), Delay: foundation.Forever})
	require.NoError(t, err)
	require.NoError(t, s.Suspend(other))
	require.NoError(t, s.StartThread(other))
	settle(t, s)
	assert.Empty(t, tr.get())

	require.NoError(t, s.Resume(other))
	require.NoError(t, s.Resume(self))
	settle(t, s)
	assert.Equal(t, []string{"other", "self resumed"}, tr.get())
}

func TestScheduler_DelayedStart(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}
	_, err := s.Spawn(ThreadSpec{Name: "late", Priority: 1, Entry: record(tr, "late"), Delay: foundation.Ticks(3)})
	require.NoError(t, err)

	s.Announce(2)
	settle(t, s)
	assert.Empty(t, tr.get())

	s.Announce(1)
	settle(t, s)
	assert.Equal(t, []string{"late"}, tr.get())
}

func TestScheduler_SetPriorityResortsWaitQueue(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}
	wq := s.NewWaitQueue()
	pender := func(name string) EntryFunc {
		return func(tc *ThreadContext) {
			key, err := tc.Enter()
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, tc.Pend(key, wq, foundation.Forever))
			tr.add("%s", name)
		}
	}
	a := spawn(t, s, "a", 8, pender("a"))
	b := spawn(t, s, "b", 6, pender("b"))
	c := spawn(t, s, "c", 4, pender("c"))
	settle(t, s)

	require.NoError(t, s.SetPriority(a, 1))
	key := s.Lock()
	var order []arena.Handle
	wq.Each(func(h arena.Handle, _ foundation.Priority) bool {
		order = append(order, h)
		return true
	})
	assert.Equal(t, []arena.Handle{a, c, b}, order)
	assert.Equal(t, 3, s.UnpendAllLocked(wq, nil))
	s.Unlock(key)

	settle(t, s)
	assert.Equal(t, []string{"a", "c", "b"}, tr.get())
	assert.ErrorIs(t, s.SetPriority(b, s.Bands().Lowest()), foundation.ErrInvalidArgument)
}

func TestScheduler_PendTimeoutUnregistersEverywhere(t *testing.T) {
	s := newScheduler(t, true, nil)
	wq := s.NewWaitQueue()
	errc := make(chan error, 1)
	spawn(t, s, "waiter", 3, func(tc *ThreadContext) {
		key, err := tc.Enter()
		if !assert.NoError(t, err) {
			return
		}
		errc <- tc.Pend(key, wq, foundation.Ticks(2))
	})
	settle(t, s)
	assert.Equal(t, 1, wq.Len())
	assert.Equal(t, 1, s.Timeouts().Len())

	s.Announce(2)
	settle(t, s)
	assert.ErrorIs(t, <-errc, foundation.ErrTimeout)
	assert.Equal(t, 0, wq.Len())
	assert.Equal(t, 0, s.Timeouts().Len())
	assert.Equal(t, 0, s.GetStats().Ready)
}

func TestScheduler_TimeSliceRotatesEqualPriority(t *testing.T) {
	s := newScheduler(t, true, func(c *Config) {
		c.SliceTicks = 2
		c.SliceCeiling = 0
	})
	var stop atomic.Bool
	spin := func(tc *ThreadContext) {
		for !stop.Load() {
			if err := tc.PreemptPoint(); err != nil {
				return
			}
		}
	}
	a := spawn(t, s, "a", 5, spin)
	b := spawn(t, s, "b", 5, spin)
	on := func(h arena.Handle) func() bool {
		return func() bool { return s.Current(0) == h }
	}

	require.Eventually(t, on(a), settleTimeout, time.Millisecond)
	s.Announce(1)
	s.Announce(1)
	require.Eventually(t, on(b), settleTimeout, time.Millisecond)
	s.Announce(2)
	require.Eventually(t, on(a), settleTimeout, time.Millisecond)

	stop.Store(true)
	settle(t, s)
	assert.GreaterOrEqual(t, s.GetStats().SliceExpiries, uint64(2))
}

func TestScheduler_CooperativeThreadsAreNotSliced(t *testing.T) {
	s := newScheduler(t, true, func(c *Config) {
		c.SliceTicks = 1
		c.SliceCeiling = 0
	})
	var stop atomic.Bool
	spin := func(tc *ThreadContext) {
		for !stop.Load() {
			if err := tc.PreemptPoint(); err != nil {
				return
			}
		}
	}
	c := spawn(t, s, "c", -1, spin)
	d := spawn(t, s, "d", -1, spin)
	require.Eventually(t, func() bool { return s.Current(0) == c }, settleTimeout, time.Millisecond)

	s.Announce(3)
	assert.Never(t, func() bool { return s.Current(0) == d }, 50*time.Millisecond, 5*time.Millisecond)

	var expiries atomic.Int32
	require.NoError(t, s.SetThreadTimeSlice(c, 1, func(h arena.Handle) {
		assert.Equal(t, c, h)
		expiries.Add(1)
	}))
	s.Announce(1)
	require.Eventually(t, func() bool { return s.Current(0) == d }, settleTimeout, time.Millisecond)
	assert.Equal(t, int32(1), expiries.Load())

	stop.Store(true)
	settle(t, s)
}

func TestScheduler_MetaIRQPreemptsCooperativeAndReturnsToIt(t *testing.T) {
	s := newScheduler(t, true, func(c *Config) {
		c.Bands = foundation.Bands{NumCoop: 4, NumPreempt: 8, NumMetaIRQ: 1}
	})
	tr := &trace{}
	var done atomic.Bool
	coop := spawn(t, s, "coop", -2, func(tc *ThreadContext) {
		tr.add("coop start")
		for !done.Load() {
			if err := tc.PreemptPoint(); err != nil {
				return
			}
		}
		tr.add("coop end")
	})
	require.Eventually(t, func() bool { return s.Current(0) == coop }, settleTimeout, time.Millisecond)

	spawn(t, s, "urgent", -3, record(tr, "urgent"))
	assert.Never(t, func() bool { return tr.has("urgent") }, 50*time.Millisecond, 5*time.Millisecond)

	spawn(t, s, "meta", -4, record(tr, "meta"))
	require.Eventually(t, func() bool { return tr.has("meta") }, settleTimeout, time.Millisecond)
	require.Eventually(t, func() bool { return s.Current(0) == coop }, settleTimeout, time.Millisecond)
	done.Store(true)

	settle(t, s)
	assert.Equal(t, []string{"coop start", "meta", "coop end", "urgent"}, tr.get())
}

func TestScheduler_AbortAndJoin(t *testing.T) {
	s := newScheduler(t, true, nil)
	tr := &trace{}
	var exits []arena.Handle
	var mu sync.Mutex
	s.OnThreadExit(func(h arena.Handle) {
		assert.False(t, s.Alive(h), "exit hooks see %s as gone", h)
		mu.Lock()
		exits = append(exits, h)
		mu.Unlock()
	})

	wq := s.NewWaitQueue()
	blocked := spawn(t, s, "blocked", 4, func(tc *ThreadContext) {
		key, err := tc.Enter()
		if !assert.NoError(t, err) {
			return
		}
		_ = tc.Pend(key, wq, foundation.Ticks(50))
		tr.add("blocked returned")
	})
	settle(t, s)
	assert.True(t, s.Alive(blocked))
	require.NoError(t, s.Abort(blocked))
	assert.False(t, s.Alive(blocked))
	assert.Equal(t, 0, wq.Len())
	assert.Equal(t, 0, s.Timeouts().Len())
	_, err := s.Info(blocked)
	assert.ErrorIs(t, err, foundation.ErrStaleHandle)
	assert.ErrorIs(t, s.Abort(blocked), foundation.ErrStaleHandle)

	var stop atomic.Bool
	spinner := spawn(t, s, "spinner", 6, func(tc *ThreadContext) {
		for !stop.Load() {
			if err := tc.PreemptPoint(); err != nil {
				return
			}
		}
		tr.add("spinner finished")
	})
	require.Eventually(t, func() bool { return s.Current(0) == spinner }, settleTimeout, time.Millisecond)
	require.NoError(t, s.Abort(spinner))
	settle(t, s)

	target := spawn(t, s, "target", 5, func(tc *ThreadContext) {
		_, _ = tc.Sleep(foundation.Ticks(2))
		tr.add("target done")
	})
	spawn(t, s, "joiner", 7, func(tc *ThreadContext) {
		assert.ErrorIs(t, tc.Join(target, foundation.NoWait), foundation.ErrBusy)
		assert.NoError(t, tc.Join(target, foundation.Forever))
		tr.add("joined")
		assert.NoError(t, tc.Join(target, foundation.Forever), "joining an exited thread")
		assert.ErrorIs(t, tc.Join(tc.Self(), foundation.Forever), foundation.ErrInvalidArgument)
	})
	settle(t, s)
	s.Announce(2)
	settle(t, s)

	assert.Equal(t, []string{"target done", "joined"}, tr.get())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []arena.Handle{blocked, spinner}, exits[:2])
	assert.Len(t, exits, 4)
}

func TestScheduler_CreateHookSeesParent(t *testing.T) {
	s := newScheduler(t, true, nil)
	parents := map[arena.Handle]arena.Handle{}
	var mu sync.Mutex
	s.OnThreadCreate(func(h, parent arena.Handle) {
		mu.Lock()
		parents[h] = parent
		mu.Unlock()
	})

	var child arena.Handle
	root := spawn(t, s, "root", 5, func(tc *ThreadContext) {
		h, err := tc.Spawn(ThreadSpec{Name: "child", Priority: 6, Entry: func(*ThreadContext) {}})
		assert.NoError(t, err)
		child = h
	})
	settle(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, arena.Invalid, parents[root])
	assert.Equal(t, root, parents[child])
}

func TestThreadContext_InvalidOutsideItsThread(t *testing.T) {
	s := newScheduler(t, true, nil)
	leaked := make(chan *ThreadContext, 1)
	spawn(t, s, "leaker", 5, func(tc *ThreadContext) { leaked <- tc })
	settle(t, s)

	tc := <-leaked
	assert.ErrorIs(t, tc.Yield(), foundation.ErrInvalidContext)
	_, err := tc.Sleep(foundation.Ticks(1))
	assert.ErrorIs(t, err, foundation.ErrInvalidContext)
	_, err = tc.Enter()
	assert.ErrorIs(t, err, foundation.ErrInvalidContext)

	var nilTC *ThreadContext
	assert.ErrorIs(t, nilTC.PreemptPoint(), foundation.ErrInvalidContext)
}

func TestScheduler_SpawnValidation(t *testing.T) {
	s := newScheduler(t, false, func(c *Config) { c.MaxThreads = 1 })
	noop := func(*ThreadContext) {}

	_, err := s.Spawn(ThreadSpec{Name: "idle-prio", Priority: s.Bands().Lowest(), Entry: noop})
	assert.ErrorIs(t, err, foundation.ErrInvalidArgument)
	_, err = s.Spawn(ThreadSpec{Name: "no-entry", Priority: 1})
	assert.ErrorIs(t, err, foundation.ErrInvalidArgument)

	_, err = s.Spawn(ThreadSpec{Name: "one", Priority: 1, Entry: noop, Delay: foundation.Forever})
	require.NoError(t, err)
	_, err = s.Spawn(ThreadSpec{Name: "two", Priority: 1, Entry: noop})
	assert.ErrorIs(t, err, foundation.ErrOutOfSlots)

	_, err = New(Config{CPUs: 0, MaxThreads: 0, Bands: foundation.Bands{NumCoop: -1}})
	assert.ErrorIs(t, err, foundation.ErrInvalidArgument)
}

func TestScheduler_SMPRunsThreadsInParallel(t *testing.T) {
	s := newScheduler(t, true, func(c *Config) { c.CPUs = 2 })
	var stop atomic.Bool
	spin := func(tc *ThreadContext) {
		for !stop.Load() {
			if err := tc.PreemptPoint(); err != nil {
				return
			}
		}
	}
	a := spawn(t, s, "a", 5, spin)
	b := spawn(t, s, "b", 5, spin)

	require.Eventually(t, func() bool {
		cur := map[arena.Handle]bool{s.Current(0): true, s.Current(1): true}
		return cur[a] && cur[b]
	}, settleTimeout, time.Millisecond)

	stop.Store(true)
	settle(t, s)
	st := s.GetStats()
	assert.Equal(t, uint64(2), st.Spawned)
	assert.Equal(t, uint64(2), st.Exited)
	assert.Len(t, st.Switches, 2)
}

type countingListener struct {
	NopListener
	switches, readies, pends, timeouts, prioChanges atomic.Int32
}

func (l *countingListener) ThreadSwitched(foundation.CPUID, arena.Handle, arena.Handle) {
	l.switches.Add(1)
}
func (l *countingListener) ThreadReadied(arena.Handle, foundation.Priority) { l.readies.Add(1) }
func (l *countingListener) ThreadPended(arena.Handle)                       { l.pends.Add(1) }
func (l *countingListener) ThreadTimedOut(arena.Handle)                     { l.timeouts.Add(1) }
func (l *countingListener) PriorityChanged(arena.Handle, foundation.Priority, foundation.Priority) {
	l.prioChanges.Add(1)
}

func TestScheduler_ListenerSeesEvents(t *testing.T) {
	l := &countingListener{}
	s := newScheduler(t, true, func(c *Config) { c.Listener = l })
	wq := s.NewWaitQueue()
	h := spawn(t, s, "w", 5, func(tc *ThreadContext) {
		key, err := tc.Enter()
		if !assert.NoError(t, err) {
			return
		}
		_ = tc.Pend(key, wq, foundation.Ticks(1))
	})
	settle(t, s)
	require.NoError(t, s.SetPriority(h, 3))
	s.Announce(1)
	settle(t, s)

	assert.Equal(t, int32(2), l.readies.Load())
	assert.Equal(t, int32(1), l.pends.Load())
	assert.Equal(t, int32(1), l.timeouts.Load())
	assert.Equal(t, int32(1), l.prioChanges.Load())
	assert.Equal(t, int32(4), l.switches.Load())
}
