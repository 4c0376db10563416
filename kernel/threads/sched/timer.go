package sched

import (
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/timeout"
)

// Timer is a one-shot or periodic kernel timer. Expiry and stop functions
// run in interrupt context and must not block.
type Timer struct {
	s        *Scheduler
	to       timeout.Timeout
	period   int64
	deadline int64
	status   uint32
	waitq    *WaitQueue

	expiryFn func(*Timer)
	stopFn   func(*Timer)
}

// NewTimer creates a stopped timer. Either function may be nil.
func (s *Scheduler) NewTimer(expiry, stop func(*Timer)) *Timer {
	return &Timer{
		s:        s,
		waitq:    s.NewWaitQueue(),
		expiryFn: expiry,
		stopFn:   stop,
	}
}

// Start (re)arms the timer to expire after duration and then every period.
// A Forever duration leaves the timer stopped; NoWait expires on the next
// tick. A NoWait or Forever period makes it one-shot.
func (tm *Timer) Start(duration, period foundation.Timeout) {
	if duration.IsForever() {
		return
	}
	ticks := duration.TickCount()
	if ticks < 1 {
		ticks = 1
	}

	s := tm.s
	key := s.lock.Lock()
	defer s.lock.Unlock(key)
	s.timeouts.AbortLocked(&tm.to)
	tm.period = 0
	if !period.IsForever() && !period.IsNoWait() {
		tm.period = period.TickCount()
	}
	tm.status = 0
	tm.deadline = s.timeouts.NowLocked() + ticks
	s.timeouts.AddLocked(&tm.to, ticks, tm.expire)
}

// expire runs once per fired timeout. Callbacks run after the announce
// that fired them, so a periodic timer rearms against its own deadline and
// counts any periods that passed meanwhile.
func (tm *Timer) expire(*timeout.Timeout) {
	s := tm.s
	key := s.lock.Lock()
	n := uint32(1)
	if tm.period > 0 && !tm.to.Pending() {
		now := s.timeouts.NowLocked()
		tm.deadline += tm.period
		for tm.deadline <= now {
			tm.deadline += tm.period
			n++
		}
		s.timeouts.AddLocked(&tm.to, tm.deadline-now, tm.expire)
	}
	tm.status += n
	if h := s.UnpendFirstLocked(tm.waitq); h.Valid() {
		s.SetSwapResultLocked(h, nil)
		s.ReadyLocked(h)
	}
	s.lock.Unlock(key)

	if tm.expiryFn != nil {
		for i := uint32(0); i < n; i++ {
			tm.expiryFn(tm)
		}
	}
}

// Stop disarms a running timer, runs the stop function and releases
// StatusSync waiters. Stopping a stopped timer does nothing.
func (tm *Timer) Stop() {
	s := tm.s
	key := s.lock.Lock()
	wasRunning := s.timeouts.AbortLocked(&tm.to)
	s.lock.Unlock(key)
	if !wasRunning {
		return
	}

	if tm.stopFn != nil {
		tm.stopFn(tm)
	}

	key = s.lock.Lock()
	s.UnpendAllLocked(tm.waitq, nil)
	s.lock.Unlock(key)
}

// Status returns the expiries since the last status read and resets it.
func (tm *Timer) Status() uint32 {
	key := tm.s.lock.Lock()
	defer tm.s.lock.Unlock(key)
	st := tm.status
	tm.status = 0
	return st
}

// StatusSync is Status, but blocks while the count is zero and the timer
// is running. A stop while waiting returns zero.
func (tm *Timer) StatusSync(tc *ThreadContext) (uint32, error) {
	key, err := tc.Enter()
	if err != nil {
		return 0, err
	}
	if tm.status == 0 && tm.to.Pending() {
		if err := tc.Pend(key, tm.waitq, foundation.Forever); err != nil {
			return 0, err
		}
		key = tm.s.lock.Lock()
	}
	st := tm.status
	tm.status = 0
	tm.s.lock.Unlock(key)
	return st, nil
}

// Remaining is the tick count to the next expiry, zero if stopped.
func (tm *Timer) Remaining() int64 {
	return tm.s.timeouts.Remaining(&tm.to)
}

// Running reports whether the timer is armed.
func (tm *Timer) Running() bool {
	key := tm.s.lock.Lock()
	defer tm.s.lock.Unlock(key)
	return tm.to.Pending()
}
