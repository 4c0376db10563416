// Package timeout implements the tick-driven timeout queue. Entries hold a
// tick delta relative to their predecessor, so a tick only touches the head.
package timeout

import (
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// Callback runs when a timeout expires, outside the IRQ lock.
type Callback func(t *Timeout)

type state uint8

const (
	stateInactive state = iota
	statePending
	stateExpired
)

// Timeout is an intrusive queue entry. Embed it in the waiting object; the
// zero value is inactive.
type Timeout struct {
	dticks     int64
	fn         Callback
	prev, next *Timeout
	state      state
	arm        uint64
}

func (t *Timeout) Pending() bool { return t.state == statePending }

// Expired reports whether the last arming fired and was not re-armed.
func (t *Timeout) Expired() bool { return t.state == stateExpired }

// Stats are cumulative queue counters.
type Stats struct {
	Added     uint64
	Aborted   uint64
	Expired   uint64
	Announces uint64
	Pending   int
}

// Queue is the delta-encoded timeout list. All state is guarded by the IRQ
// lock it was built with, normally the scheduler lock.
type Queue struct {
	lock hal.IRQLock

	head, tail *Timeout
	n          int
	curTick    int64
	announcing bool
	remaining  int64

	added, aborted, expired, announces uint64
}

func New(lock hal.IRQLock) *Queue {
	return &Queue{lock: lock}
}

// Add arms t to fire after ticks. A non-positive count fires fn immediately
// on the caller's stack without queueing.
func (q *Queue) Add(t *Timeout, ticks int64, fn Callback) {
	if ticks <= 0 {
		foundation.Assert(!t.Pending(), "timeout added twice")
		t.fn = fn
		t.state = stateExpired
		fn(t)
		return
	}
	key := q.lock.Lock()
	q.AddLocked(t, ticks, fn)
	q.lock.Unlock(key)
}

// AddLocked is Add for callers already holding the lock; ticks must be >= 1.
func (q *Queue) AddLocked(t *Timeout, ticks int64, fn Callback) {
	foundation.Assert(ticks > 0, "timeout of %d ticks queued", ticks)
	foundation.Assert(!t.Pending(), "timeout added twice")

	t.fn = fn
	t.state = statePending
	t.arm++
	q.added++
	q.n++

	// Entries with an equal deadline stay ahead of t.
	for cur := q.head; cur != nil; cur = cur.next {
		if ticks < cur.dticks {
			cur.dticks -= ticks
			t.dticks = ticks
			q.insertBefore(cur, t)
			return
		}
		ticks -= cur.dticks
	}
	t.dticks = ticks
	q.pushBack(t)
}

// Abort disarms t. It reports false if t was not pending.
func (q *Queue) Abort(t *Timeout) bool {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return q.AbortLocked(t)
}

func (q *Queue) AbortLocked(t *Timeout) bool {
	if !t.Pending() {
		return false
	}
	if t.next != nil {
		t.next.dticks += t.dticks
	}
	q.unlink(t)
	t.state = stateInactive
	q.aborted++
	return true
}

type expiry struct {
	t   *Timeout
	arm uint64
}

// Announce advances time by ticks and fires every timeout that came due, in
// deadline order. The lock is dropped between removals; an Announce that
// arrives meanwhile only adds its ticks to the one in progress.
func (q *Queue) Announce(ticks int64) {
	if ticks <= 0 {
		return
	}
	key := q.lock.Lock()
	q.announces++
	if q.announcing {
		q.remaining += ticks
		q.lock.Unlock(key)
		return
	}
	q.announcing = true
	q.remaining = ticks

	var fired []expiry
	for h := q.head; h != nil && h.dticks <= q.remaining; h = q.head {
		dt := h.dticks
		q.curTick += dt
		q.remaining -= dt
		h.dticks = 0
		q.unlink(h)
		h.state = stateExpired
		q.expired++
		fired = append(fired, expiry{t: h, arm: h.arm})

		q.lock.Unlock(key)
		key = q.lock.Lock()
	}
	if q.head != nil {
		q.head.dticks -= q.remaining
	}
	q.curTick += q.remaining
	q.remaining = 0
	q.announcing = false
	q.lock.Unlock(key)

	for _, e := range fired {
		if q.stillExpired(e) {
			e.t.fn(e.t)
		}
	}
}

// stillExpired drops expiries superseded by a re-arm or abort from a
// concurrent context before the callback got to run.
func (q *Queue) stillExpired(e expiry) bool {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return e.t.state == stateExpired && e.t.arm == e.arm
}

// Now is the uptime in ticks.
func (q *Queue) Now() int64 {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return q.curTick
}

func (q *Queue) NowLocked() int64 { return q.curTick }

// Remaining is the tick count until t fires, zero when not pending.
func (q *Queue) Remaining(t *Timeout) int64 {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return q.RemainingLocked(t)
}

func (q *Queue) RemainingLocked(t *Timeout) int64 {
	if !t.Pending() {
		return 0
	}
	var sum int64
	for cur := q.head; cur != nil; cur = cur.next {
		sum += cur.dticks
		if cur == t {
			return sum
		}
	}
	foundation.Oops("pending timeout missing from queue")
	return 0
}

// Expires is the absolute tick at which t fires, or the current tick when t
// is not pending.
func (q *Queue) Expires(t *Timeout) int64 {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return q.curTick + q.RemainingLocked(t)
}

// NextExpiry returns the ticks until the head fires, or -1 when empty.
func (q *Queue) NextExpiry() int64 {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	if q.head == nil {
		return -1
	}
	return q.head.dticks
}

func (q *Queue) Len() int {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return q.n
}

func (q *Queue) GetStats() Stats {
	key := q.lock.Lock()
	defer q.lock.Unlock(key)
	return Stats{
		Added:     q.added,
		Aborted:   q.aborted,
		Expired:   q.expired,
		Announces: q.announces,
		Pending:   q.n,
	}
}

func (q *Queue) pushBack(t *Timeout) {
	t.prev, t.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
}

func (q *Queue) insertBefore(at, t *Timeout) {
	t.prev, t.next = at.prev, at
	if at.prev != nil {
		at.prev.next = t
	} else {
		q.head = t
	}
	at.prev = t
}

func (q *Queue) unlink(t *Timeout) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		foundation.Assert(q.head == t, "corrupt timeout links")
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		foundation.Assert(q.tail == t, "corrupt timeout links")
		q.tail = t.prev
	}
	t.prev, t.next = nil, nil
	q.n--
}
