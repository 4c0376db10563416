package sched

import (
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/timeout"
)

// EntryFunc is a thread body. It receives the thread's execution context,
// the only handle through which it may block.
type EntryFunc func(tc *ThreadContext)

// ThreadSpec describes a thread to spawn.
type ThreadSpec struct {
	Name     string
	Priority foundation.Priority
	Entry    EntryFunc
	// Delay before the thread becomes ready. NoWait starts it at once,
	// Forever leaves it prestarted until StartThread.
	Delay foundation.Timeout
	// Parent the thread inherits its memory domain from; Invalid for none.
	Parent arena.Handle
}

// Thread is the scheduler's per-thread record. It lives in the thread arena
// and is only touched under the scheduler lock.
type Thread struct {
	handle arena.Handle
	name   string
	prio   foundation.Priority
	state  foundation.ThreadState
	idle   bool
	parent arena.Handle

	// Execution
	entry   EntryFunc
	ctx     *hal.Context
	cpu     foundation.CPUID
	running bool
	exiting bool
	swapErr error

	// Blocking
	pendedOn  *WaitQueue
	timeout   timeout.Timeout
	onTimeout timeout.Callback
	joiners   *WaitQueue

	// Scheduling policy
	schedLocked int
	sliceTicks  int64
	sliceFn     func(arena.Handle)

	// Locks held, in acquisition order
	held []any
}

func (t *Thread) preemptible() bool {
	return !t.prio.Cooperative() && t.schedLocked == 0
}

func (t *Thread) runnable() bool {
	return !t.state.Any(foundation.PreventsRunning)
}

// ThreadInfo is a point-in-time view of a thread.
type ThreadInfo struct {
	Handle   arena.Handle
	Name     string
	Priority foundation.Priority
	State    foundation.ThreadState
	CPU      foundation.CPUID
	Running  bool
	Idle     bool
	Parent   arena.Handle
}

func (t *Thread) info() ThreadInfo {
	return ThreadInfo{
		Handle:   t.handle,
		Name:     t.name,
		Priority: t.prio,
		State:    t.state,
		CPU:      t.cpu,
		Running:  t.running,
		Idle:     t.idle,
		Parent:   t.parent,
	}
}
