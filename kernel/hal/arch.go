package hal

import (
	"context"
	"runtime"

	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// Context is the saved execution state of one thread. On the host it is the
// parking spot of the goroutine backing the thread.
type Context struct {
	baton chan struct{}
	kill  chan struct{}
}

func NewContext() *Context {
	return &Context{
		baton: make(chan struct{}, 1),
		kill:  make(chan struct{}),
	}
}

// Park blocks the calling goroutine until the context is switched in. A
// killed context never resumes: its goroutine unwinds with runtime.Goexit.
func (c *Context) Park() {
	select {
	case <-c.baton:
	case <-c.kill:
		runtime.Goexit()
	}
}

// Kill retires the context. Safe to call more than once.
func (c *Context) Kill() {
	select {
	case <-c.kill:
	default:
		close(c.kill)
	}
}

func (c *Context) Killed() bool {
	select {
	case <-c.kill:
		return true
	default:
		return false
	}
}

func (c *Context) resume() {
	select {
	case c.baton <- struct{}{}:
	default:
		foundation.Oops("context resumed twice without parking")
	}
}

// Arch is the architecture layer the scheduler drives.
type Arch interface {
	// Switch is entered with the IRQ lock held and releases it. It resumes
	// to, then parks the caller on from. A nil from means the outgoing
	// thread is gone and the caller returns without waiting.
	Switch(key Key, from, to *Context)
	// Kick interrupts cpu so it re-evaluates what it runs.
	Kick(cpu foundation.CPUID)
	// Idle waits on cpu until kicked or ctx ends.
	Idle(ctx context.Context, cpu foundation.CPUID)
}

// HostArch implements Arch over goroutines.
type HostArch struct {
	lock  IRQLock
	kicks []chan struct{}
}

var _ Arch = (*HostArch)(nil)

func NewHostArch(lock IRQLock, cpus int) *HostArch {
	foundation.Assert(cpus > 0 && cpus <= 256, "cpu count %d out of range", cpus)
	kicks := make([]chan struct{}, cpus)
	for i := range kicks {
		kicks[i] = make(chan struct{}, 1)
	}
	return &HostArch{lock: lock, kicks: kicks}
}

func (a *HostArch) Switch(key Key, from, to *Context) {
	foundation.Assert(to != nil, "switch to nil context")
	to.resume()
	a.lock.Unlock(key)
	if from != nil {
		from.Park()
	}
}

func (a *HostArch) kick(cpu foundation.CPUID) chan struct{} {
	foundation.Assert(int(cpu) < len(a.kicks), "cpu %d out of range", cpu)
	return a.kicks[cpu]
}

func (a *HostArch) Kick(cpu foundation.CPUID) {
	select {
	case a.kick(cpu) <- struct{}{}:
	default:
	}
}

func (a *HostArch) Idle(ctx context.Context, cpu foundation.CPUID) {
	select {
	case <-a.kick(cpu):
	case <-ctx.Done():
	}
}
