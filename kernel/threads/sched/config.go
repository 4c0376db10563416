package sched

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/readyq"
)

// Config configures a Scheduler.
type Config struct {
	CPUs       int
	MaxThreads int
	Bands      foundation.Bands

	// Backends for the ready queue and for every wait queue
	ReadyQueue readyq.Kind
	WaitQueue  readyq.Kind

	// Time slicing; zero ticks disables it. Threads more urgent than
	// SliceCeiling are never sliced.
	SliceTicks   int64
	SliceCeiling foundation.Priority

	Logger   *utils.Logger
	Listener Listener

	// Architecture layer; host implementations are used when nil
	Lock hal.IRQLock
	Arch hal.Arch
}

// DefaultConfig returns a uniprocessor configuration with slicing disabled.
func DefaultConfig() Config {
	return Config{
		CPUs:       1,
		MaxThreads: 64,
		Bands:      foundation.DefaultBands(),
		ReadyQueue: readyq.KindMultiQ,
		WaitQueue:  readyq.KindList,
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs error
	if c.CPUs < 1 || c.CPUs > 256 {
		errs = multierr.Append(errs, fmt.Errorf("%w: cpus=%d, want 1..256", foundation.ErrInvalidArgument, c.CPUs))
	}
	if c.MaxThreads < 1 || c.MaxThreads+c.CPUs > arena.MaxCapacity {
		errs = multierr.Append(errs, fmt.Errorf("%w: max_threads=%d", foundation.ErrInvalidArgument, c.MaxThreads))
	}
	errs = multierr.Append(errs, c.Bands.Validate())
	if c.SliceTicks < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: slice_ticks=%d", foundation.ErrInvalidArgument, c.SliceTicks))
	}
	return errs
}

// Listener observes scheduling events. Calls are made with the scheduler
// lock held; implementations must not call back into the Scheduler.
type Listener interface {
	ThreadSwitched(cpu foundation.CPUID, from, to arena.Handle)
	ThreadReadied(h arena.Handle, prio foundation.Priority)
	ThreadPended(h arena.Handle)
	ThreadTimedOut(h arena.Handle)
	PriorityChanged(h arena.Handle, from, to foundation.Priority)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) ThreadSwitched(foundation.CPUID, arena.Handle, arena.Handle)             {}
func (NopListener) ThreadReadied(arena.Handle, foundation.Priority)                         {}
func (NopListener) ThreadPended(arena.Handle)                                               {}
func (NopListener) ThreadTimedOut(arena.Handle)                                             {}
func (NopListener) PriorityChanged(arena.Handle, foundation.Priority, foundation.Priority) {}

var _ Listener = NopListener{}

// Listeners fans every event out to each member in order.
type Listeners []Listener

func (ls Listeners) ThreadSwitched(cpu foundation.CPUID, from, to arena.Handle) {
	for _, l := range ls {
		l.ThreadSwitched(cpu, from, to)
	}
}

func (ls Listeners) ThreadReadied(h arena.Handle, prio foundation.Priority) {
	for _, l := range ls {
		l.ThreadReadied(h, prio)
	}
}

func (ls Listeners) ThreadPended(h arena.Handle) {
	for _, l := range ls {
		l.ThreadPended(h)
	}
}

func (ls Listeners) ThreadTimedOut(h arena.Handle) {
	for _, l := range ls {
		l.ThreadTimedOut(h)
	}
}

func (ls Listeners) PriorityChanged(h arena.Handle, from, to foundation.Priority) {
	for _, l := range ls {
		l.PriorityChanged(h, from, to)
	}
}

var _ Listener = Listeners(nil)
