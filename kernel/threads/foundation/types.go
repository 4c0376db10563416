package foundation

import (
	"fmt"
	"strings"
)

// Priority is a thread priority. Lower numeric values are more urgent;
// negative values form the cooperative band.
type Priority int32

// MoreUrgent reports whether p must run before o.
func (p Priority) MoreUrgent(o Priority) bool { return p < o }

// AtLeastAsUrgent reports whether p is as urgent as o or more.
func (p Priority) AtLeastAsUrgent(o Priority) bool { return p <= o }

// Cooperative reports whether p lies in the cooperative band.
func (p Priority) Cooperative() bool { return p < 0 }

// MostUrgent returns the more urgent of a and b.
func MostUrgent(a, b Priority) Priority {
	if a.MoreUrgent(b) {
		return a
	}
	return b
}

// LeastUrgent returns the less urgent of a and b.
func LeastUrgent(a, b Priority) Priority {
	if a.MoreUrgent(b) {
		return b
	}
	return a
}

func (p Priority) String() string {
	if p < 0 {
		return fmt.Sprintf("coop(%d)", int32(p))
	}
	return fmt.Sprintf("preempt(%d)", int32(p))
}

// Bands describes the priority space a kernel instance is built for.
type Bands struct {
	NumCoop    int `toml:"num_coop"`
	NumPreempt int `toml:"num_preempt"`
	NumMetaIRQ int `toml:"num_meta_irq"`
}

// DefaultBands mirrors a typical small MCU build.
func DefaultBands() Bands {
	return Bands{NumCoop: 16, NumPreempt: 15, NumMetaIRQ: 0}
}

// Highest returns the most urgent priority of the build.
func (b Bands) Highest() Priority { return Priority(-b.NumCoop) }

// Lowest returns the least urgent priority, reserved for idle threads.
func (b Bands) Lowest() Priority { return Priority(b.NumPreempt) }

// Idle is the priority idle threads run at.
func (b Bands) Idle() Priority { return b.Lowest() }

// Levels returns the number of distinct priority levels including idle.
func (b Bands) Levels() int { return b.NumCoop + b.NumPreempt + 1 }

// Level maps p onto a zero based index, most urgent first.
func (b Bands) Level(p Priority) int { return int(p - b.Highest()) }

// Coop returns the x-th cooperative priority, counting from the most urgent.
func (b Bands) Coop(x int) Priority { return Priority(-(b.NumCoop - x)) }

// Preempt returns the x-th preemptible priority.
func (b Bands) Preempt(x int) Priority { return Priority(x) }

// IsMetaIRQ reports whether p lies in the meta-IRQ band.
func (b Bands) IsMetaIRQ(p Priority) bool {
	return b.NumMetaIRQ > 0 && b.Level(p) >= 0 && b.Level(p) < b.NumMetaIRQ
}

// ValidApplication reports whether p can be assigned to an application thread.
func (b Bands) ValidApplication(p Priority) bool {
	return p >= b.Highest() && p < b.Lowest()
}

// Validate checks the band layout itself.
func (b Bands) Validate() error {
	switch {
	case b.NumCoop < 0 || b.NumPreempt < 0:
		return fmt.Errorf("%w: negative priority band", ErrInvalidArgument)
	case b.NumCoop+b.NumPreempt == 0:
		return fmt.Errorf("%w: zero available thread priorities", ErrInvalidArgument)
	case b.NumMetaIRQ < 0 || b.NumMetaIRQ > b.NumCoop:
		return fmt.Errorf("%w: meta-IRQ band must fit in the cooperative band", ErrInvalidArgument)
	}
	return nil
}

// CPUID identifies a processor core.
type CPUID uint8

// ThreadState is a bit set; several bits may be set at once transiently.
type ThreadState uint8

const (
	StatePrestart ThreadState = 1 << iota
	StatePending
	StateSleeping
	StateDead
	StateSuspended
	StateAborting
	// StateReady is set iff the thread is a member of the ready queue.
	StateReady
)

// PreventsRunning is the set of bits that keep a thread off a CPU.
const PreventsRunning = StatePrestart | StatePending | StateSleeping | StateDead | StateSuspended

var stateNames = []struct {
	bit  ThreadState
	name string
}{
	{StatePrestart, "prestart"},
	{StatePending, "pending"},
	{StateSleeping, "sleeping"},
	{StateDead, "dead"},
	{StateSuspended, "suspended"},
	{StateAborting, "aborting"},
	{StateReady, "ready"},
}

// Has reports whether every bit of mask is set.
func (s ThreadState) Has(mask ThreadState) bool { return s&mask == mask }

// Any reports whether any bit of mask is set.
func (s ThreadState) Any(mask ThreadState) bool { return s&mask != 0 }

func (s ThreadState) String() string {
	if s == 0 {
		return "running"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Timeout is a blocking deadline: Forever, NoWait or a finite tick count.
type Timeout struct {
	ticks int64
}

var (
	Forever = Timeout{ticks: -1}
	NoWait  = Timeout{ticks: 0}
)

// Ticks returns a finite timeout. Non-positive counts collapse to NoWait.
func Ticks(n int64) Timeout {
	if n < 0 {
		n = 0
	}
	return Timeout{ticks: n}
}

func (t Timeout) IsForever() bool { return t.ticks < 0 }
func (t Timeout) IsNoWait() bool  { return t.ticks == 0 }

// TickCount returns the finite tick count; Forever reports -1.
func (t Timeout) TickCount() int64 { return t.ticks }

func (t Timeout) String() string {
	switch {
	case t.IsForever():
		return "forever"
	case t.IsNoWait():
		return "no-wait"
	}
	return fmt.Sprintf("%d ticks", t.ticks)
}
