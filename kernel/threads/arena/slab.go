// Package arena holds kernel objects in a fixed-capacity slab addressed by
// generation-checked handles, so queues never keep raw pointers and a handle
// that outlives its object is detected instead of silently reused.
package arena

import (
	"fmt"

	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// MaxCapacity is bounded by the 16-bit index packed into a Handle.
const MaxCapacity = 1<<16 - 1

// Handle is index (low 16 bits) plus generation (high 16 bits).
// The zero Handle is never issued.
type Handle uint32

// Invalid is the zero handle.
const Invalid Handle = 0

func makeHandle(idx int, gen uint16) Handle {
	return Handle(uint32(gen)<<16 | uint32(idx))
}

// Index returns the slot index; valid for sizing side tables.
func (h Handle) Index() int { return int(uint16(h)) }

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint16 { return uint16(h >> 16) }

func (h Handle) Valid() bool { return h != Invalid }

func (h Handle) String() string {
	if h == Invalid {
		return "#nil"
	}
	return fmt.Sprintf("#%d.%d", h.Index(), h.Generation())
}

type slot[T any] struct {
	gen      uint16
	used     bool
	nextFree int32
	val      T
}

// Table is a fixed-capacity slab of T. It is not safe for concurrent use;
// callers hold the lock that guards the objects themselves.
type Table[T any] struct {
	slots    []slot[T]
	freeHead int32
	inUse    int

	// Statistics
	allocs uint64
	frees  uint64
	stale  uint64
}

// Stats reports slab usage.
type Stats struct {
	Capacity     int
	InUse        int
	Allocs       uint64
	Frees        uint64
	StaleLookups uint64
}

// New preallocates capacity slots.
func New[T any](capacity int) *Table[T] {
	foundation.Assert(capacity > 0 && capacity <= MaxCapacity, "arena capacity %d out of range", capacity)

	t := &Table[T]{slots: make([]slot[T], capacity)}
	for i := range t.slots {
		t.slots[i].gen = 1
		t.slots[i].nextFree = int32(i + 1)
	}
	t.slots[capacity-1].nextFree = -1
	return t
}

// Alloc takes a zeroed slot.
func (t *Table[T]) Alloc() (Handle, *T, error) {
	if t.freeHead < 0 {
		return Invalid, nil, fmt.Errorf("%w: arena full (%d)", foundation.ErrOutOfSlots, len(t.slots))
	}
	idx := int(t.freeHead)
	s := &t.slots[idx]
	t.freeHead = s.nextFree
	s.used = true
	s.nextFree = -1
	var zero T
	s.val = zero
	t.inUse++
	t.allocs++
	return makeHandle(idx, s.gen), &s.val, nil
}

// Get resolves h, failing with ErrStaleHandle if the slot was freed or reused.
func (t *Table[T]) Get(h Handle) (*T, error) {
	if v := t.Lookup(h); v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", foundation.ErrStaleHandle, h)
}

// Lookup is Get without the error; nil means stale.
func (t *Table[T]) Lookup(h Handle) *T {
	idx := h.Index()
	if h == Invalid || idx >= len(t.slots) {
		t.stale++
		return nil
	}
	s := &t.slots[idx]
	if !s.used || s.gen != h.Generation() {
		t.stale++
		return nil
	}
	return &s.val
}

// MustGet resolves a handle the caller knows to be live.
func (t *Table[T]) MustGet(h Handle) *T {
	v := t.Lookup(h)
	if v == nil {
		foundation.Oops("dangling handle %s", h)
	}
	return v
}

// Free releases h and bumps the slot generation so older handles go stale.
func (t *Table[T]) Free(h Handle) error {
	if t.Lookup(h) == nil {
		return fmt.Errorf("%w: double free of %s", foundation.ErrStaleHandle, h)
	}
	idx := h.Index()
	s := &t.slots[idx]
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.nextFree = t.freeHead
	t.freeHead = int32(idx)
	t.inUse--
	t.frees++
	return nil
}

// Each visits live objects in slot order until fn returns false.
func (t *Table[T]) Each(fn func(Handle, *T) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeHandle(i, s.gen), &s.val) {
			return
		}
	}
}

func (t *Table[T]) Len() int { return t.inUse }
func (t *Table[T]) Cap() int { return len(t.slots) }

func (t *Table[T]) GetStats() Stats {
	return Stats{
		Capacity:     len(t.slots),
		InUse:        t.inUse,
		Allocs:       t.allocs,
		Frees:        t.frees,
		StaleLookups: t.stale,
	}
}
