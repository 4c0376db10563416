// Package readyq implements the priority-ordered thread containers used for
// the run queue and for every wait queue. All backends store arena handles,
// keep FIFO order among equal priorities and produce the same pop order.
package readyq

import (
	"fmt"
	"strings"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// Queue is the contract shared by every backend. Callers hold the scheduler
// lock; no backend synchronizes on its own.
type Queue interface {
	// Add inserts h behind every queued entry of equal priority.
	Add(h arena.Handle, prio foundation.Priority)
	// Remove unlinks h and reports whether it was queued.
	Remove(h arena.Handle) bool
	// Best returns the most urgent, earliest inserted entry.
	Best() (arena.Handle, bool)
	Contains(h arena.Handle) bool
	Len() int
	// Each visits entries in dispatch order until fn returns false.
	Each(fn func(h arena.Handle, prio foundation.Priority) bool)
	Kind() Kind
}

// Kind selects a backend.
type Kind uint8

const (
	// KindList is a sorted list: O(N) insert, O(1) best. Small thread counts.
	KindList Kind = iota
	// KindTree is a balanced tree keyed by (priority, insertion order).
	KindTree
	// KindMultiQ is one FIFO per priority level plus a bitmap of busy levels.
	KindMultiQ
)

var kindNames = [...]string{
	KindList:   "list",
	KindTree:   "tree",
	KindMultiQ: "multiq",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind accepts the names printed by String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return KindList, fmt.Errorf("%w: unknown queue backend %q", foundation.ErrInvalidArgument, s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// New builds a backend able to hold handles with index < capacity.
func New(kind Kind, capacity int, bands foundation.Bands) Queue {
	switch kind {
	case KindTree:
		return NewTree(capacity)
	case KindMultiQ:
		return NewMultiQ(capacity, bands)
	default:
		return NewList(capacity)
	}
}

var (
	_ Queue = (*List)(nil)
	_ Queue = (*Tree)(nil)
	_ Queue = (*MultiQ)(nil)
)

// Pop removes and returns the best entry.
func Pop(q Queue) (arena.Handle, bool) {
	h, ok := q.Best()
	if ok {
		q.Remove(h)
	}
	return h, ok
}
