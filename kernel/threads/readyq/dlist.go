package readyq

import (
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

const nilIdx int32 = -1

// node is indexed by handle index; links are indices, never pointers.
type node struct {
	h          arena.Handle
	prio       foundation.Priority
	prev, next int32
	queued     bool
}

type nodes []node

func newNodes(capacity int) nodes {
	ns := make(nodes, capacity)
	for i := range ns {
		ns[i].prev, ns[i].next = nilIdx, nilIdx
	}
	return ns
}

// slot returns the node for h, panicking on an index the queue was not sized for.
func (ns nodes) slot(h arena.Handle) int32 {
	idx := h.Index()
	foundation.Assert(h.Valid() && idx < len(ns), "handle %s outside queue capacity %d", h, len(ns))
	return int32(idx)
}

func (ns nodes) member(h arena.Handle) (int32, bool) {
	if !h.Valid() || h.Index() >= len(ns) {
		return nilIdx, false
	}
	i := int32(h.Index())
	return i, ns[i].queued && ns[i].h == h
}

// dlist is an intrusive doubly linked list over a nodes table.
type dlist struct {
	head, tail int32
}

func emptyList() dlist { return dlist{head: nilIdx, tail: nilIdx} }

func (l *dlist) empty() bool { return l.head == nilIdx }

func (l *dlist) pushBack(ns nodes, i int32) {
	ns[i].prev, ns[i].next = l.tail, nilIdx
	if l.tail != nilIdx {
		ns[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
}

// insertBefore links i in front of at.
func (l *dlist) insertBefore(ns nodes, at, i int32) {
	prev := ns[at].prev
	ns[i].prev, ns[i].next = prev, at
	ns[at].prev = i
	if prev != nilIdx {
		ns[prev].next = i
	} else {
		l.head = i
	}
}

func (l *dlist) unlink(ns nodes, i int32) {
	n := &ns[i]
	if n.prev != nilIdx {
		ns[n.prev].next = n.next
	} else {
		foundation.Assert(l.head == i, "corrupt queue links at %d", i)
		l.head = n.next
	}
	if n.next != nilIdx {
		ns[n.next].prev = n.prev
	} else {
		foundation.Assert(l.tail == i, "corrupt queue links at %d", i)
		l.tail = n.prev
	}
	n.prev, n.next = nilIdx, nilIdx
}
