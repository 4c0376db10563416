package readyq

import (
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// List keeps entries sorted by priority in one intrusive list.
type List struct {
	ns   nodes
	list dlist
	n    int
}

func NewList(capacity int) *List {
	return &List{ns: newNodes(capacity), list: emptyList()}
}

func (q *List) Kind() Kind { return KindList }

func (q *List) Add(h arena.Handle, prio foundation.Priority) {
	i := q.ns.slot(h)
	foundation.Assert(!q.ns[i].queued, "%s queued twice", h)
	q.ns[i].h, q.ns[i].prio, q.ns[i].queued = h, prio, true

	for at := q.list.head; at != nilIdx; at = q.ns[at].next {
		if prio.MoreUrgent(q.ns[at].prio) {
			q.list.insertBefore(q.ns, at, i)
			q.n++
			return
		}
	}
	q.list.pushBack(q.ns, i)
	q.n++
}

func (q *List) Remove(h arena.Handle) bool {
	i, ok := q.ns.member(h)
	if !ok {
		return false
	}
	q.list.unlink(q.ns, i)
	q.ns[i].queued = false
	q.n--
	return true
}

func (q *List) Best() (arena.Handle, bool) {
	if q.list.empty() {
		return arena.Invalid, false
	}
	return q.ns[q.list.head].h, true
}

func (q *List) Contains(h arena.Handle) bool {
	_, ok := q.ns.member(h)
	return ok
}

func (q *List) Len() int { return q.n }

func (q *List) Each(fn func(arena.Handle, foundation.Priority) bool) {
	for at := q.list.head; at != nilIdx; at = q.ns[at].next {
		if !fn(q.ns[at].h, q.ns[at].prio) {
			return
		}
	}
}
