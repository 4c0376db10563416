package readyq

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// MultiQ keeps one FIFO per priority level and a bitmap of non-empty
// levels, giving O(1) insert, remove and best over a bounded priority range.
type MultiQ struct {
	bands  foundation.Bands
	levels []dlist
	busy   *bitset.BitSet
	ns     nodes
	n      int
}

func NewMultiQ(capacity int, bands foundation.Bands) *MultiQ {
	levels := make([]dlist, bands.Levels())
	for i := range levels {
		levels[i] = emptyList()
	}
	return &MultiQ{
		bands:  bands,
		levels: levels,
		busy:   bitset.New(uint(len(levels))),
		ns:     newNodes(capacity),
	}
}

func (q *MultiQ) Kind() Kind { return KindMultiQ }

func (q *MultiQ) level(prio foundation.Priority) int {
	lvl := q.bands.Level(prio)
	foundation.Assert(lvl >= 0 && lvl < len(q.levels), "priority %d outside configured bands", prio)
	return lvl
}

func (q *MultiQ) Add(h arena.Handle, prio foundation.Priority) {
	i := q.ns.slot(h)
	foundation.Assert(!q.ns[i].queued, "%s queued twice", h)
	lvl := q.level(prio)

	q.ns[i].h, q.ns[i].prio, q.ns[i].queued = h, prio, true
	q.levels[lvl].pushBack(q.ns, i)
	q.busy.Set(uint(lvl))
	q.n++
}

func (q *MultiQ) Remove(h arena.Handle) bool {
	i, ok := q.ns.member(h)
	if !ok {
		return false
	}
	lvl := q.level(q.ns[i].prio)
	q.levels[lvl].unlink(q.ns, i)
	q.ns[i].queued = false
	if q.levels[lvl].empty() {
		q.busy.Clear(uint(lvl))
	}
	q.n--
	return true
}

func (q *MultiQ) Best() (arena.Handle, bool) {
	lvl, ok := q.busy.NextSet(0)
	if !ok {
		return arena.Invalid, false
	}
	return q.ns[q.levels[lvl].head].h, true
}

func (q *MultiQ) Contains(h arena.Handle) bool {
	_, ok := q.ns.member(h)
	return ok
}

func (q *MultiQ) Len() int { return q.n }

func (q *MultiQ) Each(fn func(arena.Handle, foundation.Priority) bool) {
	for lvl, ok := q.busy.NextSet(0); ok; lvl, ok = q.busy.NextSet(lvl + 1) {
		for at := q.levels[lvl].head; at != nilIdx; at = q.ns[at].next {
			if !fn(q.ns[at].h, q.ns[at].prio) {
				return
			}
		}
	}
}
