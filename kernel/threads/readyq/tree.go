package readyq

import (
	"github.com/google/btree"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

const treeDegree = 4

// treeKey orders by priority, then by insertion sequence: a tree has no
// native insertion order, so the sequence restores FIFO among equals.
type treeKey struct {
	prio foundation.Priority
	seq  uint64
	h    arena.Handle
}

func lessKey(a, b treeKey) bool {
	if a.prio != b.prio {
		return a.prio.MoreUrgent(b.prio)
	}
	return a.seq < b.seq
}

// Tree is a balanced-tree backend with O(log N) insert and remove.
type Tree struct {
	t      *btree.BTreeG[treeKey]
	keys   []treeKey
	queued []bool
	seq    uint64
}

func NewTree(capacity int) *Tree {
	return &Tree{
		t:      btree.NewWithFreeListG(treeDegree, lessKey, btree.NewFreeListG[treeKey](capacity)),
		keys:   make([]treeKey, capacity),
		queued: make([]bool, capacity),
	}
}

func (q *Tree) Kind() Kind { return KindTree }

func (q *Tree) Add(h arena.Handle, prio foundation.Priority) {
	idx := h.Index()
	foundation.Assert(h.Valid() && idx < len(q.keys), "handle %s outside queue capacity %d", h, len(q.keys))
	foundation.Assert(!q.queued[idx], "%s queued twice", h)

	key := treeKey{prio: prio, seq: q.seq, h: h}
	q.seq++
	q.keys[idx] = key
	q.queued[idx] = true
	if _, replaced := q.t.ReplaceOrInsert(key); replaced {
		foundation.Oops("duplicate tree key for %s", h)
	}
}

func (q *Tree) member(h arena.Handle) (int, bool) {
	idx := h.Index()
	if !h.Valid() || idx >= len(q.keys) {
		return 0, false
	}
	return idx, q.queued[idx] && q.keys[idx].h == h
}

func (q *Tree) Remove(h arena.Handle) bool {
	idx, ok := q.member(h)
	if !ok {
		return false
	}
	if _, found := q.t.Delete(q.keys[idx]); !found {
		foundation.Oops("tree lost %s", h)
	}
	q.queued[idx] = false
	if q.t.Len() == 0 {
		q.seq = 0
	}
	return true
}

func (q *Tree) Best() (arena.Handle, bool) {
	key, ok := q.t.Min()
	if !ok {
		return arena.Invalid, false
	}
	return key.h, true
}

func (q *Tree) Contains(h arena.Handle) bool {
	_, ok := q.member(h)
	return ok
}

func (q *Tree) Len() int { return q.t.Len() }

func (q *Tree) Each(fn func(arena.Handle, foundation.Priority) bool) {
	q.t.Ascend(func(key treeKey) bool {
		return fn(key.h, key.prio)
	})
}
