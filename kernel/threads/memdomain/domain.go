// Package memdomain groups threads into memory domains: bounded sets of
// non-overlapping partitions the MPU enforces while a member thread runs.
package memdomain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
)

// Attr is the access attribute set of a partition.
type Attr uint32

const (
	AttrRead Attr = 1 << iota
	AttrWrite
	AttrExec
	AttrUser
)

// Common attribute combinations.
const (
	AttrReadOnly  = AttrRead | AttrUser
	AttrReadWrite = AttrRead | AttrWrite | AttrUser
	AttrReadExec  = AttrRead | AttrExec | AttrUser
)

func (a Attr) String() string {
	if a == 0 {
		return "none"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit  Attr
		name byte
	}{{AttrRead, 'r'}, {AttrWrite, 'w'}, {AttrExec, 'x'}, {AttrUser, 'u'}} {
		if a&f.bit != 0 {
			b.WriteByte(f.name)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Partition is a contiguous address range with one attribute set.
type Partition struct {
	Start uintptr
	Size  uintptr
	Attr  Attr
}

// End returns the first address past the partition.
func (p Partition) End() uintptr { return p.Start + p.Size }

func (p Partition) String() string {
	return fmt.Sprintf("[%#x,%#x) %s", p.Start, p.End(), p.Attr)
}

// wellFormed rejects empty and wrapping ranges. A range ending exactly at
// the top of the address space is accepted.
func (p Partition) wellFormed() bool {
	return p.Size != 0 && p.Start+(p.Size-1) >= p.Start
}

func (p Partition) overlaps(q Partition) bool {
	return p.Start <= q.Start+(q.Size-1) && q.Start <= p.Start+(p.Size-1)
}

func (p Partition) contains(addr, size uintptr) bool {
	return addr >= p.Start && addr-p.Start < p.Size && size <= p.Size-(addr-p.Start)
}

func (p Partition) region() hal.Region {
	return hal.Region{Start: p.Start, Size: p.Size, Attr: uint32(p.Attr)}
}

// Domain is a named partition table plus its member threads. All fields
// are guarded by the owning Manager's lock.
type Domain struct {
	id      int
	name    string
	slots   []Partition
	used    []bool
	nparts  int
	members map[arena.Handle]struct{}
}

func newDomain(id int, name string, maxParts int) *Domain {
	return &Domain{
		id:      id,
		name:    name,
		slots:   make([]Partition, maxParts),
		used:    make([]bool, maxParts),
		members: make(map[arena.Handle]struct{}),
	}
}

// ID is the domain's slot in its manager; the default domain is 0.
func (d *Domain) ID() int { return d.id }

func (d *Domain) Name() string { return d.name }

func (d *Domain) String() string { return fmt.Sprintf("%s#%d", d.name, d.id) }

func (d *Domain) freeSlot() int {
	for i, used := range d.used {
		if !used {
			return i
		}
	}
	return -1
}

func (d *Domain) find(p Partition) int {
	for i, used := range d.used {
		if used && d.slots[i].Start == p.Start && d.slots[i].Size == p.Size {
			return i
		}
	}
	return -1
}

func (d *Domain) conflict(p Partition) (Partition, bool) {
	for i, used := range d.used {
		if used && d.slots[i].overlaps(p) {
			return d.slots[i], true
		}
	}
	return Partition{}, false
}

func (d *Domain) partitions() []Partition {
	out := make([]Partition, 0, d.nparts)
	for i, used := range d.used {
		if used {
			out = append(out, d.slots[i])
		}
	}
	return out
}

func (d *Domain) threads() []arena.Handle {
	out := make([]arena.Handle, 0, len(d.members))
	for h := range d.members {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
