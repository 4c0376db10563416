package memdomain

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

const (
	DefaultName   = "default"
	maxViolations = 64
	noDomain      = -1
)

// Config bounds a Manager.
type Config struct {
	MaxDomains int
	// MaxPartitions per domain; zero means whatever the MPU reports.
	MaxPartitions int
	Logger        *utils.Logger
}

func DefaultConfig() Config {
	return Config{MaxDomains: 8}
}

// Violation records one rejected access.
type Violation struct {
	Thread arena.Handle
	Domain int
	Addr   uintptr
	Size   uintptr
	Write  bool
	Reason string
}

type Stats struct {
	Domains    int
	Partitions int
	Threads    int
	Violations uint64
}

// ThreadHooks is the scheduler surface the manager attaches to.
type ThreadHooks interface {
	OnThreadCreate(fn func(h, parent arena.Handle))
	OnThreadExit(fn func(h arena.Handle))
	Alive(h arena.Handle) bool
}

// Manager owns every domain and the thread-to-domain mapping. It has its
// own lock; the MPU hook is called with that lock held so it always sees
// a consistent view.
//
// Lock order is scheduler lock, then manager lock. ThreadSwitched runs
// under the scheduler lock and takes the manager lock inside it; no
// manager method calls into the scheduler while holding its own lock.
type Manager struct {
	sched.NopListener

	mu       sync.Mutex
	mpu      hal.MPU
	logger   *utils.Logger
	maxParts int
	alive    func(arena.Handle) bool

	domains  []*Domain
	def      *Domain
	memberOf map[arena.Handle]*Domain
	active   map[foundation.CPUID]int

	violations  []Violation
	nviolations uint64
}

var _ sched.Listener = (*Manager)(nil)

// New creates a manager holding only the empty default domain.
func New(cfg Config, mpu hal.MPU) (*Manager, error) {
	if mpu == nil {
		return nil, fmt.Errorf("%w: nil mpu", foundation.ErrInvalidArgument)
	}
	maxParts := cfg.MaxPartitions
	if maxParts == 0 {
		maxParts = mpu.MaxPartitions()
	}
	var errs error
	if cfg.MaxDomains < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: max_domains=%d", foundation.ErrInvalidArgument, cfg.MaxDomains))
	}
	if maxParts < 1 || maxParts > mpu.MaxPartitions() {
		errs = multierr.Append(errs, fmt.Errorf("%w: max_partitions=%d, mpu supports %d",
			foundation.ErrInvalidArgument, maxParts, mpu.MaxPartitions()))
	}
	if errs != nil {
		return nil, errs
	}

	logger := cfg.Logger
	if logger == nil {
		logger = utils.NopLogger()
	}
	m := &Manager{
		mpu:      mpu,
		logger:   logger.Named("memdomain"),
		maxParts: maxParts,
		domains:  make([]*Domain, cfg.MaxDomains),
		memberOf: make(map[arena.Handle]*Domain),
		active:   make(map[foundation.CPUID]int),
	}
	m.def = newDomain(0, DefaultName, maxParts)
	m.domains[0] = m.def
	return m, nil
}

// Attach wires thread creation and exit to the manager. Once attached,
// AddThread refuses threads the scheduler no longer runs.
func (m *Manager) Attach(hooks ThreadHooks) {
	m.mu.Lock()
	m.alive = hooks.Alive
	m.mu.Unlock()
	hooks.OnThreadCreate(m.ThreadCreated)
	hooks.OnThreadExit(m.ThreadExited)
}

// liveCheck reports whether h may join a domain. It must be called without
// m.mu held.
func (m *Manager) liveCheck(h arena.Handle) error {
	m.mu.Lock()
	alive := m.alive
	m.mu.Unlock()
	if alive != nil && !alive(h) {
		return fmt.Errorf("%w: thread %s has exited", foundation.ErrNotFound, h)
	}
	return nil
}

// Default returns the domain new threads without a parent join.
func (m *Manager) Default() *Domain { return m.def }

// MaxPartitions is the per-domain partition capacity.
func (m *Manager) MaxPartitions() int { return m.maxParts }

// NewDomain creates a domain holding parts. Every invalid or overlapping
// partition is reported; nothing is created unless all are acceptable.
func (m *Manager) NewDomain(name string, parts ...Partition) (*Domain, error) {
	var errs error
	if len(parts) > m.maxParts {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d partitions, capacity %d",
			foundation.ErrOutOfSlots, len(parts), m.maxParts))
	}
	for i, p := range parts {
		if !p.wellFormed() {
			errs = multierr.Append(errs, fmt.Errorf("%w: partition %d %s is empty or wraps",
				foundation.ErrInvalidPartition, i, p))
			continue
		}
		for j := 0; j < i; j++ {
			if parts[j].wellFormed() && parts[j].overlaps(p) {
				errs = multierr.Append(errs, fmt.Errorf("%w: partition %d %s overlaps partition %d %s",
					foundation.ErrInvalidPartition, i, p, j, parts[j]))
			}
		}
	}
	if errs != nil {
		return nil, errs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := -1
	for i, d := range m.domains {
		if d == nil {
			id = i
			break
		}
	}
	if id < 0 {
		return nil, fmt.Errorf("%w: all %d domains in use", foundation.ErrOutOfSlots, len(m.domains))
	}

	d := newDomain(id, name, m.maxParts)
	m.domains[id] = d
	for _, p := range parts {
		m.installLocked(d, d.freeSlot(), p)
	}
	m.logger.Debug("domain created",
		utils.String("name", name),
		utils.Int("id", id),
		utils.Int("partitions", len(parts)))
	return d, nil
}

// Domains lists live domains by id.
func (m *Manager) Domains() []*Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

func (m *Manager) ownsLocked(d *Domain) error {
	if d == nil || d.id < 0 || d.id >= len(m.domains) || m.domains[d.id] != d {
		return fmt.Errorf("%w: unknown domain", foundation.ErrInvalidArgument)
	}
	return nil
}

func (m *Manager) installLocked(d *Domain, slot int, p Partition) {
	d.slots[slot] = p
	d.used[slot] = true
	d.nparts++
	m.mpu.PartitionAdded(d.id, slot, p.region())
	m.logger.Debug("partition added",
		utils.Stringer("domain", d),
		utils.Int("slot", slot),
		utils.Stringer("partition", p))
}

// AddPartition places p in the first free slot of d.
func (m *Manager) AddPartition(d *Domain, p Partition) error {
	if !p.wellFormed() {
		return fmt.Errorf("%w: %s is empty or wraps", foundation.ErrInvalidPartition, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ownsLocked(d); err != nil {
		return err
	}
	if other, ok := d.conflict(p); ok {
		return fmt.Errorf("%w: %s overlaps %s in %s", foundation.ErrInvalidPartition, p, other, d)
	}
	slot := d.freeSlot()
	if slot < 0 {
		return fmt.Errorf("%w: %s holds %d partitions", foundation.ErrOutOfSlots, d, d.nparts)
	}
	m.installLocked(d, slot, p)
	return nil
}

// RemovePartition frees the slot whose start and size equal p's.
func (m *Manager) RemovePartition(d *Domain, p Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ownsLocked(d); err != nil {
		return err
	}
	slot := d.find(p)
	if slot < 0 {
		return fmt.Errorf("%w: no partition at %#x size %#x in %s", foundation.ErrNotFound, p.Start, p.Size, d)
	}
	d.slots[slot] = Partition{}
	d.used[slot] = false
	d.nparts--
	m.mpu.PartitionRemoved(d.id, slot)
	m.logger.Debug("partition removed", utils.Stringer("domain", d), utils.Int("slot", slot))
	return nil
}

// Partitions snapshots d's partitions in slot order.
func (m *Manager) Partitions(d *Domain) ([]Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ownsLocked(d); err != nil {
		return nil, err
	}
	return d.partitions(), nil
}

// Threads lists d's members in handle order.
func (m *Manager) Threads(d *Domain) ([]arena.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ownsLocked(d); err != nil {
		return nil, err
	}
	return d.threads(), nil
}

func (m *Manager) detachLocked(h arena.Handle) *Domain {
	old, ok := m.memberOf[h]
	if !ok {
		return nil
	}
	delete(old.members, h)
	delete(m.memberOf, h)
	m.mpu.ThreadRemoved(old.id, h)
	return old
}

func (m *Manager) attachLocked(d *Domain, h arena.Handle) {
	d.members[h] = struct{}{}
	m.memberOf[h] = d
	m.mpu.ThreadAdded(d.id, h)
}

// AddThread moves h into d, leaving its previous domain in the same
// critical section. Once attached to a scheduler, a thread that has exited
// or is exiting is rejected with ErrNotFound.
func (m *Manager) AddThread(d *Domain, h arena.Handle) error {
	if !h.Valid() {
		return fmt.Errorf("%w: invalid thread handle", foundation.ErrInvalidArgument)
	}
	if err := m.liveCheck(h); err != nil {
		return err
	}
	if err := m.addThread(d, h); err != nil {
		return err
	}
	// The thread may have started exiting after the first check, with its
	// exit hook already run. Undo the membership in that case.
	if err := m.liveCheck(h); err != nil {
		m.mu.Lock()
		m.detachLocked(h)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) addThread(d *Domain, h arena.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ownsLocked(d); err != nil {
		return err
	}
	if m.memberOf[h] == d {
		return nil
	}
	old := m.detachLocked(h)
	m.attachLocked(d, h)

	fields := []utils.Field{utils.Stringer("thread", h), utils.Stringer("domain", d)}
	if old != nil {
		fields = append(fields, utils.Stringer("from", old))
	}
	m.logger.Debug("thread added", fields...)
	return nil
}

// RemoveThread detaches h from its domain; it then belongs to none.
func (m *Manager) RemoveThread(h arena.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.detachLocked(h)
	if old == nil {
		return fmt.Errorf("%w: thread %s is in no domain", foundation.ErrNotFound, h)
	}
	m.logger.Debug("thread removed", utils.Stringer("thread", h), utils.Stringer("domain", old))
	return nil
}

// DomainOf returns the domain h belongs to.
func (m *Manager) DomainOf(h arena.Handle) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.memberOf[h]
	if !ok {
		return nil, fmt.Errorf("%w: thread %s is in no domain", foundation.ErrNotFound, h)
	}
	return d, nil
}

// ThreadCreated places h in its parent's domain, or the default domain
// when the parent has none.
func (m *Manager) ThreadCreated(h, parent arena.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.memberOf[parent]
	if !parent.Valid() || !ok {
		d = m.def
	}
	m.detachLocked(h)
	m.attachLocked(d, h)
}

// ThreadExited drops h from its domain, if any.
func (m *Manager) ThreadExited(h arena.Handle) {
	m.mu.Lock()
	m.detachLocked(h)
	m.mu.Unlock()
}

// ThreadSwitched activates the incoming thread's partition set when it
// differs from what cpu last ran with.
func (m *Manager) ThreadSwitched(cpu foundation.CPUID, _, to arena.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := noDomain
	if d, ok := m.memberOf[to]; ok {
		id = d.id
	}
	if prev, seen := m.active[cpu]; seen && prev == id {
		return
	}
	m.active[cpu] = id
	m.mpu.Activate(cpu, id)
}

// Check reports whether h may access [addr, addr+size): the range must lie
// inside one partition of h's domain whose attributes allow the access.
// Rejected accesses are kept in a bounded violation log.
func (m *Manager) Check(h arena.Handle, addr, size uintptr, write bool) error {
	if size == 0 || addr+(size-1) < addr {
		return fmt.Errorf("%w: access at %#x size %#x", foundation.ErrInvalidArgument, addr, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.memberOf[h]
	if !ok {
		return fmt.Errorf("%w: thread %s is in no domain", foundation.ErrNotFound, h)
	}

	need, verb := AttrRead, "read"
	if write {
		need, verb = AttrWrite, "write"
	}
	for i, used := range d.used {
		p := d.slots[i]
		if !used || !p.contains(addr, size) {
			continue
		}
		if p.Attr&need == 0 {
			return m.violationLocked(h, d, addr, size, write,
				fmt.Sprintf("%s denied by %s", verb, p))
		}
		return nil
	}
	return m.violationLocked(h, d, addr, size, write,
		fmt.Sprintf("%s at %#x size %#x outside %s", verb, addr, size, d))
}

func (m *Manager) violationLocked(h arena.Handle, d *Domain, addr, size uintptr, write bool, reason string) error {
	v := Violation{Thread: h, Domain: d.id, Addr: addr, Size: size, Write: write, Reason: reason}
	if len(m.violations) == maxViolations {
		copy(m.violations, m.violations[1:])
		m.violations = m.violations[:maxViolations-1]
	}
	m.violations = append(m.violations, v)
	m.nviolations++
	m.logger.Warn("memory access violation",
		utils.Stringer("thread", h),
		utils.Stringer("domain", d),
		utils.String("reason", reason))
	return fmt.Errorf("%w: %s", foundation.ErrPermissionDenied, reason)
}

// Violations returns the most recent rejected accesses, oldest first.
func (m *Manager) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

func (m *Manager) ClearViolations() {
	m.mu.Lock()
	m.violations = m.violations[:0]
	m.mu.Unlock()
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Threads: len(m.memberOf), Violations: m.nviolations}
	for _, d := range m.domains {
		if d != nil {
			st.Domains++
			st.Partitions += d.nparts
		}
	}
	return st
}
