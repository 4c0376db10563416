package hal

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// Region is one programmed partition as the MPU sees it.
type Region struct {
	Start uintptr
	Size  uintptr
	Attr  uint32
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x,+%#x) attr=%#x", r.Start, r.Size, r.Attr)
}

// MPU is the platform hook reprogrammed on every domain change. Calls are
// made with the domain lock held and must not block.
type MPU interface {
	MaxPartitions() int
	PartitionAdded(domain int, slot int, r Region)
	PartitionRemoved(domain int, slot int)
	ThreadAdded(domain int, thread arena.Handle)
	ThreadRemoved(domain int, thread arena.Handle)
	// Activate selects the partition set of domain on cpu; domain is -1
	// when the incoming thread belongs to no domain.
	Activate(cpu foundation.CPUID, domain int)
}

// MPUOp names a hook invocation.
type MPUOp uint8

const (
	MPUPartitionAdded MPUOp = iota + 1
	MPUPartitionRemoved
	MPUThreadAdded
	MPUThreadRemoved
	MPUActivate
)

func (op MPUOp) String() string {
	switch op {
	case MPUPartitionAdded:
		return "partition_added"
	case MPUPartitionRemoved:
		return "partition_removed"
	case MPUThreadAdded:
		return "thread_added"
	case MPUThreadRemoved:
		return "thread_removed"
	case MPUActivate:
		return "activate"
	}
	return "unknown"
}

// MPUCall records one hook invocation.
type MPUCall struct {
	Op     MPUOp
	Domain int
	Slot   int
	Region Region
	Thread arena.Handle
	CPU    foundation.CPUID
}

// RecordingMPU is the host MPU: it logs and keeps every programming call.
type RecordingMPU struct {
	max    int
	logger *utils.Logger

	mu    sync.Mutex
	calls []MPUCall
}

var _ MPU = (*RecordingMPU)(nil)

func NewRecordingMPU(maxPartitions int, logger *utils.Logger) *RecordingMPU {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &RecordingMPU{max: maxPartitions, logger: logger.Named("mpu")}
}

func (m *RecordingMPU) MaxPartitions() int { return m.max }

func (m *RecordingMPU) record(c MPUCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
	m.logger.Debug("mpu program",
		utils.Stringer("op", c.Op),
		utils.Int("domain", c.Domain),
		utils.Int("slot", c.Slot),
		utils.Stringer("region", c.Region),
		utils.Stringer("thread", c.Thread))
}

func (m *RecordingMPU) PartitionAdded(domain, slot int, r Region) {
	m.record(MPUCall{Op: MPUPartitionAdded, Domain: domain, Slot: slot, Region: r})
}

func (m *RecordingMPU) PartitionRemoved(domain, slot int) {
	m.record(MPUCall{Op: MPUPartitionRemoved, Domain: domain, Slot: slot})
}

func (m *RecordingMPU) ThreadAdded(domain int, thread arena.Handle) {
	m.record(MPUCall{Op: MPUThreadAdded, Domain: domain, Slot: -1, Thread: thread})
}

func (m *RecordingMPU) ThreadRemoved(domain int, thread arena.Handle) {
	m.record(MPUCall{Op: MPUThreadRemoved, Domain: domain, Slot: -1, Thread: thread})
}

func (m *RecordingMPU) Activate(cpu foundation.CPUID, domain int) {
	m.record(MPUCall{Op: MPUActivate, Domain: domain, Slot: -1, CPU: cpu})
}

// Calls returns a copy of the recorded history.
func (m *RecordingMPU) Calls() []MPUCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MPUCall(nil), m.calls...)
}

func (m *RecordingMPU) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}
