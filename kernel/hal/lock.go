package hal

import (
	"sync"

	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
)

// Key is the opaque state returned by IRQLock.Lock and handed back to Unlock.
type Key uint32

// IRQLock gives the holder exclusive access to scheduling state. On target
// hardware it masks interrupts and, on SMP, spins on a shared word. It is not
// reentrant.
type IRQLock interface {
	Lock() Key
	Unlock(Key)
}

// SpinLock is the host IRQLock. Goroutines stand in for both CPUs and
// interrupt handlers, so mutual exclusion is all that is needed.
type SpinLock struct {
	mu    sync.Mutex
	epoch Key
	held  bool
}

var _ IRQLock = (*SpinLock)(nil)

func (l *SpinLock) Lock() Key {
	l.mu.Lock()
	l.epoch++
	l.held = true
	return l.epoch
}

func (l *SpinLock) Unlock(k Key) {
	foundation.Assert(l.held && k == l.epoch, "irq unlock with foreign key %d (epoch %d)", k, l.epoch)
	l.held = false
	l.mu.Unlock()
}
