package hal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// TickSource is the monotonic tick counter and its interrupt.
type TickSource interface {
	Read() uint64
	// OnTick registers an announce handler; handlers run on the tick
	// interrupt, one call per elapsed batch of ticks.
	OnTick(fn func(ticks int64))
	Start(ctx context.Context) error
}

// HostTicker derives ticks from a clock.Clock ticker so tests can drive it
// with clock.NewMock.
type HostTicker struct {
	clock  clock.Clock
	period time.Duration

	mu       sync.Mutex
	handlers []func(int64)
	count    atomic.Uint64
}

var _ TickSource = (*HostTicker)(nil)

// NewHostTicker ticks at hz using clk, or the wall clock when clk is nil.
func NewHostTicker(clk clock.Clock, hz int) *HostTicker {
	if clk == nil {
		clk = clock.New()
	}
	if hz <= 0 {
		hz = 100
	}
	return &HostTicker{clock: clk, period: time.Second / time.Duration(hz)}
}

func (t *HostTicker) Period() time.Duration { return t.period }

func (t *HostTicker) Read() uint64 { return t.count.Load() }

func (t *HostTicker) OnTick(fn func(int64)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

// Start runs the tick interrupt until ctx ends.
func (t *HostTicker) Start(ctx context.Context) error {
	ticker := t.clock.Ticker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.fire(1)
		}
	}
}

func (t *HostTicker) fire(n int64) {
	t.count.Add(uint64(n))
	t.mu.Lock()
	handlers := t.handlers
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(n)
	}
}
