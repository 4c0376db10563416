package hal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
)

func TestSpinLock_ForeignKeyPanics(t *testing.T) {
	var l SpinLock
	k := l.Lock()
	assert.Panics(t, func() { l.Unlock(k + 1) })

	l2 := &SpinLock{}
	k2 := l2.Lock()
	l2.Unlock(k2)
	k3 := l2.Lock()
	assert.NotEqual(t, k2, k3)
	l2.Unlock(k3)
}

func TestHostArch_SwitchHandsOffBaton(t *testing.T) {
	var lock SpinLock
	arch := NewHostArch(&lock, 1)
	a, b := NewContext(), NewContext()

	var trace []string
	done := make(chan struct{})
	go func() {
		b.Park()
		trace = append(trace, "b runs")
		key := lock.Lock()
		arch.Switch(key, b, a)
		trace = append(trace, "b resumed")
		close(done)
	}()

	key := lock.Lock()
	trace = append(trace, "a switches")
	arch.Switch(key, a, b)
	trace = append(trace, "a resumed")

	key = lock.Lock()
	arch.Switch(key, nil, b)
	<-done

	assert.Equal(t, []string{"a switches", "b runs", "a resumed", "b resumed"}, trace)
}

func TestContext_KillUnwindsParkedGoroutine(t *testing.T) {
	c := NewContext()
	exited := make(chan struct{})
	var resumed atomic.Bool
	go func() {
		defer close(exited)
		c.Park()
		resumed.Store(true)
	}()

	c.Kill()
	c.Kill()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("parked goroutine did not unwind")
	}
	assert.False(t, resumed.Load())
	assert.True(t, c.Killed())
}

func TestHostArch_KickWakesIdle(t *testing.T) {
	arch := NewHostArch(&SpinLock{}, 2)
	arch.Kick(1)
	arch.Kick(1)

	woke := make(chan struct{})
	go func() {
		arch.Idle(context.Background(), 1)
		close(woke)
	}()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("pending kick was lost")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	arch.Idle(ctx, 0)
	assert.Panics(t, func() { arch.Kick(2) })
}

func TestHostTicker_MockClock(t *testing.T) {
	mock := clock.NewMock()
	src := NewHostTicker(mock, 1000)
	require.Equal(t, time.Millisecond, src.Period())

	var announced atomic.Int64
	src.OnTick(func(n int64) { announced.Add(n) })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- src.Start(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Millisecond)
		return announced.Load() >= 3
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, src.Read(), uint64(3))

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestRecordingMPU(t *testing.T) {
	m := NewRecordingMPU(4, nil)
	assert.Equal(t, 4, m.MaxPartitions())

	m.PartitionAdded(0, 2, Region{Start: 0x1000, Size: 0x100, Attr: 3})
	m.ThreadAdded(0, arena.Handle(1<<16|5))
	m.PartitionRemoved(0, 2)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, MPUPartitionAdded, calls[0].Op)
	assert.Equal(t, uintptr(0x1000), calls[0].Region.Start)
	assert.Equal(t, "thread_added", calls[1].Op.String())
	assert.Equal(t, 5, calls[1].Thread.Index())

	m.Reset()
	assert.Empty(t, m.Calls())
}
