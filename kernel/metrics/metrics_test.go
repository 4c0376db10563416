package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/memdomain"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

func TestCollector_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, 2)
	require.NoError(t, err)

	c.ThreadSwitched(0, arena.Invalid, arena.Invalid)
	c.ThreadSwitched(1, arena.Invalid, arena.Invalid)
	c.ThreadSwitched(1, arena.Invalid, arena.Invalid)
	c.ThreadReadied(arena.Invalid, 3)
	c.ThreadPended(arena.Invalid)
	c.ThreadTimedOut(arena.Invalid)
	c.PriorityChanged(arena.Invalid, 5, 1)
	c.PriorityChanged(arena.Invalid, 1, 5)
	c.PriorityChanged(arena.Invalid, 2, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.switches.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.switches.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.readies))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pends))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.priorityChanges.WithLabelValues("raised")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.priorityChanges.WithLabelValues("lowered")))
}

func TestCollector_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, 1)
	require.NoError(t, err)
	_, err = New(reg, 1)
	assert.Error(t, err)
}

func TestCollector_WiredToScheduler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, 1)
	require.NoError(t, err)

	mpu := hal.NewRecordingMPU(4, nil)
	m, err := memdomain.New(memdomain.DefaultConfig(), mpu)
	require.NoError(t, err)
	_, err = m.NewDomain("app", memdomain.Partition{Start: 0x1000, Size: 0x100, Attr: memdomain.AttrReadOnly})
	require.NoError(t, err)

	cfg := sched.DefaultConfig()
	cfg.Listener = sched.Listeners{c, m}
	s, err := sched.New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	m.Attach(s)
	require.NoError(t, c.WatchScheduler(s))
	require.NoError(t, c.WatchDomains(m))

	for _, prio := range []foundation.Priority{3, 1} {
		_, err := s.Spawn(sched.ThreadSpec{Name: "w", Priority: prio, Entry: func(*sched.ThreadContext) {}})
		require.NoError(t, err)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(c.readies))

	require.NoError(t, s.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
	s.Announce(3)

	assert.GreaterOrEqual(t, testutil.ToFloat64(c.switches.WithLabelValues("0")), 3.0)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 0.0, values["rtcore_sched_threads"])
	assert.Equal(t, 3.0, values["rtcore_sched_uptime_ticks"])
	assert.Equal(t, 2.0, values["rtcore_memdomain_domains"])
	assert.Equal(t, 1.0, values["rtcore_memdomain_partitions"])
	assert.Equal(t, 0.0, values["rtcore_memdomain_threads"])
}
