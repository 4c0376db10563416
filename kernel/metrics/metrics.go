// Package metrics exports scheduler and memory domain activity to
// prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/memdomain"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

const namespace = "rtcore"

// Collector counts scheduling events. It is a sched.Listener; install it
// in the scheduler configuration before calling sched.New.
type Collector struct {
	reg prometheus.Registerer

	switches        *prometheus.CounterVec
	readies         prometheus.Counter
	pends           prometheus.Counter
	timeouts        prometheus.Counter
	priorityChanges *prometheus.CounterVec
	cpuLabels       []string
}

var _ sched.Listener = (*Collector)(nil)

// New registers the event counters on reg.
func New(reg prometheus.Registerer, cpus int) (*Collector, error) {
	c := &Collector{
		reg: reg,
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "context_switches_total",
			Help:      "Context switches performed, by CPU.",
		}, []string{"cpu"}),
		readies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "ready_insertions_total",
			Help:      "Threads inserted into the ready queue.",
		}),
		pends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "pends_total",
			Help:      "Threads that blocked on a wait queue.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "timeouts_total",
			Help:      "Thread timeouts that expired.",
		}),
		priorityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "priority_changes_total",
			Help:      "Thread priority changes, by direction.",
		}, []string{"direction"}),
		cpuLabels: make([]string, cpus),
	}
	for i := range c.cpuLabels {
		c.cpuLabels[i] = strconv.Itoa(i)
	}

	for _, col := range []prometheus.Collector{c.switches, c.readies, c.pends, c.timeouts, c.priorityChanges} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) cpuLabel(cpu foundation.CPUID) string {
	if int(cpu) < len(c.cpuLabels) {
		return c.cpuLabels[cpu]
	}
	return strconv.Itoa(int(cpu))
}

func (c *Collector) ThreadSwitched(cpu foundation.CPUID, _, _ arena.Handle) {
	c.switches.WithLabelValues(c.cpuLabel(cpu)).Inc()
}

func (c *Collector) ThreadReadied(arena.Handle, foundation.Priority) { c.readies.Inc() }

func (c *Collector) ThreadPended(arena.Handle) { c.pends.Inc() }

func (c *Collector) ThreadTimedOut(arena.Handle) { c.timeouts.Inc() }

func (c *Collector) PriorityChanged(_ arena.Handle, from, to foundation.Priority) {
	dir := "lowered"
	if to.MoreUrgent(from) {
		dir = "raised"
	}
	c.priorityChanges.WithLabelValues(dir).Inc()
}

// WatchScheduler exports gauges read from s on every scrape.
func (c *Collector) WatchScheduler(s *sched.Scheduler) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sched", Name: "threads",
			Help: "Live application threads.",
		}, func() float64 { return float64(s.GetStats().Threads) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sched", Name: "ready_threads",
			Help: "Threads waiting in the ready queue.",
		}, func() float64 { return float64(s.GetStats().Ready) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched", Name: "uptime_ticks",
			Help: "Ticks announced since boot.",
		}, func() float64 { return float64(s.GetStats().Uptime) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sched", Name: "slice_expiries_total",
			Help: "Time slices that ran out.",
		}, func() float64 { return float64(s.GetStats().SliceExpiries) }),
	}
	return c.registerAll(gauges)
}

// WatchDomains exports memory domain occupancy read from m on every scrape.
func (c *Collector) WatchDomains(m *memdomain.Manager) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memdomain", Name: "domains",
			Help: "Memory domains in use.",
		}, func() float64 { return float64(m.GetStats().Domains) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memdomain", Name: "partitions",
			Help: "Partitions programmed across all domains.",
		}, func() float64 { return float64(m.GetStats().Partitions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memdomain", Name: "threads",
			Help: "Threads that belong to a domain.",
		}, func() float64 { return float64(m.GetStats().Threads) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "memdomain", Name: "violations_total",
			Help: "Rejected memory accesses.",
		}, func() float64 { return float64(m.GetStats().Violations) }),
	}
	return c.registerAll(gauges)
}

func (c *Collector) registerAll(cols []prometheus.Collector) error {
	for _, col := range cols {
		if err := c.reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
