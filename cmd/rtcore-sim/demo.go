package main

import (
	"sync/atomic"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/threads/arena"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/memdomain"
	"github.com/nmxmxh/rtcore/kernel/threads/mutex"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

// Priorities of the inversion scenario.
const (
	prioSupervisor foundation.Priority = 0
	prioHigh       foundation.Priority = 1
	prioMedium     foundation.Priority = 5
	prioLow        foundation.Priority = 10

	holdTicks  = 3
	spinTicks  = 2
	roundPause = 10
)

// demo replays a classic priority inversion each round: low takes the
// shared lock, medium starts spinning, high blocks on the lock. With
// inheritance low finishes its critical section before medium runs.
type demo struct {
	s      *sched.Scheduler
	dm     *memdomain.Manager
	app    *memdomain.Domain
	shared memdomain.Partition
	lock   *mutex.Mutex
	logger *utils.Logger

	rounds    atomic.Uint64
	inversion atomic.Uint64
}

func newDemo(s *sched.Scheduler, dm *memdomain.Manager, opts mutex.Options, logger *utils.Logger) (*demo, error) {
	shared := memdomain.Partition{Start: 0x2000_0000, Size: 0x1000, Attr: memdomain.AttrReadWrite}
	stack := memdomain.Partition{Start: 0x2000_1000, Size: 0x4000, Attr: memdomain.AttrReadWrite}
	app, err := dm.NewDomain("app", shared, stack)
	if err != nil {
		return nil, utils.WrapError(err, "create app domain")
	}
	return &demo{
		s:      s,
		dm:     dm,
		app:    app,
		shared: shared,
		lock:   mutex.New(s, opts),
		logger: logger.Named("demo"),
	}, nil
}

// start spawns the supervisor inside the app domain; every worker it
// spawns inherits that domain.
func (d *demo) start() error {
	h, err := d.s.Spawn(sched.ThreadSpec{
		Name:     "supervisor",
		Priority: prioSupervisor,
		Entry:    d.supervise,
		Delay:    foundation.Forever,
	})
	if err != nil {
		return err
	}
	if err := d.dm.AddThread(d.app, h); err != nil {
		return err
	}
	return d.s.StartThread(h)
}

func (d *demo) supervise(tc *sched.ThreadContext) {
	for {
		low, err := tc.Spawn(sched.ThreadSpec{Name: "low", Priority: prioLow, Entry: d.low})
		if err != nil {
			d.logger.Error("spawn low", utils.Err(err))
			return
		}
		if _, err := tc.Sleep(foundation.Ticks(1)); err != nil {
			return
		}
		medium, err := tc.Spawn(sched.ThreadSpec{Name: "medium", Priority: prioMedium, Entry: d.medium})
		if err != nil {
			d.logger.Error("spawn medium", utils.Err(err))
			return
		}
		high, err := tc.Spawn(sched.ThreadSpec{Name: "high", Priority: prioHigh, Entry: d.high})
		if err != nil {
			d.logger.Error("spawn high", utils.Err(err))
			return
		}
		for _, h := range []arena.Handle{low, medium, high} {
			if err := tc.Join(h, foundation.Forever); err != nil {
				d.logger.Warn("join", utils.Stringer("thread", h), utils.Err(err))
			}
		}

		n := d.rounds.Add(1)
		d.logger.Info("round complete",
			utils.Uint64("round", n),
			utils.Uint64("inversions", d.inversion.Load()),
			utils.Int64("uptime", d.s.Timeouts().Now()))
		if _, err := tc.Sleep(foundation.Ticks(roundPause)); err != nil {
			return
		}
	}
}

// spin burns CPU until n ticks pass, offering the scheduler a preemption
// point on every iteration.
func (d *demo) spin(tc *sched.ThreadContext, n int64) error {
	until := d.s.Timeouts().Now() + n
	for d.s.Timeouts().Now() < until {
		if err := tc.PreemptPoint(); err != nil {
			return err
		}
	}
	return nil
}

func (d *demo) low(tc *sched.ThreadContext) {
	if err := d.lock.Lock(tc, foundation.Forever); err != nil {
		d.logger.Error("low lock", utils.Err(err))
		return
	}
	if err := d.spin(tc, holdTicks); err != nil {
		return
	}
	prio, _ := d.s.Priority(tc.Self())
	d.logger.Debug("low leaving critical section", utils.Stringer("priority", prio))
	if err := d.lock.Unlock(tc); err != nil {
		d.logger.Error("low unlock", utils.Err(err))
	}
}

func (d *demo) medium(tc *sched.ThreadContext) {
	if d.lock.Owner().Valid() && d.lock.Waiters() > 0 {
		// Medium ran while high was still blocked behind low.
		d.inversion.Add(1)
		d.logger.Warn("priority inversion observed")
	}
	_ = d.spin(tc, spinTicks)
}

func (d *demo) high(tc *sched.ThreadContext) {
	start := d.s.Timeouts().Now()
	if err := d.lock.Lock(tc, foundation.Ticks(holdTicks*4)); err != nil {
		d.logger.Error("high lock", utils.Err(err))
		return
	}
	defer func() {
		if err := d.lock.Unlock(tc); err != nil {
			d.logger.Error("high unlock", utils.Err(err))
		}
	}()

	if err := d.dm.Check(tc.Self(), d.shared.Start, 64, true); err != nil {
		d.logger.Error("shared region write rejected", utils.Err(err))
	}
	d.logger.Debug("high acquired lock", utils.Int64("waited", d.s.Timeouts().Now()-start))
}
