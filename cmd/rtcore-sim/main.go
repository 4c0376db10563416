// Command rtcore-sim boots the scheduler on the host, drives it from a
// wall-clock tick source and runs a priority inheritance workload.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/config"
	"github.com/nmxmxh/rtcore/kernel/hal"
	"github.com/nmxmxh/rtcore/kernel/metrics"
	"github.com/nmxmxh/rtcore/kernel/threads/memdomain"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

type options struct {
	configPath string
	dumpPath   string
	hz         int
	ticks      uint64
	listen     string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "TOML configuration file (built-in defaults when empty).")
	flag.StringVar(&opts.dumpPath, "dump-config", "", "Write the effective configuration to this path and exit.")
	flag.IntVar(&opts.hz, "hz", 0, "Override tick.hz.")
	flag.Uint64Var(&opts.ticks, "ticks", 0, "Stop after N ticks (0 = run until interrupted).")
	flag.StringVar(&opts.listen, "metrics", "", "Override metrics.listen, e.g. :9090.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if opts.hz > 0 {
		cfg.Tick.Hz = opts.hz
	}
	if opts.listen != "" {
		cfg.Metrics.Listen = opts.listen
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.dumpPath != "" {
		return cfg.Write(opts.dumpPath)
	}

	logger := cfg.Logger("rtcore")
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	col, err := metrics.New(reg, cfg.Kernel.CPUs)
	if err != nil {
		return utils.WrapError(err, "register metrics")
	}

	mpu := hal.NewRecordingMPU(cfg.MemDomain.MaxPartitions, logger)
	dm, err := memdomain.New(cfg.MemDomainConfig(logger), mpu)
	if err != nil {
		return utils.WrapError(err, "memory domains")
	}
	s, err := sched.New(cfg.Sched(logger, sched.Listeners{col, dm}))
	if err != nil {
		return utils.WrapError(err, "scheduler")
	}
	dm.Attach(s)
	if err := col.WatchScheduler(s); err != nil {
		return err
	}
	if err := col.WatchDomains(dm); err != nil {
		return err
	}

	wl, err := newDemo(s, dm, cfg.MutexOptions(), logger)
	if err != nil {
		return err
	}
	if err := wl.start(); err != nil {
		return utils.WrapError(err, "start workload")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := hal.NewHostTicker(clock.New(), cfg.Tick.Hz)
	ticker.OnTick(s.Announce)
	if opts.ticks > 0 {
		var once sync.Once
		ticker.OnTick(func(int64) {
			if ticker.Read() >= opts.ticks {
				once.Do(cancel)
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := s.Start(gctx); err != nil {
		return err
	}
	sd := utils.NewShutdown(5*time.Second, logger)
	sd.Register("scheduler", func(context.Context) error {
		s.Stop()
		return nil
	})

	g.Go(func() error { return ticker.Start(gctx) })
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		sd.Register("metrics", srv.Shutdown)
		g.Go(func() error {
			logger.Info("metrics listening", utils.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return sd.Run(context.Background())
	})

	logger.Info("simulation running",
		utils.Int("cpus", cfg.Kernel.CPUs),
		utils.Int("hz", cfg.Tick.Hz),
		utils.Uint64("tick_limit", opts.ticks))

	err = g.Wait()

	st := s.GetStats()
	ds := dm.GetStats()
	logger.Info("simulation finished",
		utils.Int64("uptime_ticks", st.Uptime),
		utils.Uint64("spawned", st.Spawned),
		utils.Uint64("rounds", wl.rounds.Load()),
		utils.Uint64("inversions", wl.inversion.Load()),
		utils.Uint64("slice_expiries", st.SliceExpiries),
		utils.Uint64("violations", ds.Violations))

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
