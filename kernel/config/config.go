// Package config loads the kernel build configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/nmxmxh/rtcore/internal/utils"
	"github.com/nmxmxh/rtcore/kernel/threads/foundation"
	"github.com/nmxmxh/rtcore/kernel/threads/memdomain"
	"github.com/nmxmxh/rtcore/kernel/threads/mutex"
	"github.com/nmxmxh/rtcore/kernel/threads/readyq"
	"github.com/nmxmxh/rtcore/kernel/threads/sched"
)

// Config is the full kernel configuration.
type Config struct {
	Kernel    KernelConfig    `toml:"kernel"`
	TimeSlice TimeSliceConfig `toml:"time_slice"`
	Mutex     MutexConfig     `toml:"mutex"`
	Tick      TickConfig      `toml:"tick"`
	MemDomain MemDomainConfig `toml:"memdomain"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type KernelConfig struct {
	CPUs       int              `toml:"cpus"`
	MaxThreads int              `toml:"max_threads"`
	Bands      foundation.Bands `toml:"bands"`
	ReadyQueue readyq.Kind      `toml:"ready_queue"`
	WaitQueue  readyq.Kind      `toml:"wait_queue"`
}

// TimeSliceConfig enables round robin among equal priorities when Ticks > 0.
type TimeSliceConfig struct {
	Ticks   int64               `toml:"ticks"`
	Ceiling foundation.Priority `toml:"ceiling"`
}

type MutexConfig struct {
	// Ceiling bounds priority inheritance; unset means the most urgent
	// priority of the build.
	Ceiling     *foundation.Priority `toml:"ceiling"`
	StrictOrder bool                 `toml:"strict_order"`
}

type TickConfig struct {
	Hz int `toml:"hz"`
}

type MemDomainConfig struct {
	MaxDomains    int `toml:"max_domains"`
	MaxPartitions int `toml:"max_partitions"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Colorize bool   `toml:"colorize"`
}

type MetricsConfig struct {
	// Listen is the /metrics address; empty disables the endpoint.
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	sc := sched.DefaultConfig()
	return Config{
		Kernel: KernelConfig{
			CPUs:       sc.CPUs,
			MaxThreads: sc.MaxThreads,
			Bands:      sc.Bands,
			ReadyQueue: sc.ReadyQueue,
			WaitQueue:  sc.WaitQueue,
		},
		Mutex:     MutexConfig{StrictOrder: true},
		Tick:      TickConfig{Hz: 100},
		MemDomain: MemDomainConfig{MaxDomains: memdomain.DefaultConfig().MaxDomains, MaxPartitions: 8},
		Log:       LogConfig{Level: "info", Colorize: true},
	}
}

// Load reads path over the defaults. Unknown keys are rejected so typos
// do not silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, utils.WrapErrorf(err, "load config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown config keys in %s: %s",
			foundation.ErrInvalidArgument, path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Write encodes c as TOML to path.
func (c Config) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return utils.WrapError(err, "create config")
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return utils.WrapError(err, "encode config")
	}
	return f.Close()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	errs := c.Sched(nil, nil).Validate()
	if c.Mutex.Ceiling != nil && !c.Kernel.Bands.ValidApplication(*c.Mutex.Ceiling) {
		errs = multierr.Append(errs, fmt.Errorf("%w: mutex.ceiling=%d outside [%d,%d)",
			foundation.ErrInvalidArgument, *c.Mutex.Ceiling, c.Kernel.Bands.Highest(), c.Kernel.Bands.Lowest()))
	}
	if c.Tick.Hz < 1 || c.Tick.Hz > 1_000_000 {
		errs = multierr.Append(errs, fmt.Errorf("%w: tick.hz=%d", foundation.ErrInvalidArgument, c.Tick.Hz))
	}
	if c.MemDomain.MaxDomains < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: memdomain.max_domains=%d", foundation.ErrInvalidArgument, c.MemDomain.MaxDomains))
	}
	if c.MemDomain.MaxPartitions < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: memdomain.max_partitions=%d", foundation.ErrInvalidArgument, c.MemDomain.MaxPartitions))
	}
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: %v", foundation.ErrInvalidArgument, err))
	}
	return errs
}

// Sched converts the kernel section into a scheduler configuration.
func (c Config) Sched(logger *utils.Logger, listener sched.Listener) sched.Config {
	return sched.Config{
		CPUs:         c.Kernel.CPUs,
		MaxThreads:   c.Kernel.MaxThreads,
		Bands:        c.Kernel.Bands,
		ReadyQueue:   c.Kernel.ReadyQueue,
		WaitQueue:    c.Kernel.WaitQueue,
		SliceTicks:   c.TimeSlice.Ticks,
		SliceCeiling: c.TimeSlice.Ceiling,
		Logger:       logger,
		Listener:     listener,
	}
}

func (c Config) MutexOptions() mutex.Options {
	opts := mutex.DefaultOptions(c.Kernel.Bands)
	if c.Mutex.Ceiling != nil {
		opts.Ceiling = *c.Mutex.Ceiling
	}
	opts.StrictOrder = c.Mutex.StrictOrder
	return opts
}

func (c Config) MemDomainConfig(logger *utils.Logger) memdomain.Config {
	return memdomain.Config{
		MaxDomains:    c.MemDomain.MaxDomains,
		MaxPartitions: c.MemDomain.MaxPartitions,
		Logger:        logger,
	}
}

// TickPeriod is the wall-clock length of one tick.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.Tick.Hz)
}

// Logger builds the root logger described by the log section.
func (c Config) Logger(component string) *utils.Logger {
	level, err := utils.ParseLevel(c.Log.Level)
	if err != nil {
		level = utils.INFO
	}
	return utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: component,
		Output:    os.Stdout,
		Colorize:  c.Log.Colorize,
	})
}
