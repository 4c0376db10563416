package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// ErrShutdownTimeout is returned when hooks outlive the shutdown budget.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Shutdown runs teardown hooks in reverse registration order.
type Shutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *Logger
	done    bool
}

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// NewShutdown bounds the whole teardown by timeout.
func NewShutdown(timeout time.Duration, logger *Logger) *Shutdown {
	if logger == nil {
		logger = NopLogger()
	}
	return &Shutdown{timeout: timeout, logger: logger.Named("shutdown")}
}

// Register adds a named hook; later hooks run first.
func (s *Shutdown) Register(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, shutdownHook{name: name, fn: fn})
}

// Run executes every hook once, collecting their errors. Hooks still
// pending when the budget runs out are skipped.
func (s *Shutdown) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		h := s.hooks[i]
		if ctx.Err() != nil {
			s.logger.Warn("shutdown budget exhausted", String("skipped", h.name))
			errs = multierr.Append(errs, WrapError(ErrShutdownTimeout, h.name))
			continue
		}
		start := time.Now()
		if err := h.fn(ctx); err != nil {
			s.logger.Error("shutdown hook failed", String("hook", h.name), Err(err))
			errs = multierr.Append(errs, WrapError(err, h.name))
			continue
		}
		s.logger.Debug("shutdown hook done", String("hook", h.name), Duration("took", time.Since(start)))
	}
	return errs
}
