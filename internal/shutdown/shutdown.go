// Package shutdown coordinates process teardown. Components register one
// close step each with a priority; a single Shutdown call runs the steps
// lowest priority first under a shared deadline.
package shutdown

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Teardown order for the server's components. Stop the command surface
// first so nothing new enters the write path, then background work, and
// close storage last.
const (
	PriorityHTTPServer = 10 // stop accepting new commands
	PriorityScheduler  = 20 // stop background sweeps
	PriorityCatalog    = 30 // abort open write batches
	PriorityCursors    = 40 // drop open cursors
	PriorityStore      = 90 // close the document store
)

// CloseFunc is one teardown step. It should honor ctx's deadline.
type CloseFunc func(ctx context.Context) error

type step struct {
	name     string
	priority int
	run      CloseFunc
}

// Coordinator collects teardown steps and runs them exactly once.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once sync.Once
	err  error
}

// New creates a coordinator whose whole teardown must finish within timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
	}
}

// Register adds a component closed during shutdown. Lower priorities close
// first.
func (c *Coordinator) Register(name string, component io.Closer, priority int) {
	c.RegisterHook(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterHook adds a teardown function under the same ordering rules.
func (c *Coordinator) RegisterHook(name string, fn CloseFunc, priority int) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, priority: priority, run: fn})
	c.mu.Unlock()

	c.logger.Debug().
		Str("step", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// WaitForSignal blocks until the process receives a termination signal.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	return sig
}

// Shutdown runs every registered step, lowest priority first. Steps run at
// most once across all calls; later calls return the first run's error.
// Once the deadline passes, remaining steps are skipped.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("step", s.name).
					Msg("Shutdown deadline reached, skipping remaining steps")
				c.err = ctx.Err()
				return
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				if c.err == nil {
					c.err = err
				}
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})

	return c.err
}
