// Package keepalive runs the periodic ping broadcast and idle-connection
// eviction of a server.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Target is the server being supervised.
type Target interface {
	// PingAll broadcasts a ping to every live connection.
	PingAll(ctx context.Context)

	// EvictIdle disconnects every connection whose last activity is before
	// cutoff and returns how many were evicted.
	EvictIdle(ctx context.Context, cutoff time.Time) int
}

// Config controls both tasks. A zero interval disables its task.
type Config struct {
	PingInterval time.Duration

	// Timeout is the inactivity limit. Zero disables eviction.
	Timeout time.Duration

	// CheckInterval is how often eviction runs. Defaults to Timeout.
	CheckInterval time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Supervisor owns the two tickers.
type Supervisor struct {
	target Target
	cfg    Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(target Target, cfg Config) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = cfg.Timeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "keepalive")
	}
	return &Supervisor{target: target, cfg: cfg}
}

// Start launches the tasks. Calling Start on a running supervisor does
// nothing.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.PingInterval > 0 {
		s.run(ctx, s.cfg.PingInterval, func(ctx context.Context) { s.Ping(ctx) })
	}
	if s.cfg.Timeout > 0 {
		s.run(ctx, s.cfg.CheckInterval, func(ctx context.Context) { s.Check(ctx) })
	}
}

// Stop cancels both tasks and waits for a run in progress to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Ping runs one ping broadcast.
func (s *Supervisor) Ping(ctx context.Context) {
	s.target.PingAll(ctx)
}

// Check runs one eviction scan and returns the number of evictions.
func (s *Supervisor) Check(ctx context.Context) int {
	if s.cfg.Timeout <= 0 {
		return 0
	}
	cutoff := s.cfg.Now().Add(-s.cfg.Timeout)
	n := s.target.EvictIdle(ctx, cutoff)
	if n > 0 {
		s.cfg.Logger.Info("evicted idle connections", "count", n, "timeout", s.cfg.Timeout)
	}
	return n
}

func (s *Supervisor) run(ctx context.Context, interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}
