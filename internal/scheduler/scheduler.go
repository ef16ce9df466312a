// Package scheduler adapts the chunk size to live memory utilization.
// It applies best-effort backpressure; it does not bound memory.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor samples memory utilization as a percentage (0-100)
type Monitor interface {
	MemoryPercent() (float64, error)
}

// Options tune the control loop. Zero values take the defaults.
type Options struct {
	// Headroom is how far below the limit utilization must fall before the
	// chunk size grows again, in percentage points
	Headroom     float64
	MinChunkSize int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxPolls     int
}

func (o Options) withDefaults() Options {
	if o.Headroom <= 0 {
		o.Headroom = 10
	}
	if o.MinChunkSize < 1 {
		o.MinChunkSize = 1
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 50 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 20
	}
	return o
}

// Scheduler decides the size of the next chunk
type Scheduler struct {
	monitor Monitor
	target  int
	limit   float64
	opts    Options
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error

	mu      sync.Mutex
	current int
	shrinks int
	pauses  int
}

// New creates a scheduler starting at the target chunk size
func New(monitor Monitor, target int, limit float64, opts Options, logger *zap.Logger) *Scheduler {
	opts = opts.withDefaults()
	if target < opts.MinChunkSize {
		target = opts.MinChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		monitor: monitor,
		target:  target,
		limit:   limit,
		opts:    opts,
		logger:  logger,
		sleep:   sleepContext,
		current: target,
	}
}

// Next samples memory and returns the chunk size to use for the next
// submission. Above the limit the size is halved; at the minimum size it
// waits with exponential backoff for utilization to drop, giving up after
// MaxPolls samples. Well below the limit the size doubles, never beyond the
// target. Only context cancellation is returned as an error.
func (s *Scheduler) Next(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage, ok := s.sample()
	if !ok {
		return s.current, nil
	}

	switch {
	case usage > s.limit && s.current > s.opts.MinChunkSize:
		prev := s.current
		s.current /= 2
		if s.current < s.opts.MinChunkSize {
			s.current = s.opts.MinChunkSize
		}
		s.shrinks++
		s.logger.Info("Memory pressure, reducing chunk size",
			zap.Float64("mem_pct", usage),
			zap.Float64("limit", s.limit),
			zap.Int("from", prev),
			zap.Int("to", s.current))

	case usage > s.limit:
		if err := s.waitForMemory(ctx, usage); err != nil {
			return 0, err
		}

	case usage < s.limit-s.opts.Headroom && s.current < s.target:
		s.current *= 2
		if s.current > s.target {
			s.current = s.target
		}
		s.logger.Debug("Memory recovered, growing chunk size",
			zap.Float64("mem_pct", usage),
			zap.Int("to", s.current))
	}

	return s.current, nil
}

// waitForMemory polls with backoff until utilization is back under the limit
func (s *Scheduler) waitForMemory(ctx context.Context, usage float64) error {
	s.pauses++
	s.logger.Warn("Memory above limit at minimum chunk size, pausing",
		zap.Float64("mem_pct", usage),
		zap.Float64("limit", s.limit))

	delay := s.opts.InitialDelay
	for i := 0; i < s.opts.MaxPolls; i++ {
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		sampled, ok := s.sample()
		if !ok || sampled <= s.limit {
			return nil
		}
		usage = sampled
		delay *= 2
		if delay > s.opts.MaxDelay {
			delay = s.opts.MaxDelay
		}
	}

	s.logger.Warn("Memory still above limit, continuing",
		zap.Float64("mem_pct", usage),
		zap.Int("polls", s.opts.MaxPolls))
	return nil
}

// sample reads utilization. A failed read reports ok=false and is treated as
// no pressure: the chunk size is left as is.
func (s *Scheduler) sample() (usage float64, ok bool) {
	usage, err := s.monitor.MemoryPercent()
	if err != nil {
		s.logger.Debug("Memory sampling failed", zap.Error(err))
		return 0, false
	}
	return usage, true
}

// Current returns the chunk size last handed out
func (s *Scheduler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stats returns how often the scheduler shrank the chunk size and paused
func (s *Scheduler) Stats() (shrinks, pauses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shrinks, s.pauses
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
