package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// LocalGate is a process-local Gate. It is the degraded form of the
// distributed gate and the default when no shared store is configured.
type LocalGate struct {
	clock quartz.Clock

	mu             sync.Mutex
	cfg            Config
	nextAllowedAt  time.Time
	currentBackoff time.Duration
}

// LocalOption configures a LocalGate.
type LocalOption func(*LocalGate)

// WithLocalClock swaps the wall clock, for tests.
func WithLocalClock(clock quartz.Clock) LocalOption {
	return func(g *LocalGate) {
		g.clock = clock
	}
}

func NewLocal(cfg Config, opts ...LocalOption) *LocalGate {
	cfg = cfg.withDefaults()
	g := &LocalGate{
		clock:          quartz.NewReal(),
		cfg:            cfg,
		currentBackoff: cfg.InitialBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// advanceBackoffLocked returns the current exponential delay and
// multiplies the progression, capped at MaxBackoff.
func (g *LocalGate) advanceBackoffLocked() time.Duration {
	delay := minDuration(g.currentBackoff, g.cfg.MaxBackoff)
	g.currentBackoff = minDuration(
		time.Duration(float64(g.currentBackoff)*g.cfg.BackoffFactor),
		g.cfg.MaxBackoff,
	)
	return delay
}

// applyLocked moves nextAllowedAt forward, never backward.
func (g *LocalGate) applyLocked(delay time.Duration) {
	proposed := g.clock.Now().Add(delay)
	if proposed.After(g.nextAllowedAt) {
		g.nextAllowedAt = proposed
	}
}

func (g *LocalGate) Penalize(_ context.Context) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	delay := g.advanceBackoffLocked()
	g.applyLocked(delay)
	return delay
}

func (g *LocalGate) PenalizeFor(_ context.Context, delay time.Duration) time.Duration {
	if delay < 0 {
		delay = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applyLocked(delay)
	return delay
}

func (g *LocalGate) SleepDuration(_ context.Context) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.nextAllowedAt.Sub(g.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (g *LocalGate) Wait(ctx context.Context) error {
	return waitOn(ctx, g.clock, g.SleepDuration(ctx))
}

func (g *LocalGate) Reset(_ context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentBackoff = g.cfg.InitialBackoff
}
