// Package schedule drives the periodic parts of the server: the daily
// metrics dispatch and the stale checkpoint sweep.
package schedule

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const (
	// DefaultDispatchCron dispatches the previous day's metrics at
	// 01:00 UTC, after the bulk of the day's events have landed.
	DefaultDispatchCron = "0 1 * * *"

	// DefaultReapInterval is how often the stale checkpoint detector
	// is ticked.
	DefaultReapInterval = 5 * time.Minute
)

// DispatchFunc runs one scheduled dispatch. Errors are logged, not
// retried; the next cron firing is the retry.
type DispatchFunc func(ctx context.Context) error

// Scheduler owns the cron runner and the reaper tick channel.
type Scheduler struct {
	logger slog.Logger
	clock  quartz.Clock

	ctx     context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	started atomic.Bool

	reapInterval time.Duration
	reapTicks    chan time.Time
	tickerDone   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(clock quartz.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithReapInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.reapInterval = d
		}
	}
}

func New(logger slog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:       logger,
		clock:        quartz.NewReal(),
		ctx:          ctx,
		cancel:       cancel,
		cron:         cron.New(cron.WithLocation(time.UTC)),
		reapInterval: DefaultReapInterval,
		reapTicks:    make(chan time.Time, 1),
		tickerDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleDispatch registers fn to run on the given cron spec. It
// must be called before Start.
func (s *Scheduler) ScheduleDispatch(spec string, fn DispatchFunc) error {
	if spec == "" {
		spec = DefaultDispatchCron
	}
	_, err := s.cron.AddFunc(spec, func() {
		err := fn(s.ctx)
		if err != nil {
			s.logger.Error(s.ctx, "scheduled dispatch failed", slog.Error(err))
		}
	})
	if err != nil {
		return xerrors.Errorf("parse cron spec %q: %w", spec, err)
	}
	return nil
}

// Entries exposes the registered cron entries for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// ReaperTicks returns the channel a reaper.Detector should consume.
// Ticks are dropped, not buffered, when the detector is mid-sweep.
func (s *Scheduler) ReaperTicks() <-chan time.Time {
	return s.reapTicks
}

// Start begins cron execution and reaper ticking. Later calls are
// no-ops.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.cron.Start()
	go func() {
		defer close(s.tickerDone)
		ticker := s.clock.NewTicker(s.reapInterval, "schedule", "reaper")
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case s.reapTicks <- t:
				default:
				}
			}
		}
	}()
}

// Close stops cron, waits for in-flight cron jobs, and stops the
// reaper ticker. It is safe to call whether or not Start ran; a
// never-started scheduler can no longer be started.
func (s *Scheduler) Close() {
	s.cancel()
	<-s.cron.Stop().Done()
	if s.started.CompareAndSwap(false, true) {
		close(s.tickerDone)
	}
	<-s.tickerDone
}
