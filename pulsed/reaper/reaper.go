// Package reaper recovers checkpoints abandoned by workers that died
// mid-unit. It is the only recovery path for a worker that stopped
// without reporting failure.
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/dbtime"
)

// DefaultStaleThreshold is how long a checkpoint may sit in RUNNING
// before the reaper considers its worker dead. It must comfortably
// exceed the worst-case runtime of a single unit.
const DefaultStaleThreshold = 60 * time.Minute

// Detector sweeps stale RUNNING checkpoints back to PENDING on every
// tick of its channel. The sweep is idempotent and touches only
// RUNNING rows, so running it when nothing is stale is a no-op.
type Detector struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	db        database.Store
	log       slog.Logger
	tick      <-chan time.Time
	threshold time.Duration
	stats     chan<- Stats
}

// Stats contains statistics about the last run of the detector.
type Stats struct {
	// ResetCount is the number of checkpoints moved back to PENDING.
	ResetCount int64
	// Error is the fatal error that occurred during the last run of
	// the detector, if any.
	Error error
}

// New returns a stale checkpoint detector. It does not start sweeping
// until Start is called.
func New(ctx context.Context, db database.Store, log slog.Logger, tick <-chan time.Time, threshold time.Duration) *Detector {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Detector{
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		db:        db,
		log:       log,
		tick:      tick,
		threshold: threshold,
		stats:     nil,
	}
}

// WithStatsChannel will cause the detector to push a Stats to ch after
// every tick. This push is blocking, so if ch is not read, the
// detector will hang. This should only be used in tests.
func (d *Detector) WithStatsChannel(ch chan<- Stats) *Detector {
	d.stats = ch
	return d
}

// Start will cause the detector to sweep on every tick from its
// channel. It will stop when its context is Done, or when its channel
// is closed.
//
// Start should only be called once; later calls are no-ops.
func (d *Detector) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(d.done)
		defer d.cancel()

		for {
			select {
			case <-d.ctx.Done():
				return
			case t, ok := <-d.tick:
				if !ok {
					return
				}
				stats := d.run(t)
				if stats.Error != nil {
					d.log.Warn(d.ctx, "error sweeping stale checkpoints", slog.Error(stats.Error))
				} else if stats.ResetCount > 0 {
					d.log.Info(d.ctx, "reset stale checkpoints", slog.F("count", stats.ResetCount))
				}
				if d.stats != nil {
					select {
					case <-d.ctx.Done():
						return
					case d.stats <- stats:
					}
				}
			}
		}
	}()
}

// Wait will block until the detector is stopped.
func (d *Detector) Wait() {
	<-d.done
}

// Close will stop the detector. It is safe to call whether or not
// Start ran; a never-started detector can no longer be started.
func (d *Detector) Close() {
	d.cancel()
	if d.started.CompareAndSwap(false, true) {
		close(d.done)
	}
	<-d.done
}

func (d *Detector) run(t time.Time) Stats {
	ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
	defer cancel()

	count, err := d.db.ResetStaleRunningCheckpoints(ctx, database.ResetStaleRunningCheckpointsParams{
		StartedBefore: dbtime.Time(t.Add(-d.threshold)),
		UpdatedAt:     dbtime.Time(t),
	})
	if err != nil {
		return Stats{Error: xerrors.Errorf("reset stale running checkpoints: %w", err)}
	}
	return Stats{ResetCount: count}
}
