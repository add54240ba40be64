// Package pulsed wires the metric pipeline together: checkpoint
// store, task queue, dispatcher, workers, reaper and scheduler.
package pulsed

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/pipeline"
	"github.com/devpulse/devpulse/pulsed/reaper"
	"github.com/devpulse/devpulse/pulsed/schedule"
	"github.com/devpulse/devpulse/pulsed/taskq"
)

// Options holds the dependencies and tunables of a Server. Database,
// Discoverer, Runner, Finalizer and Invalidator are required; the
// rest have working defaults.
type Options struct {
	Logger   slog.Logger
	Database database.Store
	// Redis may be nil; shared rate limit and token pool state then
	// degrades to process-local operation.
	Redis redis.UniversalClient
	Clock quartz.Clock

	Discoverer  pipeline.RepoDiscoverer
	Runner      pipeline.UnitRunner
	Finalizer   pipeline.Finalizer
	Invalidator pipeline.CacheInvalidator

	// PrometheusRegistry receives pipeline counters when set.
	PrometheusRegistry prometheus.Registerer

	// OrgIDs are dispatched on the cron schedule.
	OrgIDs     []string
	MetricType string

	BatchSize      int
	Concurrency    int
	DispatchCron   string
	ReapInterval   time.Duration
	StaleThreshold time.Duration
	BackfillDays   int

	// WorkerID identifies this process in checkpoint rows. Defaults
	// to hostname plus a random suffix.
	WorkerID string
}

// Server owns the running pipeline.
type Server struct {
	opts       *Options
	queue      *taskq.Inproc
	dispatcher *pipeline.Dispatcher
	detector   *reaper.Detector
	scheduler  *schedule.Scheduler
}

func New(ctx context.Context, opts *Options) (*Server, error) {
	if opts.Database == nil {
		return nil, xerrors.New("database is required")
	}
	if opts.Discoverer == nil || opts.Runner == nil || opts.Finalizer == nil || opts.Invalidator == nil {
		return nil, xerrors.New("discoverer, runner, finalizer and invalidator are required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.MetricType == "" {
		opts.MetricType = "daily"
	}
	if opts.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "devpulse"
		}
		opts.WorkerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	metrics, err := pipeline.NewMetrics(opts.PrometheusRegistry)
	if err != nil {
		return nil, xerrors.Errorf("register pipeline metrics: %w", err)
	}

	queueOpts := []taskq.InprocOption{taskq.WithClock(opts.Clock)}
	if opts.Concurrency > 0 {
		queueOpts = append(queueOpts, taskq.WithConcurrency(opts.Concurrency))
	}
	queue := taskq.NewInproc(opts.Logger.Named("taskq"), queueOpts...)

	batch := pipeline.NewBatchWorker(opts.Logger.Named("batch"), opts.Database, opts.Runner, opts.Clock, metrics)
	finalize := pipeline.NewFinalizeWorker(opts.Logger.Named("finalize"), opts.Database, opts.Finalizer, opts.Invalidator, opts.Clock, metrics, opts.WorkerID)
	dispatcher := pipeline.NewDispatcher(opts.Logger.Named("dispatch"), queue, opts.Discoverer, batch, finalize, opts.Clock, metrics, opts.BatchSize, opts.WorkerID)

	scheduler := schedule.New(opts.Logger.Named("schedule"),
		schedule.WithClock(opts.Clock),
		schedule.WithReapInterval(opts.ReapInterval),
	)
	err = scheduler.ScheduleDispatch(opts.DispatchCron, func(ctx context.Context) error {
		return dispatchAll(ctx, dispatcher, opts)
	})
	if err != nil {
		queue.Close()
		return nil, err
	}

	detector := reaper.New(ctx, opts.Database, opts.Logger.Named("reaper"), scheduler.ReaperTicks(), opts.StaleThreshold)

	return &Server{
		opts:       opts,
		queue:      queue,
		dispatcher: dispatcher,
		detector:   detector,
		scheduler:  scheduler,
	}, nil
}

func dispatchAll(ctx context.Context, dispatcher *pipeline.Dispatcher, opts *Options) error {
	var firstErr error
	for _, orgID := range opts.OrgIDs {
		_, err := dispatcher.Run(ctx, pipeline.RunParams{
			OrgID:        orgID,
			MetricType:   opts.MetricType,
			BackfillDays: opts.BackfillDays,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start begins scheduled dispatching and stale checkpoint sweeping.
func (s *Server) Start() {
	s.scheduler.Start()
	s.detector.Start()
}

// DispatchNow runs one dispatch outside the schedule, for manual and
// backfill runs.
func (s *Server) DispatchNow(ctx context.Context, params pipeline.RunParams) (pipeline.RunResult, error) {
	if params.MetricType == "" {
		params.MetricType = s.opts.MetricType
	}
	return s.dispatcher.Run(ctx, params)
}

// Drain blocks until in-flight tasks and chord callbacks finish.
func (s *Server) Drain() {
	s.queue.Wait()
}

// Close stops the scheduler and reaper, cancels in-flight tasks, and
// waits for them to exit.
func (s *Server) Close() {
	s.scheduler.Close()
	s.detector.Close()
	s.queue.Close()
}
