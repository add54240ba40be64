package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/devpulse/devpulse/pulsed/database/dbtime"
	"github.com/devpulse/devpulse/pulsed/taskq"
)

// RunStatus is the dispatcher's report for one run.
type RunStatus string

const (
	RunStatusNoUnits    RunStatus = "no_units"
	RunStatusDispatched RunStatus = "dispatched"
)

// RunParams describes one dispatch run.
type RunParams struct {
	OrgID      string
	MetricType string
	// Day is the most recent day to compute. Zero means today.
	Day time.Time
	// BackfillDays dispatches Day and the N-1 days before it. Zero
	// and one both mean just Day.
	BackfillDays int
	// BatchSize overrides the configured default when positive.
	BatchSize int
	// RepoFilter restricts the run to the intersection of discovered
	// repos and this set. Nil means all discovered repos.
	RepoFilter []uuid.UUID
}

// RunResult reports what a dispatch run submitted.
type RunResult struct {
	Status     RunStatus
	UnitCount  int
	BatchCount int
}

// Dispatcher partitions an org's repositories into batches and
// submits them as a fan-out/fan-in group per day: one BatchWorker
// task per batch, one FinalizeWorker callback per day that fires only
// after every batch has returned.
type Dispatcher struct {
	logger   slog.Logger
	queue    taskq.Queue
	discover RepoDiscoverer
	batch    *BatchWorker
	finalize *FinalizeWorker
	clock    quartz.Clock
	metrics  *Metrics

	// defaultBatchSize comes from configuration; a per-run override
	// in RunParams wins over it.
	defaultBatchSize int
	workerID         string
}

func NewDispatcher(logger slog.Logger, queue taskq.Queue, discover RepoDiscoverer, batch *BatchWorker, finalize *FinalizeWorker, clock quartz.Clock, metrics *Metrics, defaultBatchSize int, workerID string) *Dispatcher {
	if defaultBatchSize <= 0 {
		defaultBatchSize = DefaultBatchSize
	}
	return &Dispatcher{
		logger:           logger,
		queue:            queue,
		discover:         discover,
		batch:            batch,
		finalize:         finalize,
		clock:            clock,
		metrics:          metrics,
		defaultBatchSize: defaultBatchSize,
		workerID:         workerID,
	}
}

// Run discovers candidates and dispatches them. A discovery error
// propagates before anything is submitted, so a failed run can be
// retried wholesale without partial dispatch.
func (d *Dispatcher) Run(ctx context.Context, params RunParams) (RunResult, error) {
	repoIDs, err := d.discover.DiscoverRepoIDs(ctx, params.OrgID)
	if err != nil {
		return RunResult{}, xerrors.Errorf("discover repos for org %s: %w", params.OrgID, err)
	}
	if len(params.RepoFilter) > 0 {
		repoIDs = intersect(repoIDs, params.RepoFilter)
	}
	if len(repoIDs) == 0 {
		d.logger.Info(ctx, "no units to dispatch", slog.F("org_id", params.OrgID))
		return RunResult{Status: RunStatusNoUnits}, nil
	}

	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = d.defaultBatchSize
	}
	day := params.Day
	if day.IsZero() {
		day = d.clock.Now()
	}
	day = dbtime.StartOfDay(day)
	backfill := params.BackfillDays
	if backfill < 1 {
		backfill = 1
	}

	result := RunResult{Status: RunStatusDispatched}
	for offset := 0; offset < backfill; offset++ {
		runDay := day.AddDate(0, 0, -offset)
		batches := partition(repoIDs, batchSize)
		err = d.dispatchDay(ctx, params, runDay, batches)
		if err != nil {
			return RunResult{}, err
		}
		result.UnitCount += len(repoIDs)
		result.BatchCount += len(batches)
	}

	d.logger.Info(ctx, "dispatched run",
		slog.F("org_id", params.OrgID),
		slog.F("metric_type", params.MetricType),
		slog.F("day", day),
		slog.F("backfill_days", backfill),
		slog.F("unit_count", result.UnitCount),
		slog.F("batch_count", result.BatchCount),
	)
	return result, nil
}

func (d *Dispatcher) dispatchDay(ctx context.Context, params RunParams, day time.Time, batches [][]uuid.UUID) error {
	tasks := make([]taskq.Task, 0, len(batches))
	for _, repoIDs := range batches {
		repoIDs := repoIDs
		tasks = append(tasks, func(ctx context.Context) (interface{}, error) {
			return d.batch.ProcessBatch(ctx, BatchParams{
				OrgID:      params.OrgID,
				MetricType: params.MetricType,
				Day:        day,
				RepoIDs:    repoIDs,
				WorkerID:   d.workerID,
			})
		})
	}
	finalizeParams := FinalizeParams{
		OrgID:      params.OrgID,
		MetricType: params.MetricType,
		Day:        day,
	}
	callback := func(ctx context.Context, results []taskq.Result) error {
		return d.finalize.Finalize(ctx, finalizeParams, results)
	}

	name := fmt.Sprintf("metrics:%s:%s:%s", params.OrgID, params.MetricType, day.Format("2006-01-02"))
	err := d.queue.EnqueueChord(ctx, name, tasks, callback,
		taskq.WithMaxRetries(taskq.DefaultMaxRetries),
		taskq.WithRetryBase(taskq.DefaultRetryBase),
		taskq.WithCallbackRetries(taskq.DefaultCallbackRetries),
		taskq.WithCallbackRetryBase(taskq.DefaultCallbackRetryBase),
	)
	if err != nil {
		return xerrors.Errorf("enqueue chord %s: %w", name, err)
	}
	for range batches {
		d.metrics.recordBatchDispatched()
	}
	return nil
}

// partition splits ids into ordered slices of at most size elements.
func partition(ids []uuid.UUID, size int) [][]uuid.UUID {
	batches := make([][]uuid.UUID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

func intersect(ids, filter []uuid.UUID) []uuid.UUID {
	allowed := make(map[uuid.UUID]struct{}, len(filter))
	for _, id := range filter {
		allowed[id] = struct{}{}
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
