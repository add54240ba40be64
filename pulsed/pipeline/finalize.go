package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/dbtime"
	"github.com/devpulse/devpulse/pulsed/taskq"
)

// FinalizeMetricTypeSuffix marks the synthetic org-wide checkpoint row
// the finalize pass owns. Its repo_id is NULL.
const FinalizeMetricTypeSuffix = "_finalize"

// RunSummary aggregates the per-unit outcomes of every batch in a run.
type RunSummary struct {
	Completed int
	Failed    int
	Skipped   int
	// Errors collects batch-level failures and per-unit error texts.
	// Informational only; a non-nil Errors does not fail the finalize.
	Errors error
}

// FinalizeWorker runs once per (org, day) after every batch task has
// returned. It records a synthetic org-wide checkpoint around the
// cross-repo rollup so operators can see whether a day is fully
// finalized, and invalidates the day's cache on success.
type FinalizeWorker struct {
	logger      slog.Logger
	db          database.Store
	finalizer   Finalizer
	invalidator CacheInvalidator
	clock       quartz.Clock
	metrics     *Metrics
	workerID    string
}

func NewFinalizeWorker(logger slog.Logger, db database.Store, finalizer Finalizer, invalidator CacheInvalidator, clock quartz.Clock, metrics *Metrics, workerID string) *FinalizeWorker {
	return &FinalizeWorker{
		logger:      logger,
		db:          db,
		finalizer:   finalizer,
		invalidator: invalidator,
		clock:       clock,
		metrics:     metrics,
		workerID:    workerID,
	}
}

// Finalize aggregates batch results, runs the rollup behind the
// synthetic checkpoint, and signals cache invalidation. A returned
// error means the day is dispatched but not finalized; the queue
// retries the callback, and exhausting those retries leaves the
// FAILED finalize checkpoint visible for operator intervention.
func (w *FinalizeWorker) Finalize(ctx context.Context, params FinalizeParams, results []taskq.Result) error {
	summary := summarize(results)
	w.logger.Info(ctx, "finalizing day",
		slog.F("org_id", params.OrgID),
		slog.F("day", params.Day),
		slog.F("completed", summary.Completed),
		slog.F("failed", summary.Failed),
		slog.F("skipped", summary.Skipped),
	)
	if summary.Errors != nil {
		w.logger.Warn(ctx, "run had failures", slog.Error(summary.Errors))
	}

	cp, err := w.db.UpsertMetricCheckpointRunning(ctx, database.UpsertMetricCheckpointRunningParams{
		ID:         uuid.New(),
		OrgID:      params.OrgID,
		RepoID:     uuid.NullUUID{},
		MetricType: params.MetricType + FinalizeMetricTypeSuffix,
		Day:        params.Day,
		StartedAt:  dbtime.Time(w.clock.Now()),
		WorkerID:   w.workerID,
	})
	if err != nil {
		w.metrics.recordFinalize(FinalizeResultFailed)
		return xerrors.Errorf("mark finalize checkpoint running: %w", err)
	}

	err = w.finalizer.FinalizeDay(ctx, params)
	if err != nil {
		w.metrics.recordFinalize(FinalizeResultFailed)
		markErr := w.db.UpdateMetricCheckpointFailed(ctx, database.UpdateMetricCheckpointFailedParams{
			ID:        cp.ID,
			Error:     err.Error(),
			UpdatedAt: dbtime.Time(w.clock.Now()),
		})
		if markErr != nil {
			w.logger.Error(ctx, "mark finalize checkpoint failed", slog.Error(markErr))
		}
		return xerrors.Errorf("finalize day: %w", err)
	}

	err = w.db.UpdateMetricCheckpointCompleted(ctx, database.UpdateMetricCheckpointCompletedParams{
		ID:          cp.ID,
		CompletedAt: dbtime.Time(w.clock.Now()),
	})
	if err != nil {
		w.metrics.recordFinalize(FinalizeResultFailed)
		return xerrors.Errorf("mark finalize checkpoint completed: %w", err)
	}

	err = w.invalidator.InvalidateMetricsDay(ctx, params.OrgID, params.Day)
	if err != nil {
		w.metrics.recordFinalize(FinalizeResultFailed)
		return xerrors.Errorf("invalidate metrics cache: %w", err)
	}

	w.metrics.recordFinalize(FinalizeResultSuccess)
	return nil
}

func summarize(results []taskq.Result) RunSummary {
	var summary RunSummary
	for _, result := range results {
		if result.Err != nil {
			summary.Errors = multierror.Append(summary.Errors, result.Err)
			continue
		}
		units, ok := result.Value.(map[uuid.UUID]UnitResult)
		if !ok {
			continue
		}
		for repoID, unit := range units {
			switch unit.Status {
			case UnitStatusSuccess:
				summary.Completed++
			case UnitStatusSkipped:
				summary.Skipped++
			case UnitStatusFailed:
				summary.Failed++
				summary.Errors = multierror.Append(summary.Errors,
					xerrors.Errorf("repo %s: %s", repoID, unit.Error))
			}
		}
	}
	return summary
}
