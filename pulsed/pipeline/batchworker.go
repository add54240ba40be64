package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/dbtime"
)

// UnitStatus is the per-unit outcome recorded in a batch result.
type UnitStatus string

const (
	UnitStatusSuccess UnitStatus = "success"
	UnitStatusFailed  UnitStatus = "failed"
	UnitStatusSkipped UnitStatus = "skipped"
)

// UnitResult is the outcome of one unit within a batch.
type UnitResult struct {
	Status UnitStatus
	Error  string
}

// BatchParams describes one batch task.
type BatchParams struct {
	OrgID      string
	MetricType string
	Day        time.Time
	RepoIDs    []uuid.UUID
	WorkerID   string
}

// BatchWorker computes the units of one batch sequentially, each
// behind its own checkpoint. Unit failures are recorded and do not
// abort the batch; only checkpoint store errors abort the whole
// invocation, which the queue then retries.
type BatchWorker struct {
	logger  slog.Logger
	db      database.Store
	runner  UnitRunner
	clock   quartz.Clock
	metrics *Metrics
}

func NewBatchWorker(logger slog.Logger, db database.Store, runner UnitRunner, clock quartz.Clock, metrics *Metrics) *BatchWorker {
	return &BatchWorker{
		logger:  logger,
		db:      db,
		runner:  runner,
		clock:   clock,
		metrics: metrics,
	}
}

// ProcessBatch runs every unit in the batch and returns a per-repo
// result map. Units with a COMPLETED checkpoint are skipped, making
// reruns of a partially finished day cheap.
func (w *BatchWorker) ProcessBatch(ctx context.Context, params BatchParams) (map[uuid.UUID]UnitResult, error) {
	results := make(map[uuid.UUID]UnitResult, len(params.RepoIDs))
	for _, repoID := range params.RepoIDs {
		result, err := w.processUnit(ctx, params, repoID)
		if err != nil {
			return nil, err
		}
		results[repoID] = result
		w.metrics.recordUnit(result.Status)
	}
	return results, nil
}

func (w *BatchWorker) processUnit(ctx context.Context, params BatchParams, repoID uuid.UUID) (UnitResult, error) {
	scope := database.GetMetricCheckpointParams{
		OrgID:      params.OrgID,
		RepoID:     uuid.NullUUID{UUID: repoID, Valid: true},
		MetricType: params.MetricType,
		Day:        params.Day,
	}
	done, err := w.db.IsMetricCheckpointCompleted(ctx, scope)
	if err != nil {
		return UnitResult{}, xerrors.Errorf("check checkpoint completion: %w", err)
	}
	if done {
		w.logger.Debug(ctx, "unit already completed, skipping",
			slog.F("org_id", params.OrgID),
			slog.F("repo_id", repoID),
			slog.F("day", params.Day),
		)
		return UnitResult{Status: UnitStatusSkipped}, nil
	}

	now := dbtime.Time(w.clock.Now())
	cp, err := w.db.UpsertMetricCheckpointRunning(ctx, database.UpsertMetricCheckpointRunningParams{
		ID:         uuid.New(),
		OrgID:      params.OrgID,
		RepoID:     scope.RepoID,
		MetricType: params.MetricType,
		Day:        params.Day,
		StartedAt:  now,
		WorkerID:   params.WorkerID,
	})
	if err != nil {
		return UnitResult{}, xerrors.Errorf("mark checkpoint running: %w", err)
	}

	runErr := w.runner.RunUnit(ctx, UnitParams{
		OrgID:      params.OrgID,
		RepoID:     repoID,
		MetricType: params.MetricType,
		Day:        params.Day,
	})
	if runErr != nil {
		w.logger.Warn(ctx, "unit failed",
			slog.F("org_id", params.OrgID),
			slog.F("repo_id", repoID),
			slog.F("day", params.Day),
			slog.Error(runErr),
		)
		err = w.db.UpdateMetricCheckpointFailed(ctx, database.UpdateMetricCheckpointFailedParams{
			ID:        cp.ID,
			Error:     runErr.Error(),
			UpdatedAt: dbtime.Time(w.clock.Now()),
		})
		if err != nil {
			return UnitResult{}, xerrors.Errorf("mark checkpoint failed: %w", err)
		}
		return UnitResult{Status: UnitStatusFailed, Error: runErr.Error()}, nil
	}

	err = w.db.UpdateMetricCheckpointCompleted(ctx, database.UpdateMetricCheckpointCompletedParams{
		ID:          cp.ID,
		CompletedAt: dbtime.Time(w.clock.Now()),
	})
	if err != nil {
		return UnitResult{}, xerrors.Errorf("mark checkpoint completed: %w", err)
	}
	return UnitResult{Status: UnitStatusSuccess}, nil
}
