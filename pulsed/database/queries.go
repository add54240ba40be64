package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const checkpointColumns = `
	id, org_id, repo_id, metric_type, day, status,
	started_at, completed_at, error, worker_id, created_at, updated_at
`

type GetMetricCheckpointParams struct {
	OrgID      string
	RepoID     uuid.NullUUID
	MetricType string
	Day        time.Time
}

func (q *sqlQuerier) GetMetricCheckpoint(ctx context.Context, arg GetMetricCheckpointParams) (MetricCheckpoint, error) {
	const query = `
SELECT` + checkpointColumns + `
FROM metric_checkpoints
WHERE org_id = $1
  AND repo_id IS NOT DISTINCT FROM $2
  AND metric_type = $3
  AND day = $4
`
	var cp MetricCheckpoint
	err := q.db.GetContext(ctx, &cp, query, arg.OrgID, arg.RepoID, arg.MetricType, arg.Day)
	return cp, err
}

func (q *sqlQuerier) GetMetricCheckpointByID(ctx context.Context, id uuid.UUID) (MetricCheckpoint, error) {
	const query = `
SELECT` + checkpointColumns + `
FROM metric_checkpoints
WHERE id = $1
`
	var cp MetricCheckpoint
	err := q.db.GetContext(ctx, &cp, query, id)
	return cp, err
}

type UpsertMetricCheckpointRunningParams struct {
	ID         uuid.UUID
	OrgID      string
	RepoID     uuid.NullUUID
	MetricType string
	Day        time.Time
	StartedAt  time.Time
	WorkerID   string
}

// UpsertMetricCheckpointRunning lazily creates the checkpoint row and
// moves it to RUNNING. An existing row is taken over regardless of its
// current owner: there is deliberately no compare-and-swap on
// worker_id, so re-dispatching a unit abandoned by a dead worker just
// works. Correctness against double work rests on the dispatcher
// issuing each unit to exactly one batch per run.
func (q *sqlQuerier) UpsertMetricCheckpointRunning(ctx context.Context, arg UpsertMetricCheckpointRunningParams) (MetricCheckpoint, error) {
	const query = `
INSERT INTO metric_checkpoints (
	id, org_id, repo_id, metric_type, day, status,
	started_at, worker_id, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, 'running', $6, $7, $6, $6)
ON CONFLICT (org_id, COALESCE(repo_id, '00000000-0000-0000-0000-000000000000'::uuid), metric_type, day)
DO UPDATE SET
	status = 'running',
	started_at = $6,
	worker_id = $7,
	updated_at = $6
RETURNING` + checkpointColumns + `
`
	var cp MetricCheckpoint
	err := q.db.GetContext(ctx, &cp, query,
		arg.ID, arg.OrgID, arg.RepoID, arg.MetricType, arg.Day, arg.StartedAt, arg.WorkerID)
	return cp, err
}

type UpdateMetricCheckpointCompletedParams struct {
	ID          uuid.UUID
	CompletedAt time.Time
}

func (q *sqlQuerier) UpdateMetricCheckpointCompleted(ctx context.Context, arg UpdateMetricCheckpointCompletedParams) error {
	const query = `
UPDATE metric_checkpoints
SET status = 'completed', completed_at = $2, updated_at = $2
WHERE id = $1
RETURNING id
`
	var id uuid.UUID
	return q.db.GetContext(ctx, &id, query, arg.ID, arg.CompletedAt)
}

type UpdateMetricCheckpointFailedParams struct {
	ID        uuid.UUID
	Error     string
	UpdatedAt time.Time
}

func (q *sqlQuerier) UpdateMetricCheckpointFailed(ctx context.Context, arg UpdateMetricCheckpointFailedParams) error {
	const query = `
UPDATE metric_checkpoints
SET status = 'failed', error = $2, updated_at = $3
WHERE id = $1
RETURNING id
`
	var id uuid.UUID
	return q.db.GetContext(ctx, &id, query, arg.ID, arg.Error, arg.UpdatedAt)
}

func (q *sqlQuerier) IsMetricCheckpointCompleted(ctx context.Context, arg GetMetricCheckpointParams) (bool, error) {
	const query = `
SELECT COUNT(*)
FROM metric_checkpoints
WHERE org_id = $1
  AND repo_id IS NOT DISTINCT FROM $2
  AND metric_type = $3
  AND day = $4
  AND status = 'completed'
`
	var count int64
	err := q.db.GetContext(ctx, &count, query, arg.OrgID, arg.RepoID, arg.MetricType, arg.Day)
	return count > 0, err
}

type GetIncompleteRepoIDsParams struct {
	OrgID      string
	MetricType string
	Day        time.Time
	RepoIDs    []uuid.UUID
}

// GetIncompleteRepoIDs returns the subset of RepoIDs without a
// COMPLETED checkpoint for the scope. This is the core resume query:
// re-running a partially finished day dispatches only what is left.
func (q *sqlQuerier) GetIncompleteRepoIDs(ctx context.Context, arg GetIncompleteRepoIDsParams) ([]uuid.UUID, error) {
	const query = `
SELECT repo_id
FROM metric_checkpoints
WHERE org_id = $1
  AND metric_type = $2
  AND day = $3
  AND status = 'completed'
  AND repo_id IS NOT NULL
`
	var completed []uuid.UUID
	err := q.db.SelectContext(ctx, &completed, query, arg.OrgID, arg.MetricType, arg.Day)
	if err != nil {
		return nil, err
	}
	completedSet := make(map[uuid.UUID]struct{}, len(completed))
	for _, id := range completed {
		completedSet[id] = struct{}{}
	}
	incomplete := make([]uuid.UUID, 0, len(arg.RepoIDs))
	for _, id := range arg.RepoIDs {
		if _, ok := completedSet[id]; !ok {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete, nil
}

type UpsertRepoParams struct {
	ID        uuid.UUID
	OrgID     string
	Name      string
	CreatedAt time.Time
}

func (q *sqlQuerier) UpsertRepo(ctx context.Context, arg UpsertRepoParams) (Repo, error) {
	const query = `
INSERT INTO repos (id, org_id, name, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (org_id, name)
DO UPDATE SET name = $3
RETURNING id, org_id, name, created_at
`
	var repo Repo
	err := q.db.GetContext(ctx, &repo, query, arg.ID, arg.OrgID, arg.Name, arg.CreatedAt)
	return repo, err
}

func (q *sqlQuerier) GetRepoIDsByOrg(ctx context.Context, orgID string) ([]uuid.UUID, error) {
	const query = `
SELECT id
FROM repos
WHERE org_id = $1
ORDER BY created_at, id
`
	ids := []uuid.UUID{}
	err := q.db.SelectContext(ctx, &ids, query, orgID)
	return ids, err
}

type ResetStaleRunningCheckpointsParams struct {
	StartedBefore time.Time
	UpdatedAt     time.Time
}

// ResetStaleRunningCheckpoints reverts RUNNING rows whose owner went
// silent back to PENDING so a later run can pick them up. Only RUNNING
// rows are eligible; COMPLETED, FAILED and PENDING rows are never
// touched.
func (q *sqlQuerier) ResetStaleRunningCheckpoints(ctx context.Context, arg ResetStaleRunningCheckpointsParams) (int64, error) {
	const query = `
UPDATE metric_checkpoints
SET status = 'pending', started_at = NULL, worker_id = NULL, updated_at = $2
WHERE status = 'running'
  AND started_at IS NOT NULL
  AND started_at < $1
`
	res, err := q.db.ExecContext(ctx, query, arg.StartedBefore, arg.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
