// Package dbfake is an in-memory implementation of database.Store for
// quick testing without a running postgres.
package dbfake

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/devpulse/devpulse/pulsed/database"
)

// New returns an in-memory fake of the database.
func New() database.Store {
	return &fakeQuerier{
		mutex: &sync.RWMutex{},
		data: &data{
			metricCheckpoints: make([]database.MetricCheckpoint, 0),
			repos:             make([]database.Repo, 0),
		},
	}
}

type rwMutex interface {
	Lock()
	RLock()
	Unlock()
	RUnlock()
}

// inTxMutex is a no op, since inside a transaction we are already
// locked.
type inTxMutex struct{}

func (inTxMutex) Lock()    {}
func (inTxMutex) RLock()   {}
func (inTxMutex) Unlock()  {}
func (inTxMutex) RUnlock() {}

type fakeQuerier struct {
	mutex rwMutex
	*data
}

type data struct {
	metricCheckpoints []database.MetricCheckpoint
	repos             []database.Repo
}

func (*fakeQuerier) Ping(_ context.Context) (time.Duration, error) {
	return 0, nil
}

func (q *fakeQuerier) InTx(fn func(database.Store) error) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return fn(&fakeQuerier{mutex: inTxMutex{}, data: q.data})
}

func sameScope(cp database.MetricCheckpoint, arg database.GetMetricCheckpointParams) bool {
	return cp.OrgID == arg.OrgID &&
		cp.RepoID == arg.RepoID &&
		cp.MetricType == arg.MetricType &&
		cp.Day.Equal(arg.Day)
}

func (q *fakeQuerier) GetMetricCheckpoint(_ context.Context, arg database.GetMetricCheckpointParams) (database.MetricCheckpoint, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, cp := range q.metricCheckpoints {
		if sameScope(cp, arg) {
			return cp, nil
		}
	}
	return database.MetricCheckpoint{}, sql.ErrNoRows
}

func (q *fakeQuerier) GetMetricCheckpointByID(_ context.Context, id uuid.UUID) (database.MetricCheckpoint, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, cp := range q.metricCheckpoints {
		if cp.ID == id {
			return cp, nil
		}
	}
	return database.MetricCheckpoint{}, sql.ErrNoRows
}

func (q *fakeQuerier) UpsertMetricCheckpointRunning(_ context.Context, arg database.UpsertMetricCheckpointRunningParams) (database.MetricCheckpoint, error) {
	if arg.ID == uuid.Nil {
		return database.MetricCheckpoint{}, xerrors.New("id must be set")
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	scope := database.GetMetricCheckpointParams{
		OrgID:      arg.OrgID,
		RepoID:     arg.RepoID,
		MetricType: arg.MetricType,
		Day:        arg.Day,
	}
	for i, cp := range q.metricCheckpoints {
		if sameScope(cp, scope) {
			cp.Status = database.CheckpointStatusRunning
			cp.StartedAt = sql.NullTime{Time: arg.StartedAt, Valid: true}
			cp.WorkerID = sql.NullString{String: arg.WorkerID, Valid: true}
			cp.UpdatedAt = arg.StartedAt
			q.metricCheckpoints[i] = cp
			return cp, nil
		}
	}

	cp := database.MetricCheckpoint{
		ID:         arg.ID,
		OrgID:      arg.OrgID,
		RepoID:     arg.RepoID,
		MetricType: arg.MetricType,
		Day:        arg.Day,
		Status:     database.CheckpointStatusRunning,
		StartedAt:  sql.NullTime{Time: arg.StartedAt, Valid: true},
		WorkerID:   sql.NullString{String: arg.WorkerID, Valid: true},
		CreatedAt:  arg.StartedAt,
		UpdatedAt:  arg.StartedAt,
	}
	q.metricCheckpoints = append(q.metricCheckpoints, cp)
	return cp, nil
}

func (q *fakeQuerier) UpdateMetricCheckpointCompleted(_ context.Context, arg database.UpdateMetricCheckpointCompletedParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, cp := range q.metricCheckpoints {
		if cp.ID == arg.ID {
			cp.Status = database.CheckpointStatusCompleted
			cp.CompletedAt = sql.NullTime{Time: arg.CompletedAt, Valid: true}
			cp.UpdatedAt = arg.CompletedAt
			q.metricCheckpoints[i] = cp
			return nil
		}
	}
	return sql.ErrNoRows
}

func (q *fakeQuerier) UpdateMetricCheckpointFailed(_ context.Context, arg database.UpdateMetricCheckpointFailedParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, cp := range q.metricCheckpoints {
		if cp.ID == arg.ID {
			cp.Status = database.CheckpointStatusFailed
			cp.Error = sql.NullString{String: arg.Error, Valid: true}
			cp.UpdatedAt = arg.UpdatedAt
			q.metricCheckpoints[i] = cp
			return nil
		}
	}
	return sql.ErrNoRows
}

func (q *fakeQuerier) IsMetricCheckpointCompleted(_ context.Context, arg database.GetMetricCheckpointParams) (bool, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, cp := range q.metricCheckpoints {
		if sameScope(cp, arg) {
			return cp.Status == database.CheckpointStatusCompleted, nil
		}
	}
	return false, nil
}

func (q *fakeQuerier) GetIncompleteRepoIDs(_ context.Context, arg database.GetIncompleteRepoIDsParams) ([]uuid.UUID, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	completed := make(map[uuid.UUID]struct{})
	for _, cp := range q.metricCheckpoints {
		if cp.OrgID == arg.OrgID &&
			cp.MetricType == arg.MetricType &&
			cp.Day.Equal(arg.Day) &&
			cp.Status == database.CheckpointStatusCompleted &&
			cp.RepoID.Valid {
			completed[cp.RepoID.UUID] = struct{}{}
		}
	}

	incomplete := make([]uuid.UUID, 0, len(arg.RepoIDs))
	for _, id := range arg.RepoIDs {
		if _, ok := completed[id]; !ok {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete, nil
}

func (q *fakeQuerier) UpsertRepo(_ context.Context, arg database.UpsertRepoParams) (database.Repo, error) {
	if arg.ID == uuid.Nil {
		return database.Repo{}, xerrors.New("id must be set")
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, repo := range q.repos {
		if repo.OrgID == arg.OrgID && repo.Name == arg.Name {
			return q.repos[i], nil
		}
	}
	repo := database.Repo{
		ID:        arg.ID,
		OrgID:     arg.OrgID,
		Name:      arg.Name,
		CreatedAt: arg.CreatedAt,
	}
	q.repos = append(q.repos, repo)
	return repo, nil
}

func (q *fakeQuerier) GetRepoIDsByOrg(_ context.Context, orgID string) ([]uuid.UUID, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	ids := []uuid.UUID{}
	for _, repo := range q.repos {
		if repo.OrgID == orgID {
			ids = append(ids, repo.ID)
		}
	}
	return ids, nil
}

func (q *fakeQuerier) ResetStaleRunningCheckpoints(_ context.Context, arg database.ResetStaleRunningCheckpointsParams) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var count int64
	for i, cp := range q.metricCheckpoints {
		if cp.Status != database.CheckpointStatusRunning {
			continue
		}
		if !cp.StartedAt.Valid || !cp.StartedAt.Time.Before(arg.StartedBefore) {
			continue
		}
		cp.Status = database.CheckpointStatusPending
		cp.StartedAt = sql.NullTime{}
		cp.WorkerID = sql.NullString{}
		cp.UpdatedAt = arg.UpdatedAt
		q.metricCheckpoints[i] = cp
		count++
	}
	return count, nil
}
