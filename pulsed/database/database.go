// Package database connects to external services for stateful storage.
//
// The metric_checkpoints table is the single source of truth for "has
// unit X for day D been computed". All mutation goes through the
// Store; each checkpoint scope owns exactly one row, so no multi-row
// transactions are required.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store contains all queryable database functions.
type Store interface {
	querier

	Ping(ctx context.Context) (time.Duration, error)
	InTx(func(Store) error) error
}

// querier lists the checkpoint queries shared by the postgres and
// in-memory implementations.
type querier interface {
	GetMetricCheckpoint(ctx context.Context, arg GetMetricCheckpointParams) (MetricCheckpoint, error)
	GetMetricCheckpointByID(ctx context.Context, id uuid.UUID) (MetricCheckpoint, error)
	UpsertMetricCheckpointRunning(ctx context.Context, arg UpsertMetricCheckpointRunningParams) (MetricCheckpoint, error)
	UpdateMetricCheckpointCompleted(ctx context.Context, arg UpdateMetricCheckpointCompletedParams) error
	UpdateMetricCheckpointFailed(ctx context.Context, arg UpdateMetricCheckpointFailedParams) error
	IsMetricCheckpointCompleted(ctx context.Context, arg GetMetricCheckpointParams) (bool, error)
	GetIncompleteRepoIDs(ctx context.Context, arg GetIncompleteRepoIDsParams) ([]uuid.UUID, error)
	ResetStaleRunningCheckpoints(ctx context.Context, arg ResetStaleRunningCheckpointsParams) (int64, error)

	UpsertRepo(ctx context.Context, arg UpsertRepoParams) (Repo, error)
	GetRepoIDsByOrg(ctx context.Context, orgID string) ([]uuid.UUID, error)
}

// DBTX represents a database connection or transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// New creates a new database store using a SQL database connection.
func New(sdb *sql.DB) Store {
	dbx := sqlx.NewDb(sdb, "postgres")
	return &sqlQuerier{
		db:  dbx,
		sdb: dbx,
	}
}

type sqlQuerier struct {
	sdb *sqlx.DB
	db  DBTX
}

func (q *sqlQuerier) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := q.sdb.PingContext(ctx)
	return time.Since(start), err
}

func (q *sqlQuerier) InTx(fn func(Store) error) error {
	if _, ok := q.db.(*sqlx.Tx); ok {
		// Already in a transaction.
		return fn(q)
	}
	tx, err := q.sdb.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	err = fn(&sqlQuerier{sdb: q.sdb, db: tx})
	if err != nil {
		return err
	}
	return tx.Commit()
}
