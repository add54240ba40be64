package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/dbfake"
	"github.com/devpulse/devpulse/pulsed/pipeline"
	"github.com/devpulse/devpulse/pulsed/taskq"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDiscoverer struct {
	ids []uuid.UUID
	err error
}

func (d *fakeDiscoverer) DiscoverRepoIDs(_ context.Context, _ string) ([]uuid.UUID, error) {
	return d.ids, d.err
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []pipeline.UnitParams
	// fail returns the error a unit should fail with, keyed by repo.
	fail map[uuid.UUID]error
}

func (r *fakeRunner) RunUnit(_ context.Context, params pipeline.UnitParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, params)
	return r.fail[params.RepoID]
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []pipeline.FinalizeParams
	err   error
}

func (f *fakeFinalizer) FinalizeDay(_ context.Context, params pipeline.FinalizeParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	return f.err
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newMetrics(t *testing.T) *pipeline.Metrics {
	t.Helper()
	m, err := pipeline.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func testLogger(t *testing.T) slog.Logger {
	t.Helper()
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
}

func newRepoIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

// env bundles a fully wired pipeline over the in-memory store and an
// in-process queue.
type env struct {
	db          database.Store
	clock       *quartz.Mock
	queue       *taskq.Inproc
	runner      *fakeRunner
	finalizer   *fakeFinalizer
	invalidator *countingInvalidator
	dispatcher  *pipeline.Dispatcher
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (i *countingInvalidator) InvalidateMetricsDay(_ context.Context, _ string, _ time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.err
}

func (i *countingInvalidator) callCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

func newEnv(t *testing.T, repoIDs []uuid.UUID, defaultBatchSize int) *env {
	t.Helper()

	logger := testLogger(t)
	clock := quartz.NewMock(t)
	db := dbfake.New()
	metrics := newMetrics(t)
	queue := taskq.NewInproc(logger.Named("taskq"))
	t.Cleanup(queue.Close)

	runner := &fakeRunner{fail: map[uuid.UUID]error{}}
	finalizer := &fakeFinalizer{}
	invalidator := &countingInvalidator{}

	batch := pipeline.NewBatchWorker(logger.Named("batch"), db, runner, clock, metrics)
	finalize := pipeline.NewFinalizeWorker(logger.Named("finalize"), db, finalizer, invalidator, clock, metrics, "worker-test")
	dispatcher := pipeline.NewDispatcher(logger.Named("dispatch"), queue, &fakeDiscoverer{ids: repoIDs}, batch, finalize, clock, metrics, defaultBatchSize, "worker-test")

	return &env{
		db:          db,
		clock:       clock,
		queue:       queue,
		runner:      runner,
		finalizer:   finalizer,
		invalidator: invalidator,
		dispatcher:  dispatcher,
	}
}
