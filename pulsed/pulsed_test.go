package pulsed_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/devpulse/devpulse/pulsed"
	"github.com/devpulse/devpulse/pulsed/database/dbfake"
	"github.com/devpulse/devpulse/pulsed/pipeline"
	"github.com/devpulse/devpulse/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nopRunner struct{}

func (nopRunner) RunUnit(context.Context, pipeline.UnitParams) error { return nil }

type nopFinalizer struct{}

func (nopFinalizer) FinalizeDay(context.Context, pipeline.FinalizeParams) error { return nil }

type nopInvalidator struct{}

func (nopInvalidator) InvalidateMetricsDay(context.Context, string, time.Time) error { return nil }

type staticDiscoverer []uuid.UUID

func (d staticDiscoverer) DiscoverRepoIDs(context.Context, string) ([]uuid.UUID, error) {
	return d, nil
}

func newServer(t *testing.T, repoIDs []uuid.UUID) *pulsed.Server {
	t.Helper()
	srv, err := pulsed.New(context.Background(), &pulsed.Options{
		Logger:      slogtest.Make(t, nil),
		Database:    dbfake.New(),
		Discoverer:  staticDiscoverer(repoIDs),
		Runner:      nopRunner{},
		Finalizer:   nopFinalizer{},
		Invalidator: nopInvalidator{},
	})
	require.NoError(t, err)
	return srv
}

func TestCloseWithoutStart(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	srv := newServer(t, nil)

	// One-shot callers build the server, dispatch, and close without
	// ever starting the scheduler or reaper.
	done := testutil.Go(t, srv.Close)
	testutil.RequireReceive(ctx, t, done)
}

func TestDispatchNowWithoutStart(t *testing.T) {
	t.Parallel()

	var (
		ctx = testutil.Context(t, testutil.WaitShort)
		srv = newServer(t, []uuid.UUID{uuid.New(), uuid.New()})
	)

	result, err := srv.DispatchNow(ctx, pipeline.RunParams{OrgID: "acme"})
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusDispatched, result.Status)
	require.Equal(t, 2, result.UnitCount)
	srv.Drain()

	done := testutil.Go(t, srv.Close)
	testutil.RequireReceive(ctx, t, done)
}

func TestStartClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	srv := newServer(t, nil)
	srv.Start()

	done := testutil.Go(t, srv.Close)
	testutil.RequireReceive(ctx, t, done)
}
