package pipeline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/pulsed/database/dbtime"
	"github.com/devpulse/devpulse/pulsed/pipeline"
	"github.com/devpulse/devpulse/pulsed/ratelimit"
	"github.com/devpulse/devpulse/testutil"
)

type gateSpy struct {
	ratelimit.Gate

	mu         sync.Mutex
	waits      int
	penalized  []time.Duration
	progressed int
}

func (g *gateSpy) Wait(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waits++
	return nil
}

func (g *gateSpy) Penalize(_ context.Context) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.progressed++
	return time.Second
}

func (g *gateSpy) PenalizeFor(_ context.Context, delay time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.penalized = append(g.penalized, delay)
	return delay
}

func TestComputeClientRunUnit(t *testing.T) {
	t.Parallel()

	var (
		ctx  = testutil.Context(t, testutil.WaitShort)
		gate = &gateSpy{}
		got  struct {
			OrgID      string    `json:"org_id"`
			RepoID     uuid.UUID `json:"repo_id"`
			MetricType string    `json:"metric_type"`
			Day        string    `json:"day"`
		}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/v1/compute/unit", req.URL.Path)
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := pipeline.NewComputeClient(srv.URL, nil, pipeline.WithGate(gate))
	repoID := uuid.New()
	day := dbtime.StartOfDay(time.Now().UTC())
	err := client.RunUnit(ctx, pipeline.UnitParams{
		OrgID:      "acme",
		RepoID:     repoID,
		MetricType: "daily",
		Day:        day,
	})
	require.NoError(t, err)
	require.Equal(t, "acme", got.OrgID)
	require.Equal(t, repoID, got.RepoID)
	require.Equal(t, day.Format("2006-01-02"), got.Day)
	require.Equal(t, 1, gate.waits)
}

func TestComputeClientRateLimited(t *testing.T) {
	t.Parallel()

	var (
		ctx  = testutil.Context(t, testutil.WaitShort)
		gate = &gateSpy{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Retry-After", "30")
		rw.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := pipeline.NewComputeClient(srv.URL, nil, pipeline.WithGate(gate))
	err := client.FinalizeDay(ctx, pipeline.FinalizeParams{
		OrgID:      "acme",
		MetricType: "daily",
		Day:        dbtime.StartOfDay(time.Now().UTC()),
	})
	require.ErrorContains(t, err, "rate limited")
	require.Equal(t, []time.Duration{30 * time.Second}, gate.penalized)
	require.Zero(t, gate.progressed)
}

func TestComputeClientRateLimitedNoHeader(t *testing.T) {
	t.Parallel()

	var (
		ctx  = testutil.Context(t, testutil.WaitShort)
		gate = &gateSpy{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := pipeline.NewComputeClient(srv.URL, nil, pipeline.WithGate(gate))
	err := client.RunUnit(ctx, pipeline.UnitParams{
		OrgID:      "acme",
		RepoID:     uuid.New(),
		MetricType: "daily",
		Day:        dbtime.StartOfDay(time.Now().UTC()),
	})
	require.ErrorContains(t, err, "rate limited")

	// Without a server-supplied delay the exponential progression
	// advances instead.
	require.Equal(t, 1, gate.progressed)
	require.Empty(t, gate.penalized)
}

func TestComputeClientServerError(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "schema drift detected", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := pipeline.NewComputeClient(srv.URL, nil)
	err := client.RunUnit(ctx, pipeline.UnitParams{
		OrgID:      "acme",
		RepoID:     uuid.New(),
		MetricType: "daily",
		Day:        dbtime.StartOfDay(time.Now().UTC()),
	})
	require.ErrorContains(t, err, "status 500")
	require.ErrorContains(t, err, "schema drift detected")
}
