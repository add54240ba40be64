package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"

	"github.com/devpulse/devpulse/pulsed/ratelimit"
	"github.com/devpulse/devpulse/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func redisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func TestLocalGateProgression(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		clock = quartz.NewMock(t)
		gate  = ratelimit.NewLocal(ratelimit.Config{
			InitialBackoff: time.Second,
			MaxBackoff:     8 * time.Second,
			BackoffFactor:  2.0,
		}, ratelimit.WithLocalClock(clock))
	)

	require.Equal(t, time.Second, gate.Penalize(ctx))
	require.Equal(t, 2*time.Second, gate.Penalize(ctx))
	require.Equal(t, 4*time.Second, gate.Penalize(ctx))
	require.Equal(t, 8*time.Second, gate.Penalize(ctx))
	// Capped at MaxBackoff from here on.
	require.Equal(t, 8*time.Second, gate.Penalize(ctx))

	require.Equal(t, 8*time.Second, gate.SleepDuration(ctx))

	gate.Reset(ctx)
	require.Equal(t, time.Second, gate.Penalize(ctx))
}

func TestLocalGateExplicitDelay(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		clock = quartz.NewMock(t)
		gate  = ratelimit.NewLocal(ratelimit.Config{}, ratelimit.WithLocalClock(clock))
	)

	// An explicit delay does not advance the exponential progression.
	require.Equal(t, 30*time.Second, gate.PenalizeFor(ctx, 30*time.Second))
	require.Equal(t, ratelimit.DefaultInitialBackoff, gate.Penalize(ctx))

	// The stored next-allowed-at only moves forward.
	require.Equal(t, 30*time.Second, gate.SleepDuration(ctx))
	gate.PenalizeFor(ctx, time.Second)
	require.Equal(t, 30*time.Second, gate.SleepDuration(ctx))
}

func TestLocalGateSleepDecays(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		clock = quartz.NewMock(t)
		gate  = ratelimit.NewLocal(ratelimit.Config{}, ratelimit.WithLocalClock(clock))
	)

	gate.PenalizeFor(ctx, 10*time.Second)
	clock.Advance(4 * time.Second)
	require.Equal(t, 6*time.Second, gate.SleepDuration(ctx))
	clock.Advance(10 * time.Second)
	require.Zero(t, gate.SleepDuration(ctx))
}

func TestLocalGateWait(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		clock = quartz.NewMock(t)
		gate  = ratelimit.NewLocal(ratelimit.Config{}, ratelimit.WithLocalClock(clock))
	)

	// An open gate returns immediately without arming a timer.
	require.NoError(t, gate.Wait(ctx))

	gate.PenalizeFor(ctx, 5*time.Second)

	trap := clock.Trap().NewTimer("ratelimit", "wait")
	defer trap.Close()

	done := make(chan error, 1)
	go func() {
		done <- gate.Wait(ctx)
	}()

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	clock.Advance(5 * time.Second).MustWait(ctx)

	require.NoError(t, testutil.RequireReceive(ctx, t, done))
}

func TestDistributedGateShared(t *testing.T) {
	t.Parallel()

	var (
		ctx       = testutil.Context(t, testutil.WaitShort)
		logger    = slogtest.Make(t, nil)
		_, client = redisClient(t)
		clock     = quartz.NewMock(t)
	)

	gate1 := ratelimit.New(client, "github", "", ratelimit.Config{},
		ratelimit.WithClock(clock), ratelimit.WithLogger(logger))
	gate2 := ratelimit.New(client, "github", "", ratelimit.Config{},
		ratelimit.WithClock(clock), ratelimit.WithLogger(logger))

	// A penalty applied through one gate is visible to the other.
	gate1.PenalizeFor(ctx, 30*time.Second)
	require.Equal(t, 30*time.Second, gate2.SleepDuration(ctx))

	// Reset clears the shared state for everyone.
	gate2.Reset(ctx)
	require.Zero(t, gate1.SleepDuration(ctx))
}

func TestDistributedGateScopedByToken(t *testing.T) {
	t.Parallel()

	var (
		ctx       = testutil.Context(t, testutil.WaitShort)
		logger    = slogtest.Make(t, nil)
		_, client = redisClient(t)
		clock     = quartz.NewMock(t)
	)

	tokenGate := ratelimit.New(client, "github", "token-a", ratelimit.Config{},
		ratelimit.WithClock(clock), ratelimit.WithLogger(logger))
	otherGate := ratelimit.New(client, "github", "token-b", ratelimit.Config{},
		ratelimit.WithClock(clock), ratelimit.WithLogger(logger))

	tokenGate.PenalizeFor(ctx, time.Minute)
	require.Zero(t, otherGate.SleepDuration(ctx))
}

func TestDistributedGateConcurrentPenalize(t *testing.T) {
	t.Parallel()

	var (
		ctx       = testutil.Context(t, testutil.WaitShort)
		logger    = slogtest.Make(t, nil)
		_, client = redisClient(t)
		clock     = quartz.NewMock(t)
	)

	delays := []time.Duration{
		5 * time.Second, 30 * time.Second, 10 * time.Second, 20 * time.Second,
	}
	var wg sync.WaitGroup
	for _, delay := range delays {
		delay := delay
		gate := ratelimit.New(client, "github", "", ratelimit.Config{},
			ratelimit.WithClock(clock), ratelimit.WithLogger(logger))
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.PenalizeFor(ctx, delay)
		}()
	}
	wg.Wait()

	// The largest proposed next-allowed-at wins; concurrent smaller
	// penalties never shorten the shared backoff.
	gate := ratelimit.New(client, "github", "", ratelimit.Config{},
		ratelimit.WithClock(clock), ratelimit.WithLogger(logger))
	require.Equal(t, 30*time.Second, gate.SleepDuration(ctx))
}

func TestDistributedGateDegradation(t *testing.T) {
	t.Parallel()

	var (
		ctx        = testutil.Context(t, testutil.WaitShort)
		logger     = slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
		mr, client = redisClient(t)
		clock      = quartz.NewMock(t)
	)

	gate := ratelimit.New(client, "github", "", ratelimit.Config{},
		ratelimit.WithClock(clock), ratelimit.WithLogger(logger))

	gate.PenalizeFor(ctx, 10*time.Second)
	require.Equal(t, 10*time.Second, gate.SleepDuration(ctx))

	// Kill the shared store. Every operation keeps working against
	// process-local state; no error escapes the public API.
	mr.Close()

	assert.Equal(t, 20*time.Second, gate.PenalizeFor(ctx, 20*time.Second))
	assert.Equal(t, 20*time.Second, gate.SleepDuration(ctx))
	assert.NotPanics(t, func() {
		gate.Reset(ctx)
		gate.Penalize(ctx)
	})
}

func TestDistributedGateNilClient(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		clock = quartz.NewMock(t)
	)

	// A gate built directly without a client is permanently degraded,
	// same as the token pool, rather than panicking on first use.
	gate := ratelimit.NewDistributed(nil, "github", "", ratelimit.Config{},
		ratelimit.WithClock(clock))

	require.Equal(t, 30*time.Second, gate.PenalizeFor(ctx, 30*time.Second))
	require.Equal(t, 30*time.Second, gate.SleepDuration(ctx))
	require.NotPanics(t, func() {
		gate.Reset(ctx)
		gate.Penalize(ctx)
	})
}

func TestTokenHash(t *testing.T) {
	t.Parallel()

	require.Len(t, ratelimit.TokenHash("ghp_secret"), 8)
	require.Equal(t, ratelimit.TokenHash("ghp_secret"), ratelimit.TokenHash("ghp_secret"))
	require.NotEqual(t, ratelimit.TokenHash("ghp_secret"), ratelimit.TokenHash("ghp_other"))
}
