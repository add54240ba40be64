package taskq_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/devpulse/devpulse/pulsed/taskq"
	"github.com/devpulse/devpulse/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, nil))
	)
	defer queue.Close()

	ran := make(chan struct{})
	err := queue.Enqueue(ctx, "noop", func(ctx context.Context) (interface{}, error) {
		close(ran)
		return nil, nil
	})
	require.NoError(t, err)
	testutil.RequireReceive(ctx, t, ran)
	queue.Wait()
}

func TestEnqueueRetries(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	)
	defer queue.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	err := queue.Enqueue(ctx, "flaky", func(ctx context.Context) (interface{}, error) {
		if attempts.Add(1) < 3 {
			return nil, xerrors.New("transient")
		}
		close(done)
		return nil, nil
	},
		taskq.WithMaxRetries(3),
		taskq.WithRetryBase(time.Millisecond),
	)
	require.NoError(t, err)
	testutil.RequireReceive(ctx, t, done)
	require.EqualValues(t, 3, attempts.Load())
}

func TestEnqueueExhaustsRetries(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	)
	defer queue.Close()

	var attempts atomic.Int32
	err := queue.Enqueue(ctx, "doomed", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, xerrors.New("permanent")
	},
		taskq.WithMaxRetries(2),
		taskq.WithRetryBase(time.Millisecond),
	)
	require.NoError(t, err)
	queue.Wait()

	// Initial attempt plus two retries.
	require.EqualValues(t, 3, attempts.Load())
}

func TestChord(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	)
	defer queue.Close()

	tasks := []taskq.Task{
		func(ctx context.Context) (interface{}, error) { return "a", nil },
		func(ctx context.Context) (interface{}, error) { return nil, xerrors.New("boom") },
		func(ctx context.Context) (interface{}, error) { return "c", nil },
	}

	var (
		calls atomic.Int32
		gotMu sync.Mutex
		got   []taskq.Result
		fired = make(chan struct{})
	)
	err := queue.EnqueueChord(ctx, "grp", tasks, func(ctx context.Context, results []taskq.Result) error {
		calls.Add(1)
		gotMu.Lock()
		got = append([]taskq.Result{}, results...)
		gotMu.Unlock()
		close(fired)
		return nil
	},
		taskq.WithMaxRetries(0),
		taskq.WithRetryBase(time.Millisecond),
	)
	require.NoError(t, err)
	testutil.RequireReceive(ctx, t, fired)
	queue.Wait()

	// The callback fires exactly once, after every member returned,
	// with results in submission order. Member failures are data, not
	// a reason to skip the callback.
	require.EqualValues(t, 1, calls.Load())
	gotMu.Lock()
	defer gotMu.Unlock()
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].Value)
	require.NoError(t, got[0].Err)
	require.Error(t, got[1].Err)
	require.Equal(t, "c", got[2].Value)
	require.NoError(t, got[2].Err)
}

func TestChordCallbackRetries(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	)
	defer queue.Close()

	tasks := []taskq.Task{
		func(ctx context.Context) (interface{}, error) { return 1, nil },
	}

	var calls atomic.Int32
	done := make(chan struct{})
	err := queue.EnqueueChord(ctx, "grp", tasks, func(ctx context.Context, results []taskq.Result) error {
		if calls.Add(1) == 1 {
			return xerrors.New("transient")
		}
		close(done)
		return nil
	},
		taskq.WithCallbackRetries(2),
		taskq.WithCallbackRetryBase(time.Millisecond),
	)
	require.NoError(t, err)
	testutil.RequireReceive(ctx, t, done)
	queue.Wait()
	require.EqualValues(t, 2, calls.Load())
}

func TestChordManyBatchesBoundedPool(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, nil), taskq.WithConcurrency(2))
	)
	defer queue.Close()

	// More members than pool slots must not deadlock the fan-in.
	tasks := make([]taskq.Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (interface{}, error) {
			return i, nil
		}
	}

	fired := make(chan []taskq.Result, 1)
	err := queue.EnqueueChord(ctx, "grp", tasks, func(ctx context.Context, results []taskq.Result) error {
		fired <- results
		return nil
	})
	require.NoError(t, err)

	results := testutil.RequireReceive(ctx, t, fired)
	require.Len(t, results, 10)
	for i, result := range results {
		require.Equal(t, i, result.Value)
	}
}

func TestCloseCancelsInflight(t *testing.T) {
	t.Parallel()

	var (
		ctx   = testutil.Context(t, testutil.WaitShort)
		queue = taskq.NewInproc(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	)

	started := make(chan struct{})
	err := queue.Enqueue(ctx, "stuck", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, taskq.WithMaxRetries(0))
	require.NoError(t, err)

	testutil.RequireReceive(ctx, t, started)
	queue.Close()

	// A closed queue rejects new work.
	err = queue.Enqueue(ctx, "late", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	err = queue.EnqueueChord(ctx, "late", nil, nil)
	require.Error(t, err)
}
