package taskq

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// DefaultConcurrency bounds how many tasks an Inproc runtime executes
// at once.
const DefaultConcurrency = 8

// Inproc runs tasks on a bounded in-process worker pool. It implements
// the chord with a plain completion counter: collect every member's
// result, then invoke the callback once.
type Inproc struct {
	logger slog.Logger
	clock  quartz.Clock

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	coords sync.WaitGroup
}

// InprocOption configures the runtime.
type InprocOption func(*Inproc, *int)

func WithConcurrency(n int) InprocOption {
	return func(_ *Inproc, limit *int) {
		if n > 0 {
			*limit = n
		}
	}
}

func WithClock(clock quartz.Clock) InprocOption {
	return func(q *Inproc, _ *int) {
		q.clock = clock
	}
}

// NewInproc creates a runtime. Close it to cancel in-flight tasks and
// wait for them to exit.
func NewInproc(logger slog.Logger, opts ...InprocOption) *Inproc {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Inproc{
		logger: logger,
		clock:  quartz.NewReal(),
		ctx:    ctx,
		cancel: cancel,
		eg:     &errgroup.Group{},
	}
	limit := DefaultConcurrency
	for _, opt := range opts {
		opt(q, &limit)
	}
	q.eg.SetLimit(limit)
	return q
}

// Enqueue submits a single task. When the pool is saturated, Enqueue
// blocks until a slot frees up, providing natural backpressure to the
// dispatcher.
func (q *Inproc) Enqueue(ctx context.Context, name string, task Task, opts ...Option) error {
	if err := q.ctx.Err(); err != nil {
		return xerrors.Errorf("queue closed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	q.eg.Go(func() error {
		_, err := q.runWithRetry(q.ctx, name, task, o)
		if err != nil {
			q.logger.Error(q.ctx, "task failed permanently",
				slog.F("task", name), slog.Error(err))
		}
		return nil
	})
	return nil
}

// EnqueueChord submits tasks as a parallel group and fires callback
// exactly once after every member has returned. Individual member
// failures do not prevent the callback; their errors are delivered in
// the results slice.
func (q *Inproc) EnqueueChord(ctx context.Context, name string, tasks []Task, callback Callback, opts ...Option) error {
	if err := q.ctx.Err(); err != nil {
		return xerrors.Errorf("queue closed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	results := make([]Result, len(tasks))
	var members sync.WaitGroup
	members.Add(len(tasks))

	// The coordinator runs outside the worker pool so that waiting on
	// members can never deadlock against the pool limit.
	q.coords.Add(1)
	go func() {
		defer q.coords.Done()
		members.Wait()
		err := q.runCallbackWithRetry(q.ctx, name, callback, results, o)
		if err != nil {
			q.logger.Error(q.ctx, "chord callback failed permanently",
				slog.F("chord", name), slog.Error(err))
		}
	}()

	for i, task := range tasks {
		i, task := i, task
		q.eg.Go(func() error {
			defer members.Done()
			value, err := q.runWithRetry(q.ctx, name, task, o)
			results[i] = Result{Value: value, Err: err}
			return nil
		})
	}
	return nil
}

// Wait blocks until every in-flight task and chord callback has
// finished. Intended for draining in tests and one-shot CLI runs.
func (q *Inproc) Wait() {
	_ = q.eg.Wait()
	q.coords.Wait()
}

// Close cancels in-flight work and waits for it to exit.
func (q *Inproc) Close() {
	q.cancel()
	q.Wait()
}

func (q *Inproc) runWithRetry(ctx context.Context, name string, task Task, o options) (interface{}, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		value, err := task(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt >= o.maxRetries {
			break
		}
		countdown := o.retryBase << uint(attempt)
		q.logger.Warn(ctx, "task failed, retrying",
			slog.F("task", name),
			slog.F("attempt", attempt),
			slog.F("countdown", countdown),
			slog.Error(err),
		)
		if err := q.sleep(ctx, countdown); err != nil {
			return nil, err
		}
	}
	return nil, xerrors.Errorf("task %s exhausted %d retries: %w", name, o.maxRetries, lastErr)
}

func (q *Inproc) runCallbackWithRetry(ctx context.Context, name string, callback Callback, results []Result, o options) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := callback(ctx, results)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= o.callbackRetries {
			break
		}
		countdown := o.callbackRetryBase << uint(attempt)
		q.logger.Warn(ctx, "chord callback failed, retrying",
			slog.F("chord", name),
			slog.F("attempt", attempt),
			slog.F("countdown", countdown),
			slog.Error(err),
		)
		if err := q.sleep(ctx, countdown); err != nil {
			return err
		}
	}
	return xerrors.Errorf("chord %s callback exhausted %d retries: %w", name, o.callbackRetries, lastErr)
}

func (q *Inproc) sleep(ctx context.Context, d time.Duration) error {
	timer := q.clock.NewTimer(d, "taskq", "retry")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
