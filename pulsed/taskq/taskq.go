// Package taskq defines the task-queue interface the pipeline runs on,
// plus an in-process runtime implementing it.
//
// The pipeline needs three primitives from a queue: submit a task,
// submit a group of parallel tasks with a single callback that fires
// exactly once after every member has returned (the chord), and retry
// a failed task with an exponential countdown up to a ceiling. Any
// runtime providing those can replace Inproc.
package taskq

import (
	"context"
	"time"
)

// Task is one unit of queued work. The returned value is opaque to the
// queue and handed to the chord callback.
type Task func(ctx context.Context) (interface{}, error)

// Result is the outcome of a single group member: its returned value,
// or the error left after the runtime exhausted the task's retries.
type Result struct {
	Value interface{}
	Err   error
}

// Callback receives the results of every member of a chord, in
// submission order, after all of them have returned.
type Callback func(ctx context.Context, results []Result) error

// Queue is the interface the dispatcher submits work through.
type Queue interface {
	// Enqueue submits a single task.
	Enqueue(ctx context.Context, name string, task Task, opts ...Option) error
	// EnqueueChord submits a parallel group plus a fan-in callback.
	// The callback fires exactly once, after every task has returned
	// (successfully or with exhausted retries).
	EnqueueChord(ctx context.Context, name string, tasks []Task, callback Callback, opts ...Option) error
}

const (
	DefaultMaxRetries        = 3
	DefaultRetryBase         = time.Minute
	DefaultCallbackRetries   = 2
	DefaultCallbackRetryBase = 2 * time.Minute
)

type options struct {
	maxRetries        int
	retryBase         time.Duration
	callbackRetries   int
	callbackRetryBase time.Duration
}

func defaultOptions() options {
	return options{
		maxRetries:        DefaultMaxRetries,
		retryBase:         DefaultRetryBase,
		callbackRetries:   DefaultCallbackRetries,
		callbackRetryBase: DefaultCallbackRetryBase,
	}
}

// Option tunes retry behavior for one enqueue.
type Option func(*options)

// WithMaxRetries caps how many times a failed task is retried before
// its error becomes final.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithRetryBase sets the first retry countdown; attempt n waits
// base * 2^n.
func WithRetryBase(d time.Duration) Option {
	return func(o *options) {
		o.retryBase = d
	}
}

// WithCallbackRetries caps retries of the chord callback.
func WithCallbackRetries(n int) Option {
	return func(o *options) {
		o.callbackRetries = n
	}
}

// WithCallbackRetryBase sets the callback's first retry countdown.
func WithCallbackRetryBase(d time.Duration) Option {
	return func(o *options) {
		o.callbackRetryBase = d
	}
}
