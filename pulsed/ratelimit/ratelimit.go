// Package ratelimit coordinates backoff across workers hitting the
// same external provider.
//
// Many independent worker processes may observe a 429 from the same
// provider at roughly the same time. The gate stores a shared
// next-allowed-at timestamp so they back off together instead of
// stampeding, and every mutation of that timestamp is a single atomic
// operation against the shared store.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/coder/quartz"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultBackoffFactor  = 2.0
)

// Config tunes the exponential backoff progression of a gate.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	return c
}

// Gate is a shared backoff gate. Callers Wait before any outbound call
// to a rate-limited provider and Penalize when the provider pushes
// back.
type Gate interface {
	// Penalize pushes the next-allowed time into the future by the
	// current exponential backoff value and advances the progression.
	// It returns the applied delay.
	Penalize(ctx context.Context) time.Duration
	// PenalizeFor honors an explicit server-supplied delay (for
	// example a Retry-After header) without advancing the exponential
	// progression.
	PenalizeFor(ctx context.Context, delay time.Duration) time.Duration
	// SleepDuration returns how long a caller must wait before the
	// next call is allowed. Zero when the gate is open.
	SleepDuration(ctx context.Context) time.Duration
	// Wait blocks until the gate opens or ctx is done.
	Wait(ctx context.Context) error
	// Reset returns the backoff progression to its initial value and
	// clears shared state. Used after a long run of successful calls.
	Reset(ctx context.Context)
}

// TokenHash returns a short stable identifier for a credential so
// plaintext never appears in coordination keys.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func waitOn(ctx context.Context, clock quartz.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d, "ratelimit", "wait")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
