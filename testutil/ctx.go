package testutil

import (
	"context"
	"testing"
	"time"
)

// Context returns a context canceled on test cleanup or after the
// given timeout, whichever comes first.
func Context(t testing.TB, dur time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
