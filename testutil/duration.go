package testutil

import "time"

// Constants for timing out operations in tests. The intervals are
// dual to the waits: they poll, the waits bound the whole operation.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second

	IntervalFast   = 25 * time.Millisecond
	IntervalMedium = 250 * time.Millisecond
	IntervalSlow   = time.Second
)
