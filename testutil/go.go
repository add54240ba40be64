package testutil

import "testing"

// Go runs fn in a goroutine and blocks test cleanup until fn returns,
// so a hung fn fails the test that started it instead of tripping the
// package leak check. The returned channel closes when fn exits.
func Go(t *testing.T, fn func()) (done <-chan struct{}) {
	t.Helper()

	doneC := make(chan struct{})
	t.Cleanup(func() {
		<-doneC
	})
	go func() {
		fn()
		close(doneC)
	}()

	return doneC
}
