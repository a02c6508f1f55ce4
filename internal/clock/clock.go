// Package clock abstracts time so the client orchestrators can be driven by
// a fake clock in tests.
package clock

import "time"

// Clock is the subset of the time package the orchestrators use.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. With the real clock f runs on
	// its own goroutine; with the fake clock it runs inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the callback from running. It reports whether the call
// was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
