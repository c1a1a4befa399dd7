// Package clock abstracts the timer operations used by the realtime
// subsystem so backoff and teardown delays can be driven by tests.
package clock

import "time"

// Clock is the subset of the time package the realtime subsystem needs.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. A real clock runs f in its own
	// goroutine; a fake clock runs it from Advance (or synchronously when
	// d <= 0).
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. It reports false if the call
	// already ran or was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
