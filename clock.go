package pushstream

import "time"

// Clock schedules delayed callbacks. Reconnect backoff and refresh debouncing
// go through it so tests can drive time by hand.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback created by a Clock.
type Timer interface {
	// Stop prevents the callback from firing. It reports false if the
	// callback already fired or was stopped.
	Stop() bool
}

// RealClock is a Clock backed by time.AfterFunc.
type RealClock struct{}

// AfterFunc implements Clock.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
