// Package clock provides an injectable source of time so the rolling
// window, health-check, and cooldown timers in breakerstat can be
// driven deterministically from tests.
package clock

import "time"

// Clock abstracts time.Now and time.AfterFunc so tests can advance time
// without sleeping. Grounded on the failsafe-go test suite's
// util.Clock/TestClock split (internal/testutil).
type Clock interface {
	Now() time.Time

	// AfterFunc schedules fn to run after d and returns a Timer that can
	// cancel the schedule. Implementations must not keep the host process
	// alive solely because a Timer is pending (spec §5): the real clock
	// satisfies this by delegating to time.AfterFunc, whose underlying
	// runtime timer never blocks process exit.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the subset of time.Timer that breakerstat's rotation,
// snapshot, health-check, and cooldown schedules need.
type Timer interface {
	// Stop prevents the timer from firing, returning whether it was
	// still pending. Calling Stop twice is safe; the second call
	// returns false.
	Stop() bool
}

type realClock struct{}

// Real returns the production Clock backed by the Go runtime.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
