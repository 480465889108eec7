package clock

import "time"

// Clock abstracts time so lease expiry and watchdog timers can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
	// AfterFunc schedules f to run in its own goroutine after d elapses.
	// The returned Timer can cancel the call before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call scheduled via AfterFunc.
type Timer interface {
	// Stop cancels the timer. It reports whether the call was prevented
	// from running.
	Stop() bool
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// AfterFunc mirrors time.AfterFunc while satisfying the Clock interface.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) Stop() bool {
	return rt.t.Stop()
}
