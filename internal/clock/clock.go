// Package clock provides the single-threaded scheduler every state machine in
// the orchestrator runs on.
//
// All callbacks handed to a Scheduler execute one at a time on the scheduler's
// goroutine, so controllers never need locks for their own state. Work that
// blocks (network fetches) runs elsewhere and hands its result back with Post.
package clock

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from running. Once Stop returns the callback never runs.
	Stop() bool
}

// Scheduler is the timer service and event queue shared by all controllers.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs fn on the scheduler once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Post queues fn to run on the scheduler. Safe to call from any goroutine.
	Post(fn func())
}

// StopTimer stops t if it is non-nil and returns nil, so callers can write
// `s.timer = clock.StopTimer(s.timer)`.
func StopTimer(t Timer) Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}
