// Package watchdog implements the inactivity countdown that resets the shared
// theme to a random preset once nobody has touched it for a while.
package watchdog

import (
	"math/rand/v2"
	"time"
)

// DefaultTimeout is how long the theme may sit untouched before a reset.
const DefaultTimeout = 3 * time.Minute

// Watchdog is a restartable countdown. Every Schedule supersedes the pending
// expiry, so C only ever delivers for the most recent call.
//
// A Watchdog is owned by a single goroutine (the hub event loop) and is not
// safe for concurrent use.
type Watchdog struct {
	timeout  time.Duration
	cycle    []string
	intn     func(n int) int
	timer    *time.Timer
	deadline time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithRand overrides the random source used by Pick. intn must return a value
// in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(w *Watchdog) { w.intn = intn }
}

// New creates a stopped watchdog. A non-positive timeout selects
// DefaultTimeout. cycle is the set Pick draws from.
func New(timeout time.Duration, cycle []string, opts ...Option) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTimer(timeout)
	t.Stop()

	w := &Watchdog{
		timeout: timeout,
		cycle:   append([]string(nil), cycle...),
		intn:    rand.IntN,
		timer:   t,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schedule cancels any pending expiry and starts a fresh countdown.
func (w *Watchdog) Schedule() {
	// Since Go 1.23 Reset also drains a value that fired but was not received.
	w.timer.Reset(w.timeout)
	w.deadline = time.Now().Add(w.timeout)
}

// Stop cancels the pending expiry, if any.
func (w *Watchdog) Stop() {
	w.timer.Stop()
	w.deadline = time.Time{}
}

// C delivers once the countdown started by the latest Schedule expires.
func (w *Watchdog) C() <-chan time.Time {
	return w.timer.C
}

// Deadline reports when the pending countdown expires. Zero when stopped.
func (w *Watchdog) Deadline() time.Time {
	return w.deadline
}

// Timeout returns the configured idle interval.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Pick returns a preset name chosen uniformly from the cycle, or "" when the
// cycle is empty.
func (w *Watchdog) Pick() string {
	if len(w.cycle) == 0 {
		return ""
	}
	return w.cycle[w.intn(len(w.cycle))]
}
