package transport

import (
	"fmt"
	"math/rand"
	"time"
)

// Redial pacing: the first failed dial closes the window for about
// redialInitial, each further failure doubles that up to redialMax. Every
// wait carries up to 25% jitter either way and never exceeds redialMax.
const (
	redialInitial = time.Second
	redialMax     = time.Minute
)

// redialWindow tracks when the collector may be dialed again and which
// dial error closed the window. Guarded by Syslog.mu.
type redialWindow struct {
	step   time.Duration // unjittered wait for the next failure
	until  time.Time
	cause  error
	jitter func() float64 // uniform in [0, 1)
}

func newRedialWindow() redialWindow {
	return redialWindow{step: redialInitial, jitter: rand.Float64} //nolint:gosec // not crypto
}

// check returns nil when a dial may be attempted at now. Otherwise the
// error wraps ErrBackoff and names the remaining wait and the last cause.
func (w *redialWindow) check(now time.Time) error {
	if !now.Before(w.until) {
		return nil
	}
	return fmt.Errorf("%w: retry in %s (last dial: %v)",
		ErrBackoff, w.until.Sub(now).Round(time.Millisecond), w.cause)
}

// failed closes the window after a dial at now failed with err and returns
// how long it stays closed.
func (w *redialWindow) failed(now time.Time, err error) time.Duration {
	wait := w.step + time.Duration(float64(w.step)*0.25*(w.jitter()*2-1))
	wait = min(max(wait, 0), redialMax)
	w.step = min(w.step*2, redialMax)
	w.until = now.Add(wait)
	w.cause = err
	return wait
}

// succeeded reopens the window and restarts the pacing.
func (w *redialWindow) succeeded() {
	w.step = redialInitial
	w.until = time.Time{}
	w.cause = nil
}
