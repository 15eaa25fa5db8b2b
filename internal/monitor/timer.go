package monitor

import "time"

// AfterFunc schedules f to run once after d and returns a function that
// cancels it. The returned stop function reports whether it prevented f
// from running, like (*time.Timer).Stop.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// graceTimer is a single-slot, non-repeating timer. It holds at most one
// scheduled callback; arming always cancels the previous one first. It is
// not safe for concurrent use; the Monitor mutex guards it.
type graceTimer struct {
	after AfterFunc
	stop  func() bool
}

func (t *graceTimer) arm(d time.Duration, f func()) {
	t.cancel()
	t.stop = t.after(d, f)
}

// cancel is a no-op on an unarmed timer.
func (t *graceTimer) cancel() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// fired empties the slot after the callback ran.
func (t *graceTimer) fired() {
	t.stop = nil
}

func (t *graceTimer) armed() bool {
	return t.stop != nil
}
