package frame

import (
	"sync"
	"time"
)

// idleTimer is the "shared-timer primitive" of spec §4.1: one deadline,
// reset by callers on every successful read or write, firing once on C().
type idleTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	d     time.Duration
}

func newIdleTimer(d time.Duration) *idleTimer {
	return &idleTimer{timer: time.NewTimer(d), d: d}
}

func (t *idleTimer) C() <-chan time.Time { return t.timer.C }

// Reset pushes the deadline d further into the future.
func (t *idleTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(t.d)
}

func (t *idleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Stop()
}
