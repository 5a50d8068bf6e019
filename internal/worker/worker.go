// Package worker provides the supervised-goroutine base embedded by every
// long-lived task in this repository (stream halves, RPC pumps, the
// seqnum writer, the group fan-out and IO tasks).
//
// Every such task follows the same shape: a `for { select { ...,
// case <-w.HaltCh(): return } }` loop. Halt closes HaltCh exactly once and
// Wait blocks until every goroutine started with Go has returned, so a
// caller can tear down a session or shard deterministically.
package worker

import "sync"

// Worker is embedded (not referenced by pointer) by types that own one or
// more background goroutines.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called. Every
// select loop in this repo has exactly this one shutdown channel; there is
// never a second, competing shutdown mechanism on the same task.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go starts fn in a new goroutine tracked by Wait.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh. Safe to call more than once and from more than one
// goroutine; only the first call has effect.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() { close(w.haltCh) })
}

// Wait blocks until every goroutine started via Go has returned. Callers
// typically call Halt then Wait.
func (w *Worker) Wait() {
	w.init()
	w.wg.Wait()
}
