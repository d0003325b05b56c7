// Package join detects completion of a batch of concurrent operations whose
// size is not known up front.
//
// Every Start must be matched by exactly one later Complete, and the last
// Start must happen before NoMoreWork. The tracker fires once, when the
// counter is zero and NoMoreWork has been called, in whichever order those
// become true.
package join

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidState is reported when Complete is called more times than Start.
var ErrInvalidState = errors.New("join: more completions than starts")

// Tracker is a start/complete/no-more-work counter.
type Tracker struct {
	mu     sync.Mutex
	count  int
	noMore bool
	fired  bool
	err    error
	done   chan struct{}
}

// New returns a tracker with no work started.
func New() *Tracker {
	return &Tracker{done: make(chan struct{})}
}

// Start registers one unit of work.
func (t *Tracker) Start() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

// Complete marks one unit of work as finished.
// It returns ErrInvalidState if the counter goes negative.
func (t *Tracker) Complete() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count--
	if t.count < 0 {
		t.err = ErrInvalidState
		t.fire()
		return ErrInvalidState
	}
	t.check()
	return nil
}

// NoMoreWork latches that no further Start calls will be made.
func (t *Tracker) NoMoreWork() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.noMore = true
	t.check()
}

// check must be called with t.mu held.
func (t *Tracker) check() {
	if t.noMore && t.count == 0 {
		t.fire()
	}
}

// fire must be called with t.mu held.
func (t *Tracker) fire() {
	if t.fired {
		return
	}
	t.fired = true
	close(t.done)
}

// Done is closed when the tracker fires.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Err returns ErrInvalidState once the counter has gone negative.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pending returns the number of started but not completed units.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until the tracker fires or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
