package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

type ticketState int

const (
	statePending ticketState = iota
	stateAdmitted
	stateFinished
)

// Ticket is a queued request and its cancellation handle
type Ticket struct {
	s       *Scheduler
	host    string
	factory Factory
	ctx     context.Context
	cancel  context.CancelFunc

	state    ticketState // guarded by s.mu
	once     sync.Once
	admitted atomic.Bool
	canceled atomic.Bool
	done     chan struct{}
}

// Host returns the normalized host the ticket is throttled under
func (t *Ticket) Host() string {
	return t.host
}

// Done is closed once the request finished or was cancelled before admission
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Canceled reports whether Cancel was called
func (t *Ticket) Canceled() bool {
	return t.canceled.Load()
}

// Admitted reports whether the factory was started
func (t *Ticket) Admitted() bool {
	return t.admitted.Load()
}

// Cancel aborts the request. A pending ticket leaves the queue and its factory
// never runs. An admitted ticket has its context cancelled; its slot is
// released when the transport reports done. Cancel is idempotent.
func (t *Ticket) Cancel() {
	if !t.canceled.CompareAndSwap(false, true) {
		return
	}
	t.s.canceled.Add(1)

	if t.s.withdraw(t) {
		t.cancel()
		close(t.done)
		return
	}
	t.cancel()
}

func (t *Ticket) start() {
	t.admitted.Store(true)
	t.factory(t.ctx, t.complete)
}

// complete is the done callback handed to the factory
func (t *Ticket) complete() {
	t.once.Do(func() {
		t.cancel()
		t.s.finish(t)
	})
}
