// Package scheduler throttles outbound requests per destination host.
//
// Every request is queued as a Ticket. A scheduling pass admits, in arrival
// order, each pending ticket whose host has fewer than the limit of requests
// in flight. Finishing or cancelling a request runs another pass.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/idna"

	"github.com/searchktools/restengine/core/observability"
)

// DefaultLimit is the per-host in-flight ceiling of Default()
const DefaultLimit = 6

// Factory starts the transport operation of an admitted request. It must not
// block and must call done exactly once when the operation reaches a
// terminal state. ctx is cancelled when the ticket is cancelled.
type Factory func(ctx context.Context, done func())

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMetrics publishes in-flight and pending gauges
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler admits queued requests while their host is under the limit
type Scheduler struct {
	limit   int
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []*Ticket
	usage   map[string]int

	enqueued  atomic.Uint64
	admitted  atomic.Uint64
	completed atomic.Uint64
	canceled  atomic.Uint64
}

var (
	defaultOnce      sync.Once
	defaultScheduler *Scheduler
)

// Default returns the process-wide scheduler with DefaultLimit
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultScheduler = New(DefaultLimit)
	})
	return defaultScheduler
}

// New creates a scheduler. limit < 1 means DefaultLimit.
func New(limit int, opts ...Option) *Scheduler {
	if limit < 1 {
		limit = DefaultLimit
	}
	s := &Scheduler{
		limit: limit,
		usage: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit returns the per-host ceiling
func (s *Scheduler) Limit() int {
	return s.limit
}

// Enqueue queues a request for host and runs a scheduling pass. The
// returned ticket may already be admitted. An empty host is never throttled.
func (s *Scheduler) Enqueue(host string, factory Factory) *Ticket {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticket{
		s:       s,
		host:    NormalizeHost(host),
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.enqueued.Add(1)

	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.mu.Unlock()

	s.schedule()
	return t
}

// schedule admits every pending ticket whose host has room, then starts
// them outside the lock in arrival order
func (s *Scheduler) schedule() {
	s.mu.Lock()
	var admit []*Ticket
	kept := s.pending[:0]
	for _, t := range s.pending {
		if t.host != "" && s.usage[t.host] >= s.limit {
			kept = append(kept, t)
			continue
		}
		if t.host != "" {
			s.usage[t.host]++
			s.metrics.SetHostInflight(t.host, s.usage[t.host])
		}
		t.state = stateAdmitted
		admit = append(admit, t)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	s.metrics.SetPending(len(s.pending))
	s.mu.Unlock()

	for _, t := range admit {
		s.admitted.Add(1)
		t.start()
	}
}

// finish releases the host slot of an admitted ticket
func (s *Scheduler) finish(t *Ticket) {
	s.mu.Lock()
	t.state = stateFinished
	if t.host != "" {
		if n := s.usage[t.host] - 1; n > 0 {
			s.usage[t.host] = n
			s.metrics.SetHostInflight(t.host, n)
		} else {
			delete(s.usage, t.host)
			s.metrics.SetHostInflight(t.host, 0)
		}
	}
	s.mu.Unlock()

	s.completed.Add(1)
	close(t.done)
	s.schedule()
}

// withdraw removes a pending ticket. It reports false once the ticket
// has been admitted.
func (s *Scheduler) withdraw(t *Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != statePending {
		return false
	}
	for i, p := range s.pending {
		if p == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	t.state = stateFinished
	s.metrics.SetPending(len(s.pending))
	return true
}

// Usage returns the number of in-flight requests for host
func (s *Scheduler) Usage(host string) int {
	host = NormalizeHost(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[host]
}

// Pending returns the number of queued requests
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Limit     int            `json:"limit"`
	Pending   int            `json:"pending"`
	Inflight  map[string]int `json:"inflight"`
	Enqueued  uint64         `json:"enqueued"`
	Admitted  uint64         `json:"admitted"`
	Completed uint64         `json:"completed"`
	Canceled  uint64         `json:"canceled"`
}

// Stats returns queue and usage counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inflight := make(map[string]int, len(s.usage))
	for h, n := range s.usage {
		inflight[h] = n
	}
	pending := len(s.pending)
	s.mu.Unlock()

	return Stats{
		Limit:     s.limit,
		Pending:   pending,
		Inflight:  inflight,
		Enqueued:  s.enqueued.Load(),
		Admitted:  s.admitted.Load(),
		Completed: s.completed.Load(),
		Canceled:  s.canceled.Load(),
	}
}

// NormalizeHost returns the scheduling key of a host name: lower-case and,
// for internationalized names, the ASCII form
func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
