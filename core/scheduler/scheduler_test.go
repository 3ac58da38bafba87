package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/restengine/core/observability"
)

// manual records started requests and lets the test finish them
type manual struct {
	mu      sync.Mutex
	started []string
	dones   []func()
}

func (m *manual) factory(name string) Factory {
	return func(ctx context.Context, done func()) {
		m.mu.Lock()
		m.started = append(m.started, name)
		m.dones = append(m.dones, done)
		m.mu.Unlock()
	}
}

func (m *manual) startedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

func (m *manual) finish(i int) {
	m.mu.Lock()
	done := m.dones[i]
	m.mu.Unlock()
	done()
}

func TestLimitPerHost(t *testing.T) {
	s := New(2)
	var m manual

	tickets := []*Ticket{
		s.Enqueue("a.example", m.factory("a1")),
		s.Enqueue("a.example", m.factory("a2")),
		s.Enqueue("a.example", m.factory("a3")),
		s.Enqueue("b.example", m.factory("b1")),
	}

	assert.Equal(t, []string{"a1", "a2", "b1"}, m.startedNames())
	assert.Equal(t, 2, s.Usage("a.example"))
	assert.Equal(t, 1, s.Usage("b.example"))
	assert.Equal(t, 1, s.Pending())
	assert.False(t, tickets[2].Admitted())

	m.finish(0)
	assert.Equal(t, []string{"a1", "a2", "b1", "a3"}, m.startedNames())
	assert.Equal(t, 0, s.Pending())
	assert.True(t, tickets[2].Admitted())

	select {
	case <-tickets[0].Done():
	default:
		t.Fatal("finished ticket not done")
	}
}

func TestUsagePrunedAtZero(t *testing.T) {
	s := New(DefaultLimit)
	var m manual

	s.Enqueue("Example.COM", m.factory("x"))
	assert.Equal(t, 1, s.Usage("example.com"))

	m.finish(0)
	assert.Equal(t, 0, s.Usage("example.com"))
	assert.Empty(t, s.Stats().Inflight)
}

func TestDoneIsIdempotent(t *testing.T) {
	s := New(1)
	var m manual

	s.Enqueue("h", m.factory("1"))
	s.Enqueue("h", m.factory("2"))
	s.Enqueue("h", m.factory("3"))

	m.finish(0)
	m.finish(0)
	assert.Equal(t, []string{"1", "2"}, m.startedNames())
	assert.Equal(t, 1, s.Usage("h"))
}

func TestEmptyHostNeverThrottled(t *testing.T) {
	s := New(1)
	var m manual

	for i := 0; i < 10; i++ {
		s.Enqueue("", m.factory("x"))
	}
	assert.Len(t, m.startedNames(), 10)
	assert.Equal(t, 0, s.Usage(""))
	assert.Empty(t, s.Stats().Inflight)
}

func TestCancelBeforeAdmission(t *testing.T) {
	s := New(1)
	var m manual

	first := s.Enqueue("h", m.factory("first"))
	queued := s.Enqueue("h", m.factory("queued"))
	last := s.Enqueue("h", m.factory("last"))

	queued.Cancel()
	queued.Cancel()
	assert.True(t, queued.Canceled())
	<-queued.Done()
	assert.Equal(t, 1, s.Pending())

	m.finish(0)
	assert.Equal(t, []string{"first", "last"}, m.startedNames())
	assert.False(t, queued.Admitted())
	assert.False(t, first.Canceled())
	assert.True(t, last.Admitted())
	assert.EqualValues(t, 1, s.Stats().Canceled)
}

func TestCancelAfterAdmissionAbortsTransport(t *testing.T) {
	defer leaktest.Check(t)()
	s := New(1)

	aborted := make(chan struct{})
	tk := s.Enqueue("h", func(ctx context.Context, done func()) {
		go func() {
			<-ctx.Done()
			close(aborted)
			done()
		}()
	})
	next := s.Enqueue("h", func(ctx context.Context, done func()) { done() })

	tk.Cancel()
	<-aborted
	<-tk.Done()
	<-next.Done()
	assert.Equal(t, 0, s.Usage("h"))
	assert.Equal(t, 0, s.Pending())
}

func TestSynchronousDoneInsideFactory(t *testing.T) {
	s := New(1)
	var count int
	for i := 0; i < 5; i++ {
		s.Enqueue("h", func(ctx context.Context, done func()) {
			count++
			done()
		})
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, 0, s.Usage("h"))
}

func TestConcurrentTraffic(t *testing.T) {
	defer leaktest.Check(t)()
	s := New(3)

	var inflight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		host := []string{"a", "b", "c"}[i%3]
		go func() {
			tk := s.Enqueue(host, func(ctx context.Context, done func()) {
				n := inflight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				go func() {
					time.Sleep(time.Millisecond)
					inflight.Add(-1)
					done()
				}()
			})
			<-tk.Done()
			wg.Done()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(9))
	stats := s.Stats()
	assert.EqualValues(t, 200, stats.Admitted)
	assert.EqualValues(t, 200, stats.Completed)
	assert.Empty(t, stats.Inflight)
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Example.COM", "example.com"},
		{" api.example.com. ", "api.example.com"},
		{"bücher.example", "xn--bcher-kva.example"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeHost(tt.in), tt.in)
	}
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Equal(t, DefaultLimit, Default().Limit())
}

func TestSchedulerMetrics(t *testing.T) {
	metrics, err := observability.NewMetrics("restengine", prometheus.NewRegistry())
	require.NoError(t, err)

	s := New(1, WithMetrics(metrics))
	var m manual
	s.Enqueue("h", m.factory("1"))
	s.Enqueue("h", m.factory("2"))

	var b strings.Builder
	require.NoError(t, metrics.WriteText(&b))
	assert.Contains(t, b.String(), `restengine_scheduler_inflight{host="h"} 1`)
	assert.Contains(t, b.String(), "restengine_scheduler_pending 1")

	m.finish(0)
	m.finish(1)
	b.Reset()
	require.NoError(t, metrics.WriteText(&b))
	assert.NotContains(t, b.String(), `restengine_scheduler_inflight{host="h"}`)
	assert.Contains(t, b.String(), "restengine_scheduler_pending 0")
}

func BenchmarkEnqueue(b *testing.B) {
	s := New(DefaultLimit)
	for i := 0; i < b.N; i++ {
		s.Enqueue("bench.example", func(ctx context.Context, done func()) { done() })
	}
}
