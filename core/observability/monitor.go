package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PerformanceMonitor keeps per-handler latency and error counters
type PerformanceMonitor struct {
	handlers sync.Map // map[string]*HandlerMetrics
	global   struct {
		totalRequests atomic.Uint64
		totalErrors   atomic.Uint64
		totalDuration atomic.Uint64
	}
}

// HandlerMetrics stores per-handler metrics
type HandlerMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [len(bucketBounds) + 1]atomic.Uint64
}

// Upper bounds of the latency buckets; the last bucket is open
var bucketBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string  `json:"type"`
	Location string  `json:"location"`
	Severity int     `json:"severity"`
	Impact   float64 `json:"impact"`
	Details  string  `json:"details"`
}

// HandlerSnapshot is a point-in-time copy of HandlerMetrics
type HandlerSnapshot struct {
	Name    string            `json:"name"`
	Count   uint64            `json:"count"`
	Errors  uint64            `json:"errors"`
	Avg     time.Duration     `json:"avg"`
	Min     time.Duration     `json:"min"`
	Max     time.Duration     `json:"max"`
	Buckets map[string]uint64 `json:"buckets"`
}

// NewPerformanceMonitor creates a monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// RecordRequest records a request
func (pm *PerformanceMonitor) RecordRequest(handler string, duration time.Duration, isError bool) {
	val, _ := pm.handlers.LoadOrStore(handler, &HandlerMetrics{Name: handler})
	metrics := val.(*HandlerMetrics)

	metrics.Count.Add(1)
	if isError {
		metrics.Errors.Add(1)
		pm.global.totalErrors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	updateMinMax(metrics, durationNs)
	metrics.latencyBuckets[bucketIndex(duration)].Add(1)

	pm.global.totalRequests.Add(1)
	pm.global.totalDuration.Add(durationNs)
}

func updateMinMax(m *HandlerMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func bucketIndex(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

func bucketLabel(i int) string {
	if i == len(bucketBounds) {
		return ">=" + bucketBounds[len(bucketBounds)-1].String()
	}
	return "<" + bucketBounds[i].String()
}

// Totals returns requests, errors and average latency across handlers
func (pm *PerformanceMonitor) Totals() (requests, errors uint64, avg time.Duration) {
	requests = pm.global.totalRequests.Load()
	errors = pm.global.totalErrors.Load()
	if requests > 0 {
		avg = time.Duration(pm.global.totalDuration.Load() / requests)
	}
	return requests, errors, avg
}

// Snapshot copies every handler's counters, ordered by name
func (pm *PerformanceMonitor) Snapshot() []HandlerSnapshot {
	var out []HandlerSnapshot
	pm.handlers.Range(func(_, value any) bool {
		m := value.(*HandlerMetrics)
		count := m.Count.Load()
		s := HandlerSnapshot{
			Name:    m.Name,
			Count:   count,
			Errors:  m.Errors.Load(),
			Min:     time.Duration(m.MinDuration.Load()),
			Max:     time.Duration(m.MaxDuration.Load()),
			Buckets: make(map[string]uint64),
		}
		if count > 0 {
			s.Avg = time.Duration(m.TotalDuration.Load() / count)
		}
		for i := range m.latencyBuckets {
			if n := m.latencyBuckets[i].Load(); n > 0 {
				s.Buckets[bucketLabel(i)] = n
			}
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bottlenecks flags handlers with high average latency or error rate
func (pm *PerformanceMonitor) Bottlenecks() []Bottleneck {
	var bottlenecks []Bottleneck
	for _, s := range pm.Snapshot() {
		if s.Count == 0 {
			continue
		}

		if s.Avg > 100*time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "latency",
				Location: s.Name,
				Severity: 8,
				Impact:   100.0,
				Details:  fmt.Sprintf("High latency (%v avg)", s.Avg),
			})
		}

		rate := float64(s.Errors) / float64(s.Count)
		if s.Errors > 0 && rate > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "errors",
				Location: s.Name,
				Severity: 10,
				Impact:   rate * 100,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return bottlenecks
}
