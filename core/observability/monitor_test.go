package observability

import (
	"testing"
	"time"
)

func TestPerformanceMonitor(t *testing.T) {
	pm := NewPerformanceMonitor()

	pm.RecordRequest("get/test-method", 10*time.Millisecond, false)
	pm.RecordRequest("get/test-method", 20*time.Millisecond, false)
	pm.RecordRequest("get/test-method", 30*time.Millisecond, true)

	snap := pm.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(snap))
	}

	s := snap[0]
	if s.Count != 3 || s.Errors != 1 {
		t.Errorf("Expected 3 requests and 1 error, got %d/%d", s.Count, s.Errors)
	}
	if s.Avg != 20*time.Millisecond {
		t.Errorf("Expected 20ms avg, got %v", s.Avg)
	}
	if s.Min != 10*time.Millisecond || s.Max != 30*time.Millisecond {
		t.Errorf("Expected 10ms..30ms, got %v..%v", s.Min, s.Max)
	}
	if s.Buckets["<50ms"] != 3 || len(s.Buckets) != 1 {
		t.Errorf("Unexpected buckets %v", s.Buckets)
	}

	requests, errors, avg := pm.Totals()
	if requests != 3 || errors != 1 || avg != 20*time.Millisecond {
		t.Errorf("Unexpected totals %d %d %v", requests, errors, avg)
	}
}

func TestBottleneckDetection(t *testing.T) {
	pm := NewPerformanceMonitor()

	for i := 0; i < 100; i++ {
		pm.RecordRequest("get/slow", 150*time.Millisecond, false)
		pm.RecordRequest("get/flaky", time.Millisecond, i%10 == 0)
		pm.RecordRequest("get/fine", time.Millisecond, false)
	}

	found := map[string]string{}
	for _, b := range pm.Bottlenecks() {
		found[b.Location] = b.Type
	}
	if found["get/slow"] != "latency" {
		t.Errorf("Expected latency bottleneck for slow handler, got %v", found)
	}
	if found["get/flaky"] != "errors" {
		t.Errorf("Expected error bottleneck for flaky handler, got %v", found)
	}
	if _, ok := found["get/fine"]; ok {
		t.Errorf("Unexpected bottleneck for fine handler")
	}
}

func BenchmarkRecordRequest(b *testing.B) {
	pm := NewPerformanceMonitor()
	duration := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordRequest("get/api", duration, false)
	}
}
