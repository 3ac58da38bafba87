package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m, err := NewMetrics("restengine", prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveRequest("get/test-method", 200, 5*time.Millisecond)
	m.ObserveRequest("get/test-method", 200, 5*time.Millisecond)
	m.ParseError()
	m.SetWorkers(2)
	m.SetWorkerSockets(1, 3)
	m.AddIO(100, 40)
	m.SetHostInflight("example.com", 4)
	m.SetPending(7)
	m.ClientOutcome("example.com", "success")
	m.ClientSlow()

	out := scrape(t, m)
	for _, line := range []string{
		`restengine_requests_total{handler="get/test-method",status="200"} 2`,
		`restengine_parse_errors_total 1`,
		`restengine_workers 2`,
		`restengine_worker_sockets{worker="1"} 3`,
		`restengine_read_bytes_total 100`,
		`restengine_written_bytes_total 40`,
		`restengine_scheduler_inflight{host="example.com"} 4`,
		`restengine_scheduler_pending 7`,
		`restengine_client_requests_total{host="example.com",outcome="success"} 1`,
		`restengine_client_slow_requests_total 1`,
	} {
		assert.Contains(t, out, line)
	}

	m.SetHostInflight("example.com", 0)
	assert.NotContains(t, scrape(t, m), `scheduler_inflight{host="example.com"}`)
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics("restengine", reg)
	require.NoError(t, err)
	_, err = NewMetrics("restengine", reg)
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("x", 200, time.Millisecond)
	m.ParseError()
	m.SetWorkers(1)
	m.SetWorkerSockets(0, 1)
	m.AddIO(1, 1)
	m.SetHostInflight("h", 1)
	m.SetPending(1)
	m.ClientOutcome("h", "success")
	m.ClientSlow()
}

func TestMetricsWriteText(t *testing.T) {
	m, err := NewMetrics("restengine", prometheus.NewRegistry())
	require.NoError(t, err)
	m.SetPending(3)

	var b strings.Builder
	require.NoError(t, m.WriteText(&b))
	assert.Contains(t, b.String(), "# TYPE restengine_scheduler_pending gauge")
	assert.Contains(t, b.String(), "restengine_scheduler_pending 3")
	assert.Contains(t, TextContentType, "text/plain")
}
