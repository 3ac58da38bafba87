package observability

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the Prometheus collectors of the engine, the scheduler and
// the client. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	parseErrors   prometheus.Counter
	workers       prometheus.Gauge
	workerSockets *prometheus.GaugeVec
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter

	schedInflight *prometheus.GaugeVec
	schedPending  prometheus.Gauge

	clientRequests *prometheus.CounterVec
	clientSlow     prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers the collectors under namespace. A nil
// registerer gets a private registry.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered by the server, by handler and status.",
		}, []string{"handler", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from parsed request to queued reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Malformed requests rejected by the parser.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Connection workers running.",
		}),
		workerSockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_sockets",
			Help:      "Live sockets owned by each worker.",
		}, []string{"worker"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from client sockets.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to client sockets.",
		}),
		schedInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_inflight",
			Help:      "Outbound requests admitted and not yet finished, by host.",
		}, []string{"host"}),
		schedPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_pending",
			Help:      "Outbound requests waiting for admission.",
		}),
		clientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_requests_total",
			Help:      "Outbound requests by host and outcome.",
		}, []string{"host", "outcome"}),
		clientSlow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_slow_requests_total",
			Help:      "Outbound requests slower than the slow-network threshold.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.duration, m.parseErrors, m.workers, m.workerSockets,
		m.bytesRead, m.bytesWritten, m.schedInflight, m.schedPending,
		m.clientRequests, m.clientSlow,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m, nil
}

// Handler serves the registered metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest records one answered request
func (m *Metrics) ObserveRequest(handler string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(handler).Observe(d.Seconds())
}

// ParseError counts a rejected request
func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// SetWorkers records the worker count
func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}

// SetWorkerSockets records the live sockets of one worker
func (m *Metrics) SetWorkerSockets(worker, sockets int) {
	if m == nil {
		return
	}
	m.workerSockets.WithLabelValues(strconv.Itoa(worker)).Set(float64(sockets))
}

// AddIO counts socket bytes
func (m *Metrics) AddIO(read, written int) {
	if m == nil {
		return
	}
	if read > 0 {
		m.bytesRead.Add(float64(read))
	}
	if written > 0 {
		m.bytesWritten.Add(float64(written))
	}
}

// SetHostInflight records the in-flight count of a host. Zero removes the series.
func (m *Metrics) SetHostInflight(host string, n int) {
	if m == nil {
		return
	}
	if n == 0 {
		m.schedInflight.DeleteLabelValues(host)
		return
	}
	m.schedInflight.WithLabelValues(host).Set(float64(n))
}

// SetPending records the scheduler queue length
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.schedPending.Set(float64(n))
}

// ClientOutcome counts one finished outbound request
func (m *Metrics) ClientOutcome(host, outcome string) {
	if m == nil {
		return
	}
	m.clientRequests.WithLabelValues(host, outcome).Inc()
}

// ClientSlow counts one slow outbound request
func (m *Metrics) ClientSlow() {
	if m == nil {
		return
	}
	m.clientSlow.Inc()
}

// WriteText writes every gathered family in the Prometheus text format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.gatherer.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "write %s", mf.GetName())
		}
	}
	return nil
}

// TextContentType is the media type produced by WriteText
var TextContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))
