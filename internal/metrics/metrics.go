// Package metrics holds the Prometheus collectors of the points service.
//
// All recording methods are safe on a nil *Metrics so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "points_service"

type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	callbacks       *prometheus.CounterVec
	pointsDebited   prometheus.Counter
	debitRejections *prometheus.CounterVec
	publications    *prometheus.CounterVec

	openStreams  prometheus.Gauge
	pushFailures prometheus.Counter

	registrySize prometheus.Gauge
	dispatches   *prometheus.CounterVec

	reconcileMismatches prometheus.Gauge
	relayMessages       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "completion_callbacks_total",
			Help:      "Completion callbacks handled, by result.",
		}, []string{"result"}),
		pointsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_debited_total",
			Help:      "Points debited by completed jobs.",
		}),
		debitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "debit_rejections_total",
			Help:      "Debits refused, by reason.",
		}, []string{"reason"}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "publication_outcomes_total",
			Help:      "Recorded publication outcomes, by platform and outcome.",
		}, []string{"platform", "outcome"}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "open_streams",
			Help:      "Live notification streams currently registered.",
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "push_failures_total",
			Help:      "Events that could not be written to a stream.",
		}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobstatus",
			Name:      "records",
			Help:      "Job status records held in memory.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Webhook dispatches to the workflow engine, by result.",
		}, []string{"result"}),
		reconcileMismatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "mismatched_users",
			Help:      "Users whose balance differed from their ledger sum in the last run.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Relay messages, by direction and result.",
		}, []string{"direction", "result"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.callbacks,
		m.pointsDebited,
		m.debitRejections,
		m.publications,
		m.openStreams,
		m.pushFailures,
		m.registrySize,
		m.dispatches,
		m.reconcileMismatches,
		m.relayMessages,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

func (m *Metrics) DecrementInFlight() {
	if m == nil {
		return
	}
	m.httpInFlight.Dec()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallback(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDebit(points int64) {
	if m == nil {
		return
	}
	m.pointsDebited.Add(float64(points))
}

func (m *Metrics) RecordDebitRejection(reason string) {
	if m == nil {
		return
	}
	m.debitRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPublication(platform, outcome string) {
	if m == nil {
		return
	}
	m.publications.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.openStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.openStreams.Dec()
}

func (m *Metrics) RecordPushFailure() {
	if m == nil {
		return
	}
	m.pushFailures.Inc()
}

func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}

func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReconcileMismatches(n int) {
	if m == nil {
		return
	}
	m.reconcileMismatches.Set(float64(n))
}

func (m *Metrics) RecordRelay(direction, result string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction, result).Inc()
}
