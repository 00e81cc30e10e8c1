package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dropaline"

// Submission outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Engine holds the auto-print engine metrics. A nil *Engine records nothing.
type Engine struct {
	Submissions         *prometheus.CounterVec
	SubmitDuration      prometheus.Histogram
	InFlight            prometheus.Gauge
	Batches             *prometheus.CounterVec
	BatchItems          prometheus.Histogram
	LedgerWriteFailures prometheus.Counter
	Refreshes           prometheus.Counter
}

// NewEngine registers the engine metrics on reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	factory := promauto.With(reg)
	return &Engine{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "print_submissions_total",
			Help:      "Print jobs handed to the sink, by trigger mode and outcome",
		}, []string{"mode", "outcome"}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "print_submit_duration_seconds",
			Help:      "Time spent inside a single sink submission",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "print_in_flight",
			Help:      "Print jobs currently inside the sink (0 or 1)",
		}),
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch releases started, by trigger",
		}, []string{"trigger"}),
		BatchItems: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_items",
			Help:      "Number of queued drops captured per batch",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		}),
		LedgerWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Successful prints whose ledger upsert failed",
		}),
		Refreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_refreshes_total",
			Help:      "Feed reloads triggered by change notifications",
		}),
	}
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler exposes the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Engine) SubmitStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Engine) SubmitFinished(mode string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	m.Submissions.WithLabelValues(mode, outcome).Inc()
	m.SubmitDuration.Observe(elapsed.Seconds())
}

func (m *Engine) BatchStarted(trigger string, items int) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(trigger).Inc()
	m.BatchItems.Observe(float64(items))
}

func (m *Engine) LedgerWriteFailed() {
	if m == nil {
		return
	}
	m.LedgerWriteFailures.Inc()
}

func (m *Engine) Refreshed() {
	if m == nil {
		return
	}
	m.Refreshes.Inc()
}
