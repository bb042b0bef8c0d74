// Package metrics exposes Prometheus counters for holder ingestion runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingestion metrics. Each instance owns its registry so
// tests and parallel runs never collide. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	RangesFetched  prometheus.Counter
	LogsReceived   prometheus.Counter
	FactsDecoded   prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	FetchRetries   prometheus.Counter
	FetchFailures  prometheus.Counter
	ReplayWarnings *prometheus.CounterVec
	Holders        prometheus.Gauge
	CursorBlock    prometheus.Gauge
	FetchLatency   prometheus.Histogram
	ReplayDuration prometheus.Histogram
}

// New registers every metric under namespace on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_holders"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		RangesFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranges_fetched_total",
			Help:      "Block ranges fetched from the log source",
		}),
		LogsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_received_total",
			Help:      "Raw Transfer logs returned by eth_getLogs",
		}),
		FactsDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_decoded_total",
			Help:      "Logs decoded into transfer facts",
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Logs skipped by the decoder, by reason",
		}, []string{"reason"}),
		FetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retried log source calls",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Log source calls that exhausted their retries",
		}),
		ReplayWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_warnings_total",
			Help:      "Incomplete ledger warnings raised by replay, by kind",
		}, []string{"kind"}),
		Holders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holders",
			Help:      "Addresses holding a balance or token in the last snapshot",
		}),
		CursorBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_block",
			Help:      "Lower bound of the last accumulated range",
		}),
		FetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of a successful range fetch including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		ReplayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Time spent replaying facts into a snapshot",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 30},
		}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves m in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveRange(cursor uint64, logs, facts int, took time.Duration) {
	if m == nil {
		return
	}
	m.RangesFetched.Inc()
	m.LogsReceived.Add(float64(logs))
	m.FactsDecoded.Add(float64(facts))
	m.CursorBlock.Set(float64(cursor))
	m.FetchLatency.Observe(took.Seconds())
}

func (m *Metrics) ObserveDecodeErrors(byReason map[string]int) {
	if m == nil {
		return
	}
	for reason, n := range byReason {
		m.DecodeErrors.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.FetchRetries.Inc()
}

func (m *Metrics) ObserveFetchFailure() {
	if m == nil {
		return
	}
	m.FetchFailures.Inc()
}

// ObserveReplay records replay duration, warnings by kind and the holder count.
func (m *Metrics) ObserveReplay(took time.Duration, warnings map[string]int, holders int) {
	if m == nil {
		return
	}
	m.ReplayDuration.Observe(took.Seconds())
	for kind, n := range warnings {
		m.ReplayWarnings.WithLabelValues(kind).Add(float64(n))
	}
	m.Holders.Set(float64(holders))
}
