// Registers, per process:
//
//	depthsync_diffs_total{outcome}
//	depthsync_snapshot_fetches_total{result}
//	depthsync_queue_dropped_total
//	depthsync_malformed_frames_total{source}
//	depthsync_queue_length, depthsync_synced, depthsync_last_update_id
//	depthsync_best_price{side}
//	depthsync_binance_used_weight{window}
//	go_* and process_* system metrics
//
// The registry is served by the API server on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "depthsync"

// Metrics groups every collector the pipeline updates. All methods are safe
// to call on a nil *Metrics so tests can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	diffs        *prometheus.CounterVec
	snapshots    *prometheus.CounterVec
	queueDropped prometheus.Counter
	malformed    *prometheus.CounterVec
	queueLength  prometheus.Gauge
	synced       prometheus.Gauge
	lastUpdateID prometheus.Gauge
	bestPrice    *prometheus.GaugeVec
	usedWeight   *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		diffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diffs_total",
			Help:      "Diff events handled by the reconciliation engine, by outcome.",
		}, []string{"outcome"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fetches_total",
			Help:      "REST depth snapshot fetch attempts, by result.",
		}, []string{"result"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Diff events dropped because the ingestion queue was full.",
		}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Feed payloads discarded because they failed to parse.",
		}, []string{"source"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Diff events waiting in the ingestion queue.",
		}),
		synced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synced",
			Help:      "1 when the local book is synchronized with the stream.",
		}),
		lastUpdateID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_update_id",
			Help:      "Last update id folded into the local book.",
		}),
		bestPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_price",
			Help:      "Best bid and ask price of the local book.",
		}, []string{"side"}),
		usedWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "binance_used_weight",
			Help:      "Request weight Binance reports as used in the current window.",
		}, []string{"window"}),
	}

	m.registry.MustRegister(
		m.diffs,
		m.snapshots,
		m.queueDropped,
		m.malformed,
		m.queueLength,
		m.synced,
		m.lastUpdateID,
		m.bestPrice,
		m.usedWeight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDiff(outcome string) {
	if m == nil {
		return
	}
	m.diffs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSnapshotFetch(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) IncQueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

func (m *Metrics) IncMalformed(source string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(source).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) SetSynced(synced bool) {
	if m == nil {
		return
	}
	if synced {
		m.synced.Set(1)
		return
	}
	m.synced.Set(0)
}

// SetTopOfBook records best prices. Float conversion is only used for
// exposition; the book itself never leaves exact decimals.
func (m *Metrics) SetTopOfBook(bid, ask decimal.Decimal, lastUpdateID uint64) {
	if m == nil {
		return
	}
	m.bestPrice.WithLabelValues("bid").Set(bid.InexactFloat64())
	m.bestPrice.WithLabelValues("ask").Set(ask.InexactFloat64())
	m.lastUpdateID.Set(float64(lastUpdateID))
}

func (m *Metrics) SetUsedWeight(window string, used float64) {
	if m == nil {
		return
	}
	m.usedWeight.WithLabelValues(window).Set(used)
}
