// Package telemetry exposes sync engine metrics in Prometheus format.
// Metrics are served locally on /metrics; nothing is pushed anywhere.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/meetsync/internal/logging"
	syncengine "github.com/kimhsiao/meetsync/internal/sync"
)

const (
	namespace = "meetsync"
	subsystem = "sync"
)

// StatusSource provides the snapshot read on every scrape.
type StatusSource interface {
	Status(ctx context.Context) (*syncengine.SyncStatus, error)
}

// Metrics counts engine events and reports queue gauges.
type Metrics struct {
	registry *prometheus.Registry

	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	items         *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	connectivity  prometheus.Counter
	pulled        prometheus.Counter
}

// New creates Metrics on a private registry. source may be nil, in which
// case the gauges are not registered.
func New(source StatusSource) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweeps_total",
				Help:      "Completed sweeps",
			},
			[]string{"outcome"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of completed sweeps",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "items_total",
				Help:      "Queue item outcomes",
			},
			[]string{"result"},
		),
		conflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "conflicts_total",
				Help:      "Conflicts by how they ended",
			},
			[]string{"outcome"},
		),
		connectivity: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connectivity_changes_total",
				Help:      "Online/offline transitions",
			},
		),
		pulled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_pulled_total",
				Help:      "Remote records refreshed by pull",
			},
		),
	}

	if source != nil {
		reg.MustRegister(newStatusCollector(source))
	}
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnSyncEvent implements syncengine.SyncEventHandler.
func (m *Metrics) OnSyncEvent(event syncengine.SyncEvent) {
	switch event.Type {
	case syncengine.SyncEventSweepCompleted:
		m.sweeps.WithLabelValues("completed").Inc()
		if event.Result != nil {
			m.sweepDuration.Observe(event.Result.Duration.Seconds())
		}
	case syncengine.SyncEventItemSucceeded:
		m.items.WithLabelValues("succeeded").Inc()
	case syncengine.SyncEventItemFailed:
		m.items.WithLabelValues("failed").Inc()
	case syncengine.SyncEventItemDeadLettered:
		m.items.WithLabelValues("dead_lettered").Inc()
	case syncengine.SyncEventItemDiscarded:
		m.items.WithLabelValues("discarded").Inc()
		m.conflicts.WithLabelValues(string(event.Resolution)).Inc()
	case syncengine.SyncEventConflictDetected:
		m.conflicts.WithLabelValues("detected").Inc()
	case syncengine.SyncEventConflictAwaiting:
		m.conflicts.WithLabelValues("awaiting").Inc()
	case syncengine.SyncEventConnectivityChanged:
		m.connectivity.Inc()
	case syncengine.SyncEventRecordPulled:
		m.pulled.Inc()
	}
}

// statusCollector reads one status snapshot per scrape.
type statusCollector struct {
	source StatusSource

	queueLength *prometheus.Desc
	deadLetters *prometheus.Desc
	awaiting    *prometheus.Desc
	online      *prometheus.Desc
	inProgress  *prometheus.Desc
}

func newStatusCollector(source StatusSource) *statusCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, subsystem, n) }
	return &statusCollector{
		source:      source,
		queueLength: prometheus.NewDesc(name("queue_length"), "Items waiting in the sync queue", nil, nil),
		deadLetters: prometheus.NewDesc(name("dead_letter_count"), "Items in the dead-letter store", nil, nil),
		awaiting:    prometheus.NewDesc(name("awaiting_resolution"), "Items paused on a manual conflict", nil, nil),
		online:      prometheus.NewDesc(name("online"), "1 when the remote is reachable", nil, nil),
		inProgress:  prometheus.NewDesc(name("sweep_in_progress"), "1 while a sweep runs", nil, nil),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueLength
	ch <- c.deadLetters
	ch <- c.awaiting
	ch <- c.online
	ch <- c.inProgress
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := c.source.Status(ctx)
	if err != nil {
		logging.Warn("Metrics scrape could not read sync status", map[string]interface{}{"error": err.Error()})
		return
	}

	ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(status.QueueLength))
	ch <- prometheus.MustNewConstMetric(c.deadLetters, prometheus.GaugeValue, float64(status.DeadLetterCount))
	ch <- prometheus.MustNewConstMetric(c.awaiting, prometheus.GaugeValue, float64(status.AwaitingResolution))
	ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, boolGauge(status.Online))
	ch <- prometheus.MustNewConstMetric(c.inProgress, prometheus.GaugeValue, boolGauge(status.InProgress))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
