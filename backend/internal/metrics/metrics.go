// Package metrics Prometheus 指标。Registerer 由调用方注入，测试里用独立的 registry；
// 所有方法对 nil *Metrics 安全，组件可以不带指标运行。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OpsCommitted    prometheus.Counter
	OpsFailed       *prometheus.CounterVec
	ProposeDuration prometheus.Histogram
	TransformDepth  prometheus.Histogram
	StoreRetries    prometheus.Counter

	SessionsActive  prometheus.Gauge
	SessionsEvicted *prometheus.CounterVec

	PresenceDropped prometheus.Counter
	SnapshotsTotal  *prometheus.CounterVec
	KafkaEvents     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_operations_committed_total",
			Help: "Operations that received a version",
		}),
		OpsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_operations_failed_total",
			Help: "Proposals that did not commit, by error code",
		}, []string{"code"}),
		ProposeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_propose_duration_seconds",
			Help:    "Time from proposal to durable commit",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		TransformDepth: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_transform_depth",
			Help:    "Number of committed operations a proposal was transformed against",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_store_conflict_retries_total",
			Help: "Appends retried after another writer advanced the log",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions_active",
			Help: "Sessions currently registered",
		}),
		SessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_sessions_evicted_total",
			Help: "Sessions removed by the server, by reason",
		}, []string{"reason"}),
		PresenceDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_presence_dropped_total",
			Help: "Cursor updates dropped by rate limiting or full queues",
		}),
		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_snapshots_total",
			Help: "Snapshot writes, by status",
		}, []string{"status"}),
		KafkaEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_kafka_events_total",
			Help: "Operation events handed to kafka, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveCommit(start time.Time, depth int) {
	if m == nil {
		return
	}
	m.OpsCommitted.Inc()
	m.ProposeDuration.Observe(time.Since(start).Seconds())
	m.TransformDepth.Observe(float64(depth))
}

func (m *Metrics) ObserveFailure(code string) {
	if m == nil {
		return
	}
	m.OpsFailed.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.StoreRetries.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) SessionEvicted(reason string) {
	if m == nil {
		return
	}
	m.SessionsEvicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) PresenceDrop() {
	if m == nil {
		return
	}
	m.PresenceDropped.Inc()
}

func (m *Metrics) Snapshot(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SnapshotsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) KafkaEvent(result string) {
	if m == nil {
		return
	}
	m.KafkaEvents.WithLabelValues(result).Inc()
}
