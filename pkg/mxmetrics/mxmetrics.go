// Package mxmetrics collects the Prometheus vectors used across mx-rmq,
// lifted out of the teacher's cmd/worker/main.go package-level promauto
// vars into an instantiable collector so more than one Queue can coexist in
// a process without registry collisions.
package mxmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every metric mx-rmq exports.
type Collector struct {
	Processed    *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec
	QueueLatency *prometheus.HistogramVec
}

// New registers every metric against reg. Pass prometheus.DefaultRegisterer
// for a process-wide singleton Queue, or a fresh prometheus.NewRegistry()
// when running more than one Queue in-process (e.g. in tests).
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxrmq_processed_total",
			Help: "Total number of messages processed, partitioned by outcome and topic.",
		}, []string{"outcome", "topic"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mxrmq_handler_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mxrmq_queue_depth",
			Help: "Current number of messages in each index (ready/delayed/inflight/dead/retention).",
		}, []string{"queue"}),
		QueueLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mxrmq_queue_latency_seconds",
			Help:    "Time a message spent queued before its first lease.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}
