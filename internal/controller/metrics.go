package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_decisions_total",
		Help: "Trade decisions processed, by terminal outcome",
	}, []string{"outcome"})

	metricGateRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_gate_rejections_total",
		Help: "Decisions rejected, by pipeline gate",
	}, []string{"gate"})

	metricPipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_pipeline_duration_seconds",
		Help:    "End-to-end decision pipeline latency",
		Buckets: prometheus.DefBuckets,
	})

	metricOpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_open_positions",
		Help: "Count of nonzero positions in the table",
	})
)

func init() {
	prometheus.MustRegister(
		metricDecisions,
		metricGateRejections,
		metricPipelineLatency,
		metricOpenPositions,
	)
}
