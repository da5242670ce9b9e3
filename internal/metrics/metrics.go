package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ngsisink_notifications_received_total",
		Help: "Total number of notification requests, labelled by outcome (ok, malformed, too_large, backpressure, closed, no_workers).",
	}, []string{"outcome"})

	Updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ngsisink_updates_total",
		Help: "Total number of entity updates seen by the receiver, labelled by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ngsisink_queue_depth",
		Help: "Number of updates waiting for a persistence worker.",
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ngsisink_queue_utilization_ratio",
		Help: "Current hand-off queue utilization (0–1).",
	})

	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ngsisink_rows_written_total",
		Help: "Total number of rows persisted, labelled by table.",
	}, []string{"table"})

	UpdatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ngsisink_updates_dropped_total",
		Help: "Total number of admitted updates that were not persisted, labelled by reason.",
	}, []string{"reason"})

	TablesProvisioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ngsisink_tables_provisioned_total",
		Help: "Total number of tables made ready, labelled by how (existing, created, raced).",
	}, []string{"result"})

	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ngsisink_worker_restarts_total",
		Help: "Total number of persistence worker loops restarted after a panic.",
	})

	WorkersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ngsisink_workers_live",
		Help: "Number of persistence workers still consuming the queue.",
	})

	RateLimitKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ngsisink_rate_limit_keys",
		Help: "Number of entity ids currently tracked by the rate limiter.",
	})

	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ngsisink_write_duration_ms",
		Help:    "Latency of one storage write in milliseconds, including provisioning.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})
)
