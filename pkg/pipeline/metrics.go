package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// batchesProcessed is used to indicate the number of processed batches
var batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "batches_total",
	Help:      "Total number of processed batches",
})

// alertsPublished is used to indicate the number of published alerts
var alertsPublished = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "alerts_total",
	Help:      "Total number of published anomaly alerts",
})

// snapshotsPublished is used to indicate the number of published window snapshots
var snapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "snapshots_total",
	Help:      "Total number of published window snapshots",
})

// publishFailures is used to indicate the number of failed outbound publishes
var publishFailures = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "publish_failure_total",
	Help:      "Total number of failed outbound publishes",
})
