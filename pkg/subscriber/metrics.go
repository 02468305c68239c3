package subscriber

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// readCount is used to indicate the number of messages read
var readCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "subscriber",
	Name:      "read_total",
	Help:      "Total number of messages read",
}, []string{"topic", "group"})

// decodeErrors is used to indicate the number of undecodable or invalid records
var decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "subscriber",
	Name:      "decode_error_total",
	Help:      "Total number of records dropped or quarantined on decode/validation failure",
}, []string{"topic", "group"})

// commitCount is used to indicate the number of offsets committed
var commitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "subscriber",
	Name:      "commit_total",
	Help:      "Total number of offsets committed",
}, []string{"topic", "group"})

// consumerErrors is used to indicate broker-level consumer errors
var consumerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "subscriber",
	Name:      "consumer_error_total",
	Help:      "Total number of broker-level consumer errors",
}, []string{"topic", "group"})

// pendingGauge is used to indicate the consumer group lag
var pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "subscriber",
	Name:      "pending",
	Help:      "Consumer group lag in messages",
}, []string{"topic", "group"})
