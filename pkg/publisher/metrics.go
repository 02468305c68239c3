package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// publishWriteCount is used to indicate the number of messages written to the broker
var publishWriteCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "write_total",
	Help:      "Total number of messages written",
}, []string{"topic"})

// publishWriteErrors is used to indicate the number of failed writes
var publishWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "write_error_total",
	Help:      "Total number of write errors",
}, []string{"topic"})

// publishRetries is used to indicate the number of retried sends
var publishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "retry_total",
	Help:      "Total number of retried sends",
}, []string{"topic"})
