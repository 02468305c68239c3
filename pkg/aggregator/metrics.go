package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// eventsApplied is used to indicate the number of events folded into window state
var eventsApplied = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "aggregator",
	Name:      "events_applied_total",
	Help:      "Total number of events folded into window state",
})

// lateEvents is used to indicate the number of events that arrived after their window closed
var lateEvents = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "aggregator",
	Name:      "late_events_total",
	Help:      "Total number of events that arrived after their window closed",
})

// windowsEvicted is used to indicate the number of windows evicted
var windowsEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "aggregator",
	Name:      "windows_evicted_total",
	Help:      "Total number of windows evicted",
})
