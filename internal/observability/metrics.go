package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/timeslice/internal/domain"
)

var (
	sliceStartedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "engine",
		Name:      "slices_started_total",
		Help:      "Number of intervals opened, labeled by dimension.",
	}, []string{"dimension"})

	sliceStoppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "engine",
		Name:      "slices_stopped_total",
		Help:      "Number of intervals closed, labeled by dimension.",
	}, []string{"dimension"})

	lastStartedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "timeslice",
		Subsystem: "engine",
		Name:      "last_slice_started_timestamp_seconds",
		Help:      "Unix timestamp of the most recent interval start per dimension.",
	}, []string{"dimension"})
)

func init() {
	prometheus.MustRegister(sliceStartedCounter, sliceStoppedCounter, lastStartedGauge)
}

// RecordSliceStarted updates the start counters for a dimension.
func RecordSliceStarted(dimension domain.Dimension, ts time.Time) {
	sliceStartedCounter.WithLabelValues(string(dimension)).Inc()
	if !ts.IsZero() {
		lastStartedGauge.WithLabelValues(string(dimension)).Set(float64(ts.Unix()))
	}
}

// RecordSliceStopped updates the stop counter for a dimension.
func RecordSliceStopped(dimension domain.Dimension, ts time.Time) {
	if ts.IsZero() {
		return
	}
	sliceStoppedCounter.WithLabelValues(string(dimension)).Inc()
}
