package projection

import "github.com/prometheus/client_golang/prometheus"

var (
	successCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "projection",
		Name:      "mirrors_total",
		Help:      "Number of successful billing mirror operations by kind.",
	}, []string{"kind"})

	failureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "projection",
		Name:      "mirror_failures_total",
		Help:      "Number of failed billing mirror operations by kind.",
	}, []string{"kind"})

	duplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timeslice",
		Subsystem: "projection",
		Name:      "duplicate_starts_skipped_total",
		Help:      "Start projections dropped because one was already in flight for the interval.",
	})
)

func init() {
	prometheus.MustRegister(successCounter, failureCounter, duplicateCounter)
}

func recordSuccess(kind string) {
	successCounter.WithLabelValues(kind).Inc()
}

func recordFailure(kind string) {
	failureCounter.WithLabelValues(kind).Inc()
}

func recordSkippedDuplicate() {
	duplicateCounter.Inc()
}
