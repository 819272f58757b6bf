package bridge

import "github.com/prometheus/client_golang/prometheus"

var timerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timeslice",
	Subsystem: "bridge",
	Name:      "debounce_timers_total",
	Help:      "Debounce timer transitions by kind (game_start, game_stop, call_stop) and action (scheduled, cancelled, fired).",
}, []string{"kind", "action"})

func init() {
	prometheus.MustRegister(timerCounter)
}

func recordTimer(kind, action string) {
	timerCounter.WithLabelValues(kind, action).Inc()
}
