package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the relay's Prometheus collectors. Each Daemon owns its
// own registry so several can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	commandsTotal      *prometheus.CounterVec
	commandsInFlight   prometheus.Gauge
	completionDuration prometheus.Histogram
	completionFailures *prometheus.CounterVec
	messagesDelivered  prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_commands_total",
				Help: "Commands handled, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		commandsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_commands_in_flight",
				Help: "Commands currently being handled",
			},
		),
		completionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_completion_duration_seconds",
				Help:    "Duration of completion API calls in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
			},
		),
		completionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_completion_failures_total",
				Help: "Failed completion calls, by failure kind",
			},
			[]string{"kind"},
		),
		messagesDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_messages_delivered_total",
				Help: "Outbound messages sent to the platform, chunks and notices included",
			},
		),
	}
}
