package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Pipeline metrics
	ReadingsPublished *prometheus.CounterVec
	ReadingsConsumed  prometheus.Counter
	ReadingsBroadcast *prometheus.CounterVec
	ReadingsDropped   *prometheus.CounterVec

	// Admission metrics
	RateLimitDecisions *prometheus.CounterVec
	StoreDegraded      prometheus.Gauge

	// Security metrics
	SecurityEvents *prometheus.CounterVec
	AlertsSent     *prometheus.CounterVec

	// Broker metrics
	BrokerConnected      prometheus.Gauge
	BrokerCircuitBreaker prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "pipeline",
				Name:      "readings_published_total",
				Help:      "Total readings handed to the broker",
			},
			[]string{"status"},
		),

		ReadingsConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "pipeline",
				Name:      "readings_consumed_total",
				Help:      "Total readings drained from the broker",
			},
		),

		ReadingsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "pipeline",
				Name:      "readings_broadcast_total",
				Help:      "Total reading deliveries to subscribed endpoints",
			},
			[]string{"status"},
		),

		ReadingsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "pipeline",
				Name:      "readings_dropped_total",
				Help:      "Total readings skipped by the consumer",
			},
			[]string{"reason"},
		),

		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limiter admission decisions",
			},
			[]string{"decision"},
		),

		StoreDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorgate",
				Subsystem: "ratelimit",
				Name:      "store_degraded",
				Help:      "1 while the counter store is unreachable and the limiter fails open",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "security",
				Name:      "events_total",
				Help:      "Security events by type and severity",
			},
			[]string{"type", "severity"},
		),

		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "security",
				Name:      "alerts_sent_total",
				Help:      "Alert dispatch attempts by channel and status",
			},
			[]string{"channel", "status"},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorgate",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (1=connected)",
			},
		),

		BrokerCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorgate",
				Subsystem: "broker",
				Name:      "circuit_breaker_open",
				Help:      "Broker circuit breaker state (1=open)",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),
	}
}
