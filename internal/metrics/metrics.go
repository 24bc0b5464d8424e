// Package metrics declares the Prometheus metrics exported by every worker.
//
// Naming convention: namespace_subsystem_name
//   - namespace: schedulight
//   - subsystem: broker, circuit_breaker, tick, mail, command
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState: 0 Closed, 1 Open, 2 Half-Open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "schedulight",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulight",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// BrokerOperationsTotal counts broker (Redis) calls.
	BrokerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulight",
		Subsystem: "broker",
		Name:      "operations_total",
		Help:      "Total number of broker operations",
	}, []string{"operation", "status"})

	// BrokerOperationDuration tracks broker call latency.
	BrokerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "schedulight",
		Subsystem: "broker",
		Name:      "operation_duration_seconds",
		Help:      "Duration of broker operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// TicksTotal counts orchestration engine ticks per outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulight",
		Subsystem: "tick",
		Name:      "total",
		Help:      "Total number of per-meeting orchestration ticks",
	}, []string{"stage", "code"})

	// MeetingsActive reports the current size of the meetings set.
	MeetingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulight",
		Subsystem: "tick",
		Name:      "meetings_active",
		Help:      "Current number of meetings known to the broker",
	})

	// MailSentTotal counts mail worker deliveries by outcome.
	MailSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulight",
		Subsystem: "mail",
		Name:      "sent_total",
		Help:      "Total mail delivery attempts by outcome",
	}, []string{"outcome"})

	// CommandsProcessedTotal counts command processor dispatches by verb/outcome.
	CommandsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulight",
		Subsystem: "command",
		Name:      "processed_total",
		Help:      "Total commands processed by verb and outcome",
	}, []string{"command", "outcome"})
)
