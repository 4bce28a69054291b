// Package metrics exposes the server's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently admitted and not yet ended.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellquest_active_sessions",
		Help: "Number of active shell sessions.",
	})

	// TerminalConnections tracks open terminal websockets.
	TerminalConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellquest_terminal_connections",
		Help: "Number of open terminal websocket connections.",
	})

	// AdmissionsDenied counts session starts refused by capacity limits.
	AdmissionsDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellquest_admissions_denied_total",
		Help: "Session starts denied by admission control.",
	}, []string{"reason"})

	// Validations counts validation runs by outcome.
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellquest_validations_total",
		Help: "Validation script runs by outcome.",
	}, []string{"outcome"})

	// ContainersCleaned counts containers removed by the cleanup loop.
	ContainersCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellquest_containers_cleaned_total",
		Help: "Containers removed by expiry cleanup.",
	})
)
