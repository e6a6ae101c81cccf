// ABOUTME: Prometheus collectors for the gateway's connection and dispatch paths.
// ABOUTME: Registered on the default registry; exposed via the /metrics endpoint.

// Package metrics defines the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsConnected tracks live node agent connections.
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_gateway_agents_connected",
		Help: "Number of node agents currently connected.",
	})

	// ClientsConnected tracks live dashboard client connections.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_gateway_clients_connected",
		Help: "Number of dashboard clients currently connected.",
	})

	// CommandsTotal counts node-bound command dispatches by outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_gateway_commands_total",
		Help: "Node-bound command dispatches, labeled by outcome.",
	}, []string{"result"})

	// PendingRequests tracks correlated requests awaiting a response.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_gateway_pending_requests",
		Help: "Correlated requests currently awaiting an agent response.",
	})

	// EventsFanout counts events republished to subscribed clients.
	EventsFanout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_gateway_events_fanout_total",
		Help: "Agent events delivered to subscribed dashboard clients.",
	})

	// EventsDropped counts events dropped because a client was too slow.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_gateway_events_dropped_total",
		Help: "Events dropped instead of blocking on a slow client.",
	})

	// ProtocolErrors counts malformed or unrecognized inbound frames.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_gateway_protocol_errors_total",
		Help: "Inbound frames rejected by the codec.",
	})
)

// Dispatch outcome labels for CommandsTotal.
const (
	ResultOK      = "ok"
	ResultOffline = "offline"
	ResultError   = "error"
)
