// ABOUTME: Package documentation for the gateway package.

// Package gateway is the kilnd orchestrator. It runs one HTTP server
// carrying the WebSocket endpoint both node agents and dashboard clients
// connect to, the REST API, health checks, and optional Prometheus metrics,
// and owns component lifecycle from startup to graceful shutdown.
package gateway
