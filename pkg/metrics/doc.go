/*
Package metrics provides Prometheus metrics collection and exposition for fleetd.

The metrics package defines and registers all fleetd metrics using the
Prometheus client library, providing observability into fleet composition,
scheduling behavior, the command protocol, relay coordination, and port
allocation. Metrics are exposed via an HTTP endpoint for scraping by
Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Categories                │          │
	│  │                                              │          │
	│  │  Fleet: nodes, VMs, reserved compute points  │          │
	│  │  API: request count, duration               │          │
	│  │  Scheduler: latency, scheduled/failed counts │          │
	│  │  VM lifecycle: create/delete duration        │          │
	│  │  Command protocol: issued, acked, orphaned   │          │
	│  │  Reconciliation: heartbeats, cycle duration  │          │
	│  │  Relay: assignments, reconciliation duration │          │
	│  │  Port allocation: by topology and outcome    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Collector (pkg/metrics)             │          │
	│  │  - Periodic sample of pkg/store state        │          │
	│  │  - Refreshes gauges between mutations        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Updating gauge metrics:

	metrics.NodesTotal.WithLabelValues("online").Set(5)
	metrics.NodeReservedComputePoints.WithLabelValues(node.ID).Set(node.Reserved.ComputePoints)

Updating counter metrics:

	metrics.CommandsIssuedTotal.WithLabelValues(string(types.CommandCreateVM)).Inc()

Recording histogram observations with the Timer helper:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Health and readiness

Package metrics also exposes a lightweight component health registry
(RegisterComponent/UpdateComponent) independent of Prometheus, consumed by
HealthHandler, ReadyHandler, and LivenessHandler for the orchestrator's
/health, /ready, and /live endpoints. Readiness additionally requires the
"store", "scheduler", and "api" components to be registered and healthy.

# Design patterns

All metrics are registered once in init() via MustRegister; Collector then
periodically re-derives the fleet-composition gauges (NodesTotal, VMsTotal,
NodeReservedComputePoints) from pkg/store so they stay accurate even between
writes, the same way the rest of the metrics are updated inline at the call
site of the operation they measure.
*/
package metrics
