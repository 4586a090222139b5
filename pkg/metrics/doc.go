// Package metrics exposes the Prometheus collectors shared across opscore:
// operation lifecycle counts and durations, host-service adapter request/
// latency/circuit-breaker gauges, worker registry health, and the
// reconciliation and orphan-detection cycle counters.
package metrics
