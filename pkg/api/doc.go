// Package api exposes the operations lifecycle and resilience core over
// HTTP: create/list/cancel/resume operations, read progress and metrics,
// and introspect the orphan detector. Every response is the envelope
// {success, data, error}; every /api/v1 route is instrumented with
// request-count and latency metrics (/health and /metrics are not).
package api
