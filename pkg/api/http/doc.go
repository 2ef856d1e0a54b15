// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Graph validation and schedule planning
//   - Run submission, status, events and cancellation
//   - Health checks
//   - Prometheus metrics
package http
