// Package ports declares the interfaces the orchestration core consumes:
// the event bus, run storage, metrics, telemetry and the agent executor.
// Adapters under pkg/adapters implement them.
package ports
