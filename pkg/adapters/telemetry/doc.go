// Package telemetry provides sinks for the dispatch lifecycle event stream.
//
// Implementations:
//   - Recorder: in-memory per-task log, used by tests and the plan CLI
//   - BusSink: publishes every event and summary on the event bus
//   - Multi: fans out to several sinks
package telemetry
