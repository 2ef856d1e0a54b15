// Package orchestrator drives whole runs.
//
// The manager:
//   - Validates and plans a node graph into waves
//   - Executes the waves in order through a dispatch controller
//   - Carries node statuses between waves and snapshots run state to storage
//   - Tracks asynchronous runs (submit, wait, cancel, shutdown)
//
// The health monitor reports whether the manager still accepts runs.
package orchestrator
