// Package agent provides executors that perform node attempts.
//
// The factory creates an executor based on provider configuration.
// Currently supports:
//   - anthropic: one Messages API call per attempt
//   - noop: immediate success, optionally after a fixed delay
package agent
