// Package workers implements the parallel dispatch controller that executes
// one runtime wave at a time.
//
// A single coordinating goroutine per wave owns the queue and the running
// counters. For every launched attempt it:
//   - Starts the executor in its own goroutine
//   - Races it against the attempt timeout
//   - Settles the attempt back on the coordinating goroutine
//
// Failed and timed-out attempts are re-enqueued after an exponential backoff
// until the retry budget is spent.
package workers
