// Package domain holds the data model shared by the graph validator, the wave
// planner, the dispatch controller and the adapters around them.
//
// Everything here is plain data: nodes, priorities, schedule plans, runtime
// waves, dispatch policy and limits, lifecycle events and run state. None of
// the types carry behaviour beyond small helpers and defaults.
package domain
