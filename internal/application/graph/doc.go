// Package graph validates dependency graphs of agent work items and turns
// them into deterministic, hashed schedule plans.
//
// The Validator normalizes raw nodes, rejects dangling references and cycles
// and layers valid graphs into waves by id. The Planner re-derives the same
// layering ordered by priority rank, then node id, and hashes a canonical
// serialization of the result so identical inputs always produce identical
// plans.
package graph
