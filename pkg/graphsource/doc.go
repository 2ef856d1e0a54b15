// Package graphsource loads node graphs from files.
//
// Supported formats:
//   - YAML (.yaml, .yml): a top-level "nodes" list
//   - HCL (.hcl): one labelled "node" block per node
//   - JSON (.json): a "nodes" list or a bare array
//
// Directories are walked recursively and every supported file is merged.
package graphsource
