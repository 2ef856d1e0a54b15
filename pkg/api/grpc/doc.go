// Package grpc serves the standard gRPC health service for the orchestrator.
package grpc
