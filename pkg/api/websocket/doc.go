// Package websocket provides real-time dispatch event streaming via WebSocket.
//
// Clients connect to /api/v1/runs/:id/ws and receive every bus event whose
// execution id is the run's task id.
package websocket
