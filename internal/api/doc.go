// Package api implements the HTTP surface of Fleetcore.
//
// This package provides:
//   - REST endpoints for device inventory, fleet stats, and device commands
//   - REST endpoints for batch upgrade/rollback task management
//   - The agent WebSocket endpoint (delegated to the gateway package)
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The API server is a thin adapter: handlers decode and validate the
// request, call into the registry, router, or orchestrator, and map
// package sentinel errors onto HTTP status codes. No fleet logic lives
// here.
//
// Task execution endpoints return 202 Accepted and run the batch loop
// in a background goroutine; progress is observed via GET /tasks/{id}.
package api
