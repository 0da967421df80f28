// Package api implements the HTTP REST API and websocket status stream for printgate.
//
// This package provides:
//   - REST endpoints for the device registry: list, register, remove, reconnect
//   - Command submission with polling, awaiting and cancellation by correlation ID
//   - A websocket stream of device status updates with per-client device filters
//   - Bearer token authentication with role permissions
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Prometheus exposition on /metrics
//
// # Architecture
//
// The API is a thin collaborator over the device package: handlers call the
// Registry and Dispatcher directly and translate device errors into HTTP
// status codes. Status updates reach websocket clients through their own
// Aggregator listener, so a slow browser only loses its own updates.
//
// # Security
//
// With auth disabled every request runs as an admin. With auth enabled a
// JWT is read from the Authorization header, or from the access_token
// query parameter for websocket upgrades where browsers cannot set headers.
package api
