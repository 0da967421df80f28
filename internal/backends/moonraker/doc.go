// Package moonraker implements the backend for Klipper printers fronted by
// the Moonraker API server.
//
// Commands and status queries use the HTTP API; live status comes from the
// JSON-RPC websocket at /websocket via printer.objects.subscribe and
// notify_status_update notifications. Requests are paced with a token
// bucket so a busy dispatcher cannot flood a small host.
//
// Authentication uses the X-Api-Key header when a key is configured for
// the host or device name. A 401 or 403 during connect is reported as
// device.ErrAuthRejected.
package moonraker
