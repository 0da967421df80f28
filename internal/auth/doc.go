// Package auth provides bearer token authentication for the printgate API.
//
// Tokens are HS256-signed JWTs carrying a subject and a role. Roles map to
// a static permission set:
//   - viewer: read device state and command results
//   - operator: viewer plus submitting and cancelling commands
//   - admin: operator plus registering, removing and reconnecting devices
//
// Validation needs only the shared secret; there is no token store.
package auth
