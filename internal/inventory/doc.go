// Package inventory persists explicitly registered devices in SQLite.
//
// Discovered devices live only in memory; a device added through the API
// is written here so it survives a restart. On startup the static discovery
// source reads the inventory back and announces every stored device, which
// recreates its session through the normal discovery path.
//
// Store satisfies both device.Store and discovery.Provider.
package inventory
