// Package discovery produces device announcements for the registry.
//
// Each Source watches one mechanism: Bambu SSDP notifications on UDP 2021,
// mDNS browsing for Moonraker hosts, serial port enumeration, and a static
// list from configuration and the inventory. A Feed runs the sources
// concurrently, merges their output into one channel and restarts any
// source that fails, with exponential backoff.
//
// Announcements are hints. The registry decides whether one creates a
// session, revives a parked one or changes nothing.
package discovery
