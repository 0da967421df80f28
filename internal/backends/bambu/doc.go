// Package bambu implements the network printer backend for Bambu Lab
// printers on the local network.
//
// Each printer runs its own MQTT broker on port 8883 (TLS, self-signed).
// The gateway logs in as user "bblp" with the printer's LAN access code,
// subscribes to device/<serial>/report and publishes commands to
// device/<serial>/request. Replies carry the request's sequence_id.
//
// Status arrives as push_status reports. P1 and A1 series printers send
// partial reports, so the backend merges every report into the last known
// state before building a snapshot.
//
//	backend := bambu.New(cfg.Backends.Bambu, bambu.Options{Logger: log})
//	registry := device.NewRegistry(device.RegistryOptions{Backends: []device.Backend{backend}})
package bambu
