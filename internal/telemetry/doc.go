// Package telemetry forwards device status updates to external sinks.
//
// Each sink gets its own aggregator listener and runs in its own goroutine,
// so a slow broker or time-series database only drops updates for itself
// and never holds up the sessions that produce them.
//
//	listener := agg.Subscribe("mqtt", 256)
//	go telemetry.Forward(ctx, listener, telemetry.NewMQTTPublisher(client, topics, 1), logger)
//
// Two sinks exist: MQTTPublisher keeps retained per-device state and status
// topics on the gateway's broker, and InfluxWriter records temperatures,
// job progress and state changes as InfluxDB points.
package telemetry
