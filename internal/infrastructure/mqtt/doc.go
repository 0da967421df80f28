// Package mqtt provides MQTT client connectivity for the gateway.
//
// This package manages:
//   - Connection to the gateway's own broker with auto-reconnect and LWT
//   - Short-lived connections to Bambu printers, which run their own broker
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//
// # Architecture
//
// Two roles share one client type:
//
//	telemetry publisher  -> gateway broker   (printgate/device/<id>/status)
//	bambu backend        -> printer broker   (device/<serial>/request|report)
//
// Printer connections disable paho's auto-reconnect; the device session
// owns reconnection and backoff.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
//	client.PublishRetained(topics.DeviceStatus(id), payload)
package mqtt
