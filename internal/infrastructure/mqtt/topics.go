package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every topic the gateway publishes.
const DefaultTopicPrefix = "printgate"

// Topics builds the gateway's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.NewTopics("printgate")
//	topics.DeviceStatus("moonraker:voron.local")
//	// Returns: "printgate/device/moonraker:voron.local/status"
type Topics struct {
	prefix string
}

// NewTopics returns a builder rooted at prefix, DefaultTopicPrefix when empty.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string { return t.root() }

func (t Topics) root() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// DeviceStatus returns the retained status topic of a device.
//
// Example: printgate/device/network:192.168.1.50/status
func (t Topics) DeviceStatus(identity string) string {
	return fmt.Sprintf("%s/device/%s/status", t.root(), Segment(identity))
}

// DeviceState returns the topic carrying state transitions of a device.
//
// Example: printgate/device/network:192.168.1.50/state
func (t Topics) DeviceState(identity string) string {
	return fmt.Sprintf("%s/device/%s/state", t.root(), Segment(identity))
}

// SystemStatus returns the gateway's online/offline topic.
//
// Example: printgate/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.root())
}

// AllDeviceStatus returns a pattern matching every device status topic.
//
// Pattern: printgate/device/+/status
func (t Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/device/+/status", t.root())
}

// Segment makes s safe to use as a single topic level.
// Slashes become underscores and wildcard characters are dropped.
func Segment(s string) string {
	return strings.NewReplacer("/", "_", "+", "", "#", "").Replace(s)
}

// BambuReport returns the topic a Bambu printer publishes its reports on.
//
// Example: device/01S00C123456789/report
func BambuReport(serial string) string {
	return fmt.Sprintf("device/%s/report", serial)
}

// BambuRequest returns the topic a Bambu printer accepts commands on.
//
// Example: device/01S00C123456789/request
func BambuRequest(serial string) string {
	return fmt.Sprintf("device/%s/request", serial)
}
