package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/mqtt"
)

// Publisher is the part of mqtt.Client the MQTT sink needs.
type Publisher interface {
	PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

var _ Publisher = (*mqtt.Client)(nil)

// StatePayload is published retained on a device's state topic.
type StatePayload struct {
	Identity  device.Identity `json:"identity"`
	Kind      device.Kind     `json:"kind"`
	State     device.State    `json:"state"`
	Previous  device.State    `json:"previous,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
}

// MQTTPublisher mirrors device state onto retained topics.
//
// Every update refreshes the state topic. Updates carrying a backend
// snapshot also refresh the status topic. A session closed by removal
// clears both retained messages.
type MQTTPublisher struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
}

// NewMQTTPublisher creates the MQTT sink.
func NewMQTTPublisher(pub Publisher, topics mqtt.Topics, qos byte) *MQTTPublisher {
	return &MQTTPublisher{pub: pub, topics: topics, qos: qos}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Write publishes u.
func (p *MQTTPublisher) Write(ctx context.Context, u device.StatusUpdate) error {
	id := string(u.Identity)

	if u.State == device.StateDisconnected && u.Reason == device.ReasonRemoved {
		// An empty retained payload deletes the retained message.
		if err := p.pub.PublishContext(ctx, p.topics.DeviceState(id), nil, p.qos, true); err != nil {
			return fmt.Errorf("clearing state topic: %w", err)
		}
		if err := p.pub.PublishContext(ctx, p.topics.DeviceStatus(id), nil, p.qos, true); err != nil {
			return fmt.Errorf("clearing status topic: %w", err)
		}
		return nil
	}

	state, err := json.Marshal(StatePayload{
		Identity:  u.Identity,
		Kind:      u.Kind,
		State:     u.State,
		Previous:  u.Previous,
		Reason:    u.Reason,
		Seq:       u.Seq,
		Timestamp: u.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := p.pub.PublishContext(ctx, p.topics.DeviceState(id), state, p.qos, true); err != nil {
		return fmt.Errorf("publishing state: %w", err)
	}

	if u.Source != device.SourceBackend || u.Status == nil {
		return nil
	}
	status, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := p.pub.PublishContext(ctx, p.topics.DeviceStatus(id), status, p.qos, true); err != nil {
		return fmt.Errorf("publishing status: %w", err)
	}
	return nil
}
