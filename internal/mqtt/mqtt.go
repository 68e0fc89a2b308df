// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// Topic is the MQTT topic for beam events.
const Topic = "sensors/photobeam/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "sensors/photobeam/system"

// Delivery levels: beam events are at-most-once, lifecycle events
// at-least-once.
const (
	QoSEvent  byte = 0
	QoSSystem byte = 1
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a beam event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "RESET"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Beam BeamPayload `json:"beam"`
}

// BeamPayload contains the beam event details.
type BeamPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Index     uint8  `json:"index"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Reading   uint16 `json:"reading"`
	Threshold uint16 `json:"threshold"`
	Mask      uint32 `json:"mask"`
}

// FormatPayload creates the JSON payload for a beam event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Beam: BeamPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     string(event.Type),
			Index:     event.Beam,
			Name:      event.Name,
			State:     string(event.State),
			Reading:   event.Reading,
			Threshold: event.Threshold,
			Mask:      event.Mask,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
