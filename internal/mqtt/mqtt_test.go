package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

func beamEvent() logic.Event {
	return logic.Event{
		Timestamp: time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Type:      logic.EventBlocked,
		Beam:      2,
		Name:      "hallway",
		State:     logic.StateBlocked,
		Reading:   812,
		Threshold: 540,
		Mask:      0b101,
	}
}

func TestFormatPayloadExactJSON(t *testing.T) {
	payload, err := FormatPayload(beamEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"beam":{"timestamp":"2026-02-02T22:18:12Z","event":"BEAM_BLOCKED","index":2,"name":"hallway","state":"BLOCKED","reading":812,"threshold":540,"mask":5}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatPayloadCleared(t *testing.T) {
	e := beamEvent()
	e.Type = logic.EventCleared
	e.State = logic.StateClear
	e.Timestamp = time.Date(2026, 2, 2, 23, 0, 0, 0, time.FixedZone("CET", 3600))

	payload, err := FormatPayload(e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Beam.Event != "BEAM_CLEARED" || parsed.Beam.State != "CLEAR" {
		t.Errorf("event/state: got %s/%s", parsed.Beam.Event, parsed.Beam.State)
	}
	if parsed.Beam.Timestamp != "2026-02-02T22:00:00Z" {
		t.Errorf("timestamp should be UTC, got %s", parsed.Beam.Timestamp)
	}
}

func TestTopics(t *testing.T) {
	if Topic != "sensors/photobeam/events" {
		t.Errorf("unexpected topic: %s", Topic)
	}
	if TopicSystem != "sensors/photobeam/system" {
		t.Errorf("unexpected system topic: %s", TopicSystem)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 3, 10, 30, 45, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-03T10:30:45Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, exists := parsed["system"]["reason"]; exists {
		t.Error("reason field should be omitted when empty")
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"system":{"event":"STARTUP"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "IGNORED", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload should pass through, got %s", payload)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	if err := f.Publish(beamEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.Events) != 1 || len(f.Payloads()) != 1 {
		t.Fatalf("expected 1 event and payload, got %d/%d", len(f.Events), len(f.Payloads()))
	}
	if f.Events[0].Type != logic.EventBlocked {
		t.Errorf("unexpected event type: %s", f.Events[0].Type)
	}
	if names := f.SystemEventNames(); len(names) != 1 || names[0] != "STARTUP" {
		t.Errorf("system events: got %v", names)
	}
}

func TestFakePublisherMessages(t *testing.T) {
	f := NewFakePublisher()
	f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true})
	f.Publish(beamEvent())
	f.PublishSystem(SystemEvent{Event: "RESET"})

	want := []struct {
		topic    string
		qos      byte
		retained bool
	}{
		{TopicSystem, QoSSystem, true},
		{Topic, QoSEvent, false},
		{TopicSystem, QoSSystem, false},
	}
	if len(f.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(f.Messages))
	}
	for i, w := range want {
		m := f.Messages[i]
		if m.Topic != w.topic || m.QoS != w.qos || m.Retained != w.retained {
			t.Errorf("message %d: got %s qos=%d retained=%v, want %s qos=%d retained=%v",
				i, m.Topic, m.QoS, m.Retained, w.topic, w.qos, w.retained)
		}
	}
	if n := len(f.SystemPayloads()); n != 2 {
		t.Errorf("SystemPayloads: got %d, want 2", n)
	}
	if n := len(f.Payloads()); n != 1 {
		t.Errorf("Payloads: got %d, want 1", n)
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("simulated error")
	f.PublishSystemError = errors.New("simulated error")

	if err := f.Publish(beamEvent()); err == nil {
		t.Error("expected error")
	}
	if err := f.PublishSystem(SystemEvent{Event: "HEARTBEAT"}); err == nil {
		t.Error("expected error")
	}
	if len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("nothing should be recorded on error")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish(beamEvent())
	f.Close()
	f.Connected = true
	f.PublishError = errors.New("error")

	f.Reset()

	if len(f.Events) != 0 || len(f.Messages) != 0 {
		t.Error("events should be cleared")
	}
	if f.Closed || f.Connected || f.PublishError != nil {
		t.Error("flags should be reset")
	}
}
