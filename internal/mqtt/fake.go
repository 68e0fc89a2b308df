package mqtt

import (
	"sync"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// Message is one publish as the broker would see it.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakePublisher records published events for test assertions. It is safe to
// publish from one goroutine while another reads through the accessor
// methods; the exported slices must only be read once publishing is done.
type FakePublisher struct {
	mu sync.Mutex

	// Events and SystemEvents hold what was passed in, in order.
	Events       []logic.Event
	SystemEvents []SystemEvent

	// Messages holds every successful publish across both topics, in order.
	Messages []Message

	// PublishError and PublishSystemError, if set, are returned instead of
	// recording anything.
	PublishError       error
	PublishSystemError error

	Closed    bool
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the beam event and its payload on Topic.
func (f *FakePublisher) Publish(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Messages = append(f.Messages, Message{Topic: Topic, QoS: QoSEvent, Payload: payload})
	return nil
}

// PublishSystem records the system event and its payload on TopicSystem.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.Messages = append(f.Messages, Message{
		Topic:    TopicSystem,
		QoS:      QoSSystem,
		Retained: event.Retained,
		Payload:  payload,
	})
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports the Connected field.
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Payloads returns the beam event payloads in publish order.
func (f *FakePublisher) Payloads() [][]byte {
	return f.payloads(Topic)
}

// SystemPayloads returns the system event payloads in publish order.
func (f *FakePublisher) SystemPayloads() [][]byte {
	return f.payloads(TopicSystem)
}

func (f *FakePublisher) payloads(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// SystemEventNames returns the Event field of every recorded system event.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}

// Reset clears everything recorded and every injected failure.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = nil
	f.SystemEvents = nil
	f.Messages = nil
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Closed = false
	f.Connected = false
}
