package mqtt

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// Defaults for Options.
const (
	DefaultClientID   = "photobeam-sensor"
	DefaultBufferSize = 256
)

const publishTimeout = 5 * time.Second

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string // prefix; a per-boot suffix is appended
	BufferSize int    // messages held while disconnected
}

// pahoClient is the subset of paho.Client the publisher uses.
type pahoClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker.
// Messages published while the connection is down are held in a ring buffer
// and replayed, oldest first, once the client reconnects.
type RealPublisher struct {
	client pahoClient
	now    func() time.Time

	mu  sync.Mutex
	buf *ringBuffer

	everConnected atomic.Bool
}

func newPublisher(client pahoClient, bufferSize int) *RealPublisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &RealPublisher{
		client: client,
		now:    time.Now,
		buf:    newRingBuffer(bufferSize),
	}
}

// NewRealPublisher creates a publisher for the given broker. Connection
// happens in the background with automatic retry, so the broker need not be
// reachable at startup.
func NewRealPublisher(o Options) *RealPublisher {
	clientID := o.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	clientID = fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8])

	p := newPublisher(nil, o.BufferSize)

	lwt, _ := FormatSystemPayload(SystemEvent{
		Timestamp: p.now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(lwt), QoSSystem, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	client := paho.NewClient(opts)
	p.client = client
	client.Connect()
	log.Printf("mqtt: connecting to %s as %s", o.Broker, clientID)

	return p
}

func (p *RealPublisher) onConnect() {
	reconnect := p.everConnected.Swap(true)
	log.Printf("mqtt: connected")
	// Handlers run on paho's goroutine; publishing with waits must not block it.
	go p.flush(reconnect)
}

// flush replays buffered messages and announces a reconnection.
func (p *RealPublisher) flush(reconnect bool) {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()

	if len(msgs) > 0 {
		log.Printf("mqtt: replaying %d buffered messages", len(msgs))
	}
	for _, m := range msgs {
		if err := p.publish(m); err != nil {
			log.Printf("mqtt: replay to %s: %v", m.topic, err)
		}
	}

	if reconnect {
		if err := p.PublishSystem(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED", Retained: true}); err != nil {
			log.Printf("mqtt: publish reconnected event: %v", err)
		}
	}
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Publish sends a beam event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	return p.publish(bufferedMsg{topic: Topic, payload: payload, qos: QoSEvent})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	return p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: QoSSystem, retained: event.Retained})
}

// IsConnected reports whether the broker connection is currently up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
