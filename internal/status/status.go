// Package status provides a thread-safe status tracker for the photobeam-sensor daemon.
// It is read by the HTTP handlers and the websocket hub.
package status

import (
	"slices"
	"sync"
	"time"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Serial      string // bridge serial port, empty when running on the fake
	Websocket   bool   // live updates on /ws
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Beams         []logic.BeamSnapshot
	Mask          uint32
	Baselined     bool
	Counts        logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	BootID        string
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time, config and boot ID.
func NewTracker(startTime time.Time, cfg Config, bootID string) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			BootID:    bootID,
		},
	}
}

// Update sets beam snapshots, the registry mask, baseline status and event
// counts. Called from runLoop on every tick.
func (t *Tracker) Update(beams []logic.BeamSnapshot, mask uint32, baselined bool, counts logic.EventCounts) {
	t.mu.Lock()
	t.snap.Beams = slices.Clone(beams)
	t.snap.Mask = mask
	t.snap.Baselined = baselined
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Beams = slices.Clone(t.snap.Beams)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
