package status

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Ready         bool         `json:"ready"`
	Mask          uint32       `json:"mask"`
	Beams         []BeamJSON   `json:"beams"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	BootID        string       `json:"boot_id,omitempty"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// BeamJSON is the JSON representation of one detector.
type BeamJSON struct {
	Index          uint8   `json:"index"`
	Name           string  `json:"name"`
	State          string  `json:"state"`
	Ready          bool    `json:"ready"`
	Reading        uint16  `json:"reading"`
	Raw            uint16  `json:"raw"`
	Threshold      uint16  `json:"threshold"`
	AutoThreshold  bool    `json:"auto_threshold"`
	Sensitivity    float64 `json:"sensitivity"`
	Min            uint16  `json:"min"`
	Max            uint16  `json:"max"`
	Range          uint16  `json:"range"`
	MinRange       uint16  `json:"min_range"`
	ResetTimeoutMs uint16  `json:"reset_timeout_ms"`
	LowpassHz      float64 `json:"lowpass_hz"`
	EmitterPWM     uint8   `json:"emitter_pwm"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Blocked int `json:"blocked"`
	Cleared int `json:"cleared"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Serial      string `json:"serial,omitempty"`
	Websocket   bool   `json:"websocket"`
}

// StateLabel returns the displayed state of a beam. A beam that has never
// classified reports UNKNOWN rather than its initial CLEAR.
func StateLabel(b logic.BeamSnapshot) string {
	if !b.Ready || b.State == "" {
		return "UNKNOWN"
	}
	return string(b.State)
}

// MaskBits renders the low n bits of mask, highest index first.
func MaskBits(mask uint32, n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%0*b", n, mask&(1<<uint(n)-1))
}

func buildBeam(b logic.BeamSnapshot) BeamJSON {
	return BeamJSON{
		Index:          b.Index,
		Name:           b.Name,
		State:          StateLabel(b),
		Ready:          b.Ready,
		Reading:        b.Reading,
		Raw:            b.RawReading,
		Threshold:      b.Threshold,
		AutoThreshold:  b.AutoThreshold,
		Sensitivity:    b.Sensitivity,
		Min:            b.History.Min,
		Max:            b.History.Max,
		Range:          b.History.Range(),
		MinRange:       b.MinRange,
		ResetTimeoutMs: b.ResetTimeout,
		LowpassHz:      b.LowpassCutoff,
		EmitterPWM:     b.EmitterPWM,
	}
}

func buildInner(snap Snapshot) StatusInner {
	beams := make([]BeamJSON, 0, len(snap.Beams))
	for _, b := range snap.Beams {
		beams = append(beams, buildBeam(b))
	}

	return StatusInner{
		Ready:         snap.Baselined,
		Mask:          snap.Mask,
		Beams:         beams,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		BootID:        snap.BootID,
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Blocked: snap.Counts.Blocked,
			Cleared: snap.Counts.Cleared,
		},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Serial:      snap.Config.Serial,
			Websocket:   snap.Config.Websocket,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
