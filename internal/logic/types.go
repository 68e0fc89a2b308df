// Package logic contains the pure decision logic for photobeam detection.
// This package has NO direct hardware, network, or OS access: samples and
// clocks come through the IO interface, and wall-clock time is always
// injectable via time.Time parameters.
package logic

import "time"

// Pin identifies a host-platform pin (detector input or emitter output).
type Pin uint8

// IO is the host platform boundary a photodetector samples and drives through.
type IO interface {
	// ConfigureInput prepares a pin for analog sampling.
	ConfigureInput(pin Pin) error

	// ConfigureOutput prepares a pin for digital/PWM output.
	ConfigureOutput(pin Pin) error

	// ReadAnalog performs a one-shot ADC conversion on pin.
	ReadAnalog(pin Pin) (uint16, error)

	// WriteDigital drives pin fully high (true) or low (false).
	WriteDigital(pin Pin, high bool) error

	// WritePWM sets the duty cycle of pin, 0..255.
	WritePWM(pin Pin, value uint8) error

	// Millis and Micros are monotonic clocks that wrap at 2^32.
	Millis() uint32
	Micros() uint32
}

// Filter smooths raw samples. A cutoff of 0 disables it.
type Filter interface {
	// Apply feeds one sample taken at timestamp (microseconds) and returns
	// the filtered value.
	Apply(raw float64, timestamp uint32) float64

	// SetCutoff requests a cutoff frequency and returns the one actually in
	// effect, which may be clamped or quantized.
	SetCutoff(hz float64) float64
}

// State is the logical state of a beam.
type State string

const (
	StateBlocked State = "BLOCKED"
	StateClear   State = "CLEAR"
)

// EventType represents a beam state transition.
type EventType string

const (
	EventBlocked EventType = "BEAM_BLOCKED"
	EventCleared EventType = "BEAM_CLEARED"
)

// Event represents a beam transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Beam      uint8
	Name      string
	State     State
	Reading   uint16
	Threshold uint16
	// Registry mask after the sweep that produced this event
	Mask uint32
}

// History is the lowest and highest reading observed since the last reset.
type History struct {
	Min uint16
	Max uint16
}

// Range returns Max-Min, or 0 before the first reading.
func (h History) Range() uint16 {
	if h.Max < h.Min {
		return 0
	}
	return h.Max - h.Min
}

// BeamSnapshot is a point-in-time copy of a photodetector's observable state.
type BeamSnapshot struct {
	Index         uint8
	Name          string
	State         State
	Ready         bool
	Reading       uint16
	RawReading    uint16
	ReadTime      uint32
	Threshold     uint16
	AutoThreshold bool
	Sensitivity   float64
	History       History
	MinRange      uint16
	ResetTimeout  uint16
	LowpassCutoff float64
	EmitterPWM    uint8
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Blocked int
	Cleared int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
	Mask      uint32
}

func stateOf(blocked bool) State {
	if blocked {
		return StateBlocked
	}
	return StateClear
}
