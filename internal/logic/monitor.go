package logic

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBeam indicates no monitored detector owns the requested index.
var ErrUnknownBeam = errors.New("unknown beam")

// Monitor polls a group of photodetectors sharing one registry and turns
// their change flags into events.
type Monitor struct {
	beams         []*Photodetector
	registry      *Registry
	startTime     time.Time
	eventCounts   EventCounts
	lastHeartbeat time.Time
}

// NewMonitor creates a monitor over beams, which must all write to registry.
// The startTime is used for calculating uptime in heartbeat events.
func NewMonitor(registry *Registry, startTime time.Time, beams ...*Photodetector) *Monitor {
	return &Monitor{
		beams:         beams,
		registry:      registry,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// Begin initializes every detector.
func (m *Monitor) Begin() error {
	for _, d := range m.beams {
		if err := d.Begin(); err != nil {
			return err
		}
	}
	return nil
}

// Process polls every beam once, in order, and returns an event for each
// beam whose state changed. A failing beam does not stop the sweep; its
// error is joined into the returned error.
func (m *Monitor) Process(now time.Time) ([]Event, error) {
	var (
		events []Event
		errs   []error
	)

	for _, d := range m.beams {
		changed, err := d.Poll()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}

		typ := EventCleared
		if d.IsBlocked() {
			typ = EventBlocked
		}
		events = append(events, Event{
			Timestamp: now,
			Type:      typ,
			Beam:      d.Index(),
			Name:      d.Name(),
			State:     stateOf(d.IsBlocked()),
			Reading:   d.Reading(),
			Threshold: d.Threshold(),
		})
	}

	// Stamp every event with the mask after the whole sweep
	mask := m.registry.Mask()
	for i := range events {
		events[i].Mask = mask
		switch events[i].Type {
		case EventBlocked:
			m.eventCounts.Blocked++
		case EventCleared:
			m.eventCounts.Cleared++
		}
	}

	return events, errors.Join(errs...)
}

// IsBaselined returns whether every beam has classified at least once.
func (m *Monitor) IsBaselined() bool {
	if len(m.beams) == 0 {
		return false
	}
	for _, d := range m.beams {
		if !d.Ready() {
			return false
		}
	}
	return true
}

// Reset clears the history of the beam with the given index.
func (m *Monitor) Reset(index uint8) error {
	d := m.Beam(index)
	if d == nil {
		return fmt.Errorf("reset beam %d: %w", index, ErrUnknownBeam)
	}
	d.Reset()
	return nil
}

// Beam returns the detector owning index, or nil.
func (m *Monitor) Beam(index uint8) *Photodetector {
	for _, d := range m.beams {
		if d.Index() == index {
			return d
		}
	}
	return nil
}

// Beams returns the monitored detectors in poll order.
func (m *Monitor) Beams() []*Photodetector {
	return m.beams
}

// Snapshots returns the observable state of every beam in poll order.
func (m *Monitor) Snapshots() []BeamSnapshot {
	out := make([]BeamSnapshot, len(m.beams))
	for i, d := range m.beams {
		out[i] = d.Snapshot()
	}
	return out
}

// Mask returns the registry bitmask.
func (m *Monitor) Mask() uint32 {
	return m.registry.Mask()
}

// EventCountsSnapshot returns the event counters since start.
func (m *Monitor) EventCountsSnapshot() EventCounts {
	return m.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet baselined, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (m *Monitor) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if !m.IsBaselined() {
		return nil
	}

	if now.Sub(m.lastHeartbeat) < interval {
		return nil
	}

	m.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(m.startTime),
		Counts:    m.eventCounts,
		Mask:      m.registry.Mask(),
	}
}

// Close releases every detector's registry bit.
func (m *Monitor) Close() {
	for _, d := range m.beams {
		d.Close()
	}
}
