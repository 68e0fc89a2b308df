package logic

import (
	"errors"
	"testing"
	"time"
)

// setupMonitor builds a monitor over two beams on pins 1 and 2 (indices 0
// and 1), both blocked-high with min_range 50.
func setupMonitor(t *testing.T) (*Monitor, *testIO) {
	t.Helper()
	io := newTestIO()
	reg := NewRegistry()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var beams []*Photodetector
	for i, name := range []string{"door", "window"} {
		d, err := NewPhotodetector(io, reg, Pin(i+1), uint8(i), true, WithName(name))
		if err != nil {
			t.Fatal(err)
		}
		d.SetMinRange(50)
		beams = append(beams, d)
	}
	m := NewMonitor(reg, start, beams...)
	if err := m.Begin(); err != nil {
		t.Fatal(err)
	}
	return m, io
}

func process(t *testing.T, m *Monitor, io *testIO, now time.Time, door, window uint16) []Event {
	t.Helper()
	io.values[1] = door
	io.values[2] = window
	io.advance(10)
	events, err := m.Process(now)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return events
}

func TestMonitorNoEventsWhileGated(t *testing.T) {
	m, io := setupMonitor(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if events := process(t, m, io, now, 500, 500); len(events) != 0 {
			t.Errorf("iteration %d: expected no events, got %d", i, len(events))
		}
	}
	if m.IsBaselined() {
		t.Error("should not be baselined with zero range")
	}
}

func TestMonitorEmitsTransitions(t *testing.T) {
	m, io := setupMonitor(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	process(t, m, io, now, 100, 100)
	process(t, m, io, now, 100, 100)

	// Door blocked: reading rises well above the range midpoint.
	events := process(t, m, io, now, 900, 100)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != EventBlocked || e.State != StateBlocked {
		t.Errorf("expected BEAM_BLOCKED/BLOCKED, got %s/%s", e.Type, e.State)
	}
	if e.Beam != 0 || e.Name != "door" {
		t.Errorf("expected beam 0 door, got %d %q", e.Beam, e.Name)
	}
	if e.Reading != 900 || e.Threshold != 500 {
		t.Errorf("reading/threshold: got %d/%d, want 900/500", e.Reading, e.Threshold)
	}
	if e.Mask != 0b01 {
		t.Errorf("mask: got %b, want 01", e.Mask)
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("timestamp: got %v, want %v", e.Timestamp, now)
	}

	// Door clears, window blocks in the same sweep.
	events = process(t, m, io, now.Add(time.Second), 100, 900)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventCleared || events[0].Beam != 0 {
		t.Errorf("event 0: got %s beam %d, want BEAM_CLEARED beam 0", events[0].Type, events[0].Beam)
	}
	if events[1].Type != EventBlocked || events[1].Beam != 1 {
		t.Errorf("event 1: got %s beam %d, want BEAM_BLOCKED beam 1", events[1].Type, events[1].Beam)
	}
	for i, e := range events {
		if e.Mask != 0b10 {
			t.Errorf("event %d: mask after sweep got %b, want 10", i, e.Mask)
		}
	}

	counts := m.EventCountsSnapshot()
	if counts.Blocked != 2 || counts.Cleared != 1 {
		t.Errorf("counts: got %+v, want {Blocked:2 Cleared:1}", counts)
	}
	if !m.IsBaselined() {
		t.Error("both beams have classified; should be baselined")
	}
	if m.Mask() != 0b10 {
		t.Errorf("Mask: got %b, want 10", m.Mask())
	}
}

func TestMonitorErrorDoesNotStopSweep(t *testing.T) {
	m, io := setupMonitor(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	process(t, m, io, now, 100, 100)

	io.errs[1] = errADC
	io.values[2] = 900
	io.advance(10)
	events, err := m.Process(now)
	if !errors.Is(err, errADC) {
		t.Fatalf("got %v, want errADC", err)
	}
	if len(events) != 1 || events[0].Beam != 1 {
		t.Errorf("expected event from beam 1 despite beam 0 failing, got %+v", events)
	}
}

func TestMonitorReset(t *testing.T) {
	m, io := setupMonitor(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	process(t, m, io, now, 100, 100)
	process(t, m, io, now, 900, 100)

	if err := m.Reset(0); err != nil {
		t.Fatalf("Reset(0): %v", err)
	}
	if h := m.Beam(0).History(); h.Max != 0 {
		t.Errorf("history after reset: got %+v", h)
	}
	if h := m.Beam(1).History(); h.Min != 100 {
		t.Errorf("other beam must be untouched, got %+v", h)
	}
	if err := m.Reset(9); !errors.Is(err, ErrUnknownBeam) {
		t.Errorf("Reset(9): got %v, want ErrUnknownBeam", err)
	}
}

func TestMonitorSnapshots(t *testing.T) {
	m, io := setupMonitor(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	process(t, m, io, now, 100, 100)
	process(t, m, io, now, 900, 100)

	snaps := m.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Name != "door" || snaps[0].State != StateBlocked || !snaps[0].Ready {
		t.Errorf("door snapshot: %+v", snaps[0])
	}
	if snaps[1].State != StateClear || snaps[1].Ready {
		t.Errorf("window snapshot: %+v", snaps[1])
	}
	if len(m.Beams()) != 2 {
		t.Errorf("Beams: got %d", len(m.Beams()))
	}
}

func TestMonitorEmptyNotBaselined(t *testing.T) {
	m := NewMonitor(NewRegistry(), time.Now())
	if m.IsBaselined() {
		t.Error("empty monitor should not be baselined")
	}
}

func baselinedMonitor(t *testing.T) (*Monitor, *testIO, time.Time) {
	t.Helper()
	m, io := setupMonitor(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	process(t, m, io, start, 100, 100)
	process(t, m, io, start, 900, 900)
	if !m.IsBaselined() {
		t.Fatal("setup: expected baselined")
	}
	return m, io, start
}

func TestCheckHeartbeatDisabled(t *testing.T) {
	m, _, start := baselinedMonitor(t)
	if hb := m.CheckHeartbeat(start.Add(time.Hour), 0); hb != nil {
		t.Error("interval 0 should disable heartbeats")
	}
}

func TestCheckHeartbeatBeforeBaseline(t *testing.T) {
	m, _ := setupMonitor(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if hb := m.CheckHeartbeat(start.Add(time.Hour), time.Minute); hb != nil {
		t.Error("no heartbeat before baseline")
	}
}

func TestCheckHeartbeatInterval(t *testing.T) {
	m, _, start := baselinedMonitor(t)
	interval := 15 * time.Minute

	if hb := m.CheckHeartbeat(start.Add(14*time.Minute), interval); hb != nil {
		t.Error("heartbeat before interval elapsed")
	}

	hb := m.CheckHeartbeat(start.Add(15*time.Minute), interval)
	if hb == nil {
		t.Fatal("expected heartbeat at interval")
	}
	if hb.Uptime != 15*time.Minute {
		t.Errorf("uptime: got %v, want 15m", hb.Uptime)
	}
	if hb.Counts.Blocked != 2 {
		t.Errorf("counts: got %+v", hb.Counts)
	}
	if hb.Mask != 0b11 {
		t.Errorf("mask: got %b, want 11", hb.Mask)
	}

	if hb := m.CheckHeartbeat(start.Add(20*time.Minute), interval); hb != nil {
		t.Error("heartbeat should wait a full interval after the last one")
	}
	if hb := m.CheckHeartbeat(start.Add(30*time.Minute), interval); hb == nil {
		t.Error("expected second heartbeat")
	}
}

func TestMonitorCloseReleasesBits(t *testing.T) {
	m, _, _ := baselinedMonitor(t)
	m.Close()
	if m.Mask() != 0 {
		t.Errorf("mask after close: got %b, want 0", m.Mask())
	}
}
