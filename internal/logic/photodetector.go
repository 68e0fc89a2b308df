package logic

import (
	"fmt"
	"math"

	"github.com/sweeney/photobeam-sensor/internal/filter"
)

// Defaults applied by NewPhotodetector.
const (
	DefaultSensitivity  = 0.5
	DefaultMinRange     = 100
	DefaultResetTimeout = 30000 // ms
	DefaultEmitterPWM   = 255

	// BootupResetDelay is how long after Begin the first timed history reset
	// fires, so extremes captured while the ADC settles are discarded.
	BootupResetDelay = 1000 // ms
)

// Photodetector turns an analog photobeam input into a blocked/unblocked
// state. It tracks the lowest and highest readings it has seen, derives a
// threshold from that range (or uses a fixed one), and only classifies once
// the range is wide enough to trust.
//
// A Photodetector is not safe for concurrent use; poll each instance from
// one goroutine. Different instances may share a Registry across goroutines.
type Photodetector struct {
	io     IO
	filter Filter
	slot   *Slot

	pin         Pin
	index       uint8
	name        string
	blockedHigh bool

	readingRaw uint16
	reading    uint16
	readTime   uint32

	history       History
	resetDeadline [2]uint32 // ms; [0] min side, [1] max side
	resetTimeout  uint16    // ms, 0 disables timed resets

	autoThresh  bool
	sensitivity float64
	minRange    uint16
	threshold   uint16

	isBlocked bool
	ready     bool

	lowpassCutoff float64

	emitterPin    Pin
	hasEmitterPin bool
	emitterPWM    uint8
}

// Option configures a Photodetector at construction.
type Option func(*Photodetector)

// WithName sets a human-readable beam name.
func WithName(name string) Option {
	return func(d *Photodetector) { d.name = name }
}

// WithFilter replaces the default low-pass filter.
func WithFilter(f Filter) Option {
	return func(d *Photodetector) { d.filter = f }
}

// NewPhotodetector creates a detector sampling pin and owning bit index of
// reg. blockedHigh selects the polarity: true means a blocked beam reads high.
func NewPhotodetector(io IO, reg *Registry, pin Pin, index uint8, blockedHigh bool, opts ...Option) (*Photodetector, error) {
	if io == nil {
		return nil, fmt.Errorf("photodetector %d: nil IO", index)
	}
	if reg == nil {
		return nil, fmt.Errorf("photodetector %d: nil registry", index)
	}

	d := &Photodetector{
		io:           io,
		pin:          pin,
		index:        index,
		name:         fmt.Sprintf("beam%d", index),
		blockedHigh:  blockedHigh,
		history:      History{Min: math.MaxUint16, Max: 0},
		resetTimeout: DefaultResetTimeout,
		autoThresh:   true,
		sensitivity:  DefaultSensitivity,
		minRange:     DefaultMinRange,
		emitterPWM:   DefaultEmitterPWM,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.filter == nil {
		d.filter = filter.NewLowPass()
	}

	slot, err := reg.Claim(index)
	if err != nil {
		return nil, fmt.Errorf("photodetector %q: %w", d.name, err)
	}
	d.slot = slot
	return d, nil
}

// Begin configures the detector pin and arms both history reset timers with
// the boot-up grace delay.
func (d *Photodetector) Begin() error {
	if err := d.io.ConfigureInput(d.pin); err != nil {
		return fmt.Errorf("beam %d: configure input pin %d: %w", d.index, d.pin, err)
	}
	now := d.io.Millis()
	d.resetDeadline[0] = now + BootupResetDelay
	d.resetDeadline[1] = now + BootupResetDelay
	return nil
}

// Poll samples the detector and updates history, threshold and state.
// It returns true when the blocked state changed. While auto-thresholding
// and the observed range is below the minimum range, the state is frozen at
// its last value.
func (d *Photodetector) Poll() (bool, error) {
	raw, err := d.io.ReadAnalog(d.pin)
	if err != nil {
		return false, fmt.Errorf("beam %d: read pin %d: %w", d.index, d.pin, err)
	}
	d.readingRaw = raw
	d.readTime = d.io.Micros()

	if d.lowpassCutoff > 0 {
		v := d.filter.Apply(float64(raw), d.readTime)
		d.reading = clampReading(v)
	} else {
		d.reading = raw
	}

	now := d.io.Millis()
	timed := d.resetTimeout > 0

	if d.reading <= d.history.Min || (timed && expired(now, d.resetDeadline[0])) {
		d.history.Min = d.reading
		d.resetDeadline[0] = now + uint32(d.resetTimeout)
	}
	if d.reading >= d.history.Max || (timed && expired(now, d.resetDeadline[1])) {
		d.history.Max = d.reading
		d.resetDeadline[1] = now + uint32(d.resetTimeout)
	}

	rng := d.history.Max - d.history.Min
	if d.autoThresh {
		d.threshold = d.history.Min + scaleRange(rng, d.sensitivity)
	}

	changed := false
	if rng >= d.minRange || !d.autoThresh {
		blocked := d.reading >= d.threshold
		if !d.blockedHigh {
			blocked = !blocked
		}
		changed = blocked != d.isBlocked
		d.isBlocked = blocked
		d.ready = true
	}

	d.slot.Set(d.isBlocked)
	return changed, nil
}

// expired reports whether now is strictly past deadline, tolerating the
// 49.7-day wrap of the millisecond clock.
func expired(now, deadline uint32) bool {
	return int32(now-deadline) > 0
}

// scaleRange returns rng*sensitivity truncated toward zero and clamped to
// [0, rng], so the derived threshold stays inside the history. The product
// is single precision, so 90*0.7 gives 63 rather than 62.
func scaleRange(rng uint16, sensitivity float64) uint16 {
	v := float32(rng) * float32(sensitivity)
	switch {
	case math.IsNaN(float64(v)) || v <= 0:
		return 0
	case v >= float32(rng):
		return rng
	}
	return uint16(v)
}

func clampReading(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// SetThreshold pins the threshold and disables auto-thresholding.
func (d *Photodetector) SetThreshold(value uint16) {
	d.threshold = value
	d.autoThresh = false
}

// Threshold returns the current threshold in ADC ticks.
func (d *Photodetector) Threshold() uint16 {
	return d.threshold
}

// SetSensitivity sets the auto-threshold fraction and re-enables
// auto-thresholding. The threshold is recomputed on the next Poll.
func (d *Photodetector) SetSensitivity(fraction float64) {
	d.sensitivity = fraction
	d.autoThresh = true
}

// Sensitivity returns the auto-threshold fraction.
func (d *Photodetector) Sensitivity() float64 {
	return d.sensitivity
}

// AutoThreshold reports whether the threshold is derived from history.
func (d *Photodetector) AutoThreshold() bool {
	return d.autoThresh
}

// SetMinRange sets the minimum history range required before classifying.
func (d *Photodetector) SetMinRange(v uint16) {
	d.minRange = v
}

// MinRange returns the minimum history range.
func (d *Photodetector) MinRange() uint16 {
	return d.minRange
}

// SetResetTimeout sets the history reset timeout in milliseconds; 0 disables
// timed resets.
func (d *Photodetector) SetResetTimeout(ms uint16) {
	d.resetTimeout = ms
}

// ResetTimeout returns the history reset timeout in milliseconds.
func (d *Photodetector) ResetTimeout() uint16 {
	return d.resetTimeout
}

// SetPolarity reconfigures whether a blocked beam reads high.
func (d *Photodetector) SetPolarity(blockedHigh bool) {
	d.blockedHigh = blockedHigh
}

// Polarity reports whether a blocked beam reads high.
func (d *Photodetector) Polarity() bool {
	return d.blockedHigh
}

// SetLowpassCutoff configures the filter and returns the cutoff the filter
// actually applied. Zero disables filtering.
func (d *Photodetector) SetLowpassCutoff(hz float64) float64 {
	d.lowpassCutoff = d.filter.SetCutoff(hz)
	return d.lowpassCutoff
}

// LowpassCutoff returns the configured cutoff in Hz, 0 when disabled.
func (d *Photodetector) LowpassCutoff() float64 {
	return d.lowpassCutoff
}

// SetEmitterPin assigns the emitter output pin and re-applies the current
// PWM value.
func (d *Photodetector) SetEmitterPin(pin Pin) error {
	if err := d.io.ConfigureOutput(pin); err != nil {
		return fmt.Errorf("beam %d: configure emitter pin %d: %w", d.index, pin, err)
	}
	d.emitterPin = pin
	d.hasEmitterPin = true
	return d.SetEmitterPWM(d.emitterPWM)
}

// ClearEmitterPin detaches the emitter; further PWM writes only update state.
func (d *Photodetector) ClearEmitterPin() {
	d.hasEmitterPin = false
}

// EmitterPin returns the emitter pin, if one is assigned.
func (d *Photodetector) EmitterPin() (Pin, bool) {
	return d.emitterPin, d.hasEmitterPin
}

// SetEmitterPWM stores the emitter duty cycle and drives the pin if one is
// assigned. The rails (0 and 255) are written digitally.
func (d *Photodetector) SetEmitterPWM(value uint8) error {
	d.emitterPWM = value
	if !d.hasEmitterPin {
		return nil
	}

	var err error
	switch value {
	case math.MaxUint8:
		err = d.io.WriteDigital(d.emitterPin, true)
	case 0:
		err = d.io.WriteDigital(d.emitterPin, false)
	default:
		err = d.io.WritePWM(d.emitterPin, value)
	}
	if err != nil {
		return fmt.Errorf("beam %d: write emitter pin %d: %w", d.index, d.emitterPin, err)
	}
	return nil
}

// EmitterPWM returns the emitter duty cycle, or 0 when no emitter pin is
// assigned.
func (d *Photodetector) EmitterPWM() uint8 {
	if !d.hasEmitterPin {
		return 0
	}
	return d.emitterPWM
}

// Reset clears the history and threshold and re-enables auto-thresholding.
// State and tuning (sensitivity, min range, timeout) are kept.
func (d *Photodetector) Reset() {
	d.history = History{Min: math.MaxUint16, Max: 0}
	d.threshold = 0
	d.autoThresh = true
}

// Close releases the registry bit and the filter state.
func (d *Photodetector) Close() {
	d.slot.Release()
	if r, ok := d.filter.(interface{ Reset() }); ok {
		r.Reset()
	}
}

func (d *Photodetector) IsBlocked() bool    { return d.isBlocked }
func (d *Photodetector) Ready() bool        { return d.ready }
func (d *Photodetector) Reading() uint16    { return d.reading }
func (d *Photodetector) RawReading() uint16 { return d.readingRaw }
func (d *Photodetector) ReadTime() uint32   { return d.readTime }
func (d *Photodetector) History() History   { return d.history }
func (d *Photodetector) Index() uint8       { return d.index }
func (d *Photodetector) Name() string       { return d.name }
func (d *Photodetector) Pin() Pin           { return d.pin }

// Snapshot returns a copy of the detector's observable state.
func (d *Photodetector) Snapshot() BeamSnapshot {
	return BeamSnapshot{
		Index:         d.index,
		Name:          d.name,
		State:         stateOf(d.isBlocked),
		Ready:         d.ready,
		Reading:       d.reading,
		RawReading:    d.readingRaw,
		ReadTime:      d.readTime,
		Threshold:     d.threshold,
		AutoThreshold: d.autoThresh,
		Sensitivity:   d.sensitivity,
		History:       d.history,
		MinRange:      d.minRange,
		ResetTimeout:  d.resetTimeout,
		LowpassCutoff: d.lowpassCutoff,
		EmitterPWM:    d.EmitterPWM(),
	}
}
