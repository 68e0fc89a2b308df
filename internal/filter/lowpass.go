// Package filter provides the signal smoothing applied to raw ADC samples.
package filter

import "math"

const (
	// DefaultMaxCutoff is the highest cutoff frequency a LowPass accepts, in Hz.
	DefaultMaxCutoff = 1000.0

	// cutoffSteps is the number of cutoff increments per Hz.
	cutoffSteps = 100
)

// LowPass is a first-order RC low-pass filter driven by sample timestamps,
// so it stays correct when the polling cadence is irregular.
type LowPass struct {
	cutoff    float64
	maxCutoff float64
	rc        float64 // time constant, seconds

	y      float64
	lastTS uint32
	primed bool
}

// NewLowPass creates a disabled filter (cutoff 0).
func NewLowPass() *LowPass {
	return &LowPass{maxCutoff: DefaultMaxCutoff}
}

// NewLowPassMax creates a disabled filter that clamps cutoffs to maxHz.
func NewLowPassMax(maxHz float64) *LowPass {
	if maxHz <= 0 || math.IsNaN(maxHz) {
		maxHz = DefaultMaxCutoff
	}
	return &LowPass{maxCutoff: maxHz}
}

// SetCutoff sets the cutoff frequency and returns the value in effect.
// Zero, negative and NaN disable the filter. Positive values are clamped to
// the maximum and quantized to 0.01 Hz. The next sample re-seeds the output.
func (f *LowPass) SetCutoff(hz float64) float64 {
	f.primed = false
	if hz <= 0 || math.IsNaN(hz) {
		f.cutoff = 0
		f.rc = 0
		return 0
	}
	if hz > f.maxCutoff {
		hz = f.maxCutoff
	}
	hz = math.Round(hz*cutoffSteps) / cutoffSteps
	if hz == 0 {
		hz = 1.0 / cutoffSteps
	}
	f.cutoff = hz
	f.rc = 1 / (2 * math.Pi * hz)
	return f.cutoff
}

// Cutoff returns the configured cutoff frequency, 0 when disabled.
func (f *LowPass) Cutoff() float64 {
	return f.cutoff
}

// Apply filters one sample taken at timestamp microseconds. Disabled filters
// pass samples through unchanged.
func (f *LowPass) Apply(x float64, timestamp uint32) float64 {
	if f.cutoff == 0 {
		return x
	}
	if !f.primed {
		f.y = x
		f.lastTS = timestamp
		f.primed = true
		return f.y
	}

	// Unsigned subtraction handles the 71-minute microsecond wrap.
	dt := float64(timestamp-f.lastTS) / 1e6
	f.lastTS = timestamp
	if dt == 0 {
		return f.y
	}

	alpha := dt / (f.rc + dt)
	f.y += alpha * (x - f.y)
	return f.y
}

// Reset discards filter state; the next sample seeds the output.
func (f *LowPass) Reset() {
	f.y = 0
	f.lastTS = 0
	f.primed = false
}
