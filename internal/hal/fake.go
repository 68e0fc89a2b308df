package hal

import (
	"fmt"
	"sync"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// PinWrite records one digital or PWM write.
type PinWrite struct {
	Pin   logic.Pin
	Value int
}

// FakeIO is a test double that returns scripted ADC samples and records
// every output the detectors drive.
type FakeIO struct {
	mu sync.Mutex

	// samples holds the scripted readings per pin. Each ReadAnalog consumes
	// the next sample; the last one repeats once exhausted.
	samples map[logic.Pin][]uint16
	index   map[logic.Pin]int

	ms, us uint32

	// StepMillis advances the clock on every ReadAnalog call.
	StepMillis uint32

	Inputs        []logic.Pin
	Outputs       []logic.Pin
	DigitalWrites []PinWrite
	PWMWrites     []PinWrite

	// ReadError, if set, is returned by ReadAnalog.
	ReadError error
	// WriteError, if set, is returned by every configure and write call.
	WriteError error

	Closed bool
}

// NewFakeIO creates a FakeIO with no scripted pins and the clock at zero.
func NewFakeIO() *FakeIO {
	return &FakeIO{
		samples: make(map[logic.Pin][]uint16),
		index:   make(map[logic.Pin]int),
	}
}

// Script replaces the scripted samples for pin.
func (f *FakeIO) Script(pin logic.Pin, samples ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[pin] = append([]uint16(nil), samples...)
	f.index[pin] = 0
}

// SetClock sets the millisecond clock. The microsecond clock follows.
func (f *FakeIO) SetClock(ms uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ms = ms
	f.us = ms * 1000
}

// Advance moves both clocks forward by ms milliseconds.
func (f *FakeIO) Advance(ms uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advance(ms)
}

func (f *FakeIO) advance(ms uint32) {
	f.ms += ms
	f.us += ms * 1000
}

func (f *FakeIO) ConfigureInput(pin logic.Pin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Inputs = append(f.Inputs, pin)
	return nil
}

func (f *FakeIO) ConfigureOutput(pin logic.Pin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Outputs = append(f.Outputs, pin)
	return nil
}

// ReadAnalog returns the next scripted sample for pin.
func (f *FakeIO) ReadAnalog(pin logic.Pin) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return 0, f.ReadError
	}

	s := f.samples[pin]
	if len(s) == 0 {
		return 0, fmt.Errorf("no samples configured for pin %d", pin)
	}

	i := f.index[pin]
	v := s[i]
	if i < len(s)-1 {
		f.index[pin] = i + 1
	}
	f.advance(f.StepMillis)
	return v, nil
}

func (f *FakeIO) WriteDigital(pin logic.Pin, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	v := 0
	if high {
		v = 1
	}
	f.DigitalWrites = append(f.DigitalWrites, PinWrite{Pin: pin, Value: v})
	return nil
}

func (f *FakeIO) WritePWM(pin logic.Pin, value uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.PWMWrites = append(f.PWMWrites, PinWrite{Pin: pin, Value: int(value)})
	return nil
}

func (f *FakeIO) Millis() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ms
}

func (f *FakeIO) Micros() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.us
}

// Close marks the fake as closed.
func (f *FakeIO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Rewind restarts every pin's script from its first sample.
func (f *FakeIO) Rewind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pin := range f.index {
		f.index[pin] = 0
	}
	f.Closed = false
}
