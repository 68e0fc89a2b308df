package logic

import "errors"

// testIO is a minimal in-package IO double. The hal package has the
// full-featured FakeIO, but it imports logic.
type testIO struct {
	values map[Pin]uint16
	errs   map[Pin]error
	ms     uint32
	us     uint32

	inputs  []Pin
	outputs []Pin
	digital []pinWrite
	pwm     []pinWrite

	configureErr error
	writeErr     error
}

type pinWrite struct {
	Pin   Pin
	Value int
}

func newTestIO() *testIO {
	return &testIO{values: map[Pin]uint16{}, errs: map[Pin]error{}}
}

func (f *testIO) ConfigureInput(pin Pin) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	f.inputs = append(f.inputs, pin)
	return nil
}

func (f *testIO) ConfigureOutput(pin Pin) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	f.outputs = append(f.outputs, pin)
	return nil
}

func (f *testIO) ReadAnalog(pin Pin) (uint16, error) {
	if err := f.errs[pin]; err != nil {
		return 0, err
	}
	return f.values[pin], nil
}

func (f *testIO) WriteDigital(pin Pin, high bool) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	v := 0
	if high {
		v = 1
	}
	f.digital = append(f.digital, pinWrite{pin, v})
	return nil
}

func (f *testIO) WritePWM(pin Pin, value uint8) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.pwm = append(f.pwm, pinWrite{pin, int(value)})
	return nil
}

func (f *testIO) Millis() uint32 { return f.ms }
func (f *testIO) Micros() uint32 { return f.us }

// advance moves both clocks forward by ms milliseconds.
func (f *testIO) advance(ms uint32) {
	f.ms += ms
	f.us += ms * 1000
}

var errADC = errors.New("adc fault")

// stubFilter returns a fixed output and reports a fixed cutoff.
type stubFilter struct {
	out      float64
	cutoff   float64
	requests []float64
	applied  int
}

func (s *stubFilter) Apply(raw float64, timestamp uint32) float64 {
	s.applied++
	return s.out
}

func (s *stubFilter) SetCutoff(hz float64) float64 {
	s.requests = append(s.requests, hz)
	if hz <= 0 {
		return 0
	}
	return s.cutoff
}
