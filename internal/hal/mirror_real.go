//go:build linux

package hal

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Mirror drives one GPIO output line per beam from the registry mask, so
// downstream hardware can watch beam state without polling MQTT.
type Mirror struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
	w     *maskWriter
}

// NewMirror requests the given line offsets on chipName as outputs, keyed
// by beam index. Every line starts low.
func NewMirror(chipName string, offsets map[uint8]int) (*Mirror, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	m := &Mirror{chip: chip}
	setters := make(map[uint8]lineSetter, len(offsets))
	for idx, offset := range offsets {
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("request line %d for beam %d: %w", offset, idx, err)
		}
		m.lines = append(m.lines, line)
		setters[idx] = line
	}
	m.w = newMaskWriter(setters)
	return m, nil
}

// Apply writes every line whose beam bit changed since the last call.
func (m *Mirror) Apply(mask uint32) error {
	return m.w.apply(mask)
}

// Close releases GPIO resources.
// Lines go back to input with pull-down before release so nothing is left
// driven after shutdown.
func (m *Mirror) Close() error {
	var errs []error
	for _, line := range m.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure line: %w", err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	if m.chip != nil {
		if err := m.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
