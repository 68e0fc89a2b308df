package hal

import (
	"errors"
	"fmt"
	"sort"
)

// lineSetter is the part of a GPIO output line the mirror drives.
type lineSetter interface {
	SetValue(value int) error
}

// maskWriter copies registry bits onto output lines, writing a line only when
// its bit changed since the last successful Apply.
type maskWriter struct {
	lines  map[uint8]lineSetter
	order  []uint8
	last   uint32
	primed bool
}

func newMaskWriter(lines map[uint8]lineSetter) *maskWriter {
	order := make([]uint8, 0, len(lines))
	for idx := range lines {
		order = append(order, idx)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return &maskWriter{lines: lines, order: order}
}

func (w *maskWriter) apply(mask uint32) error {
	var errs []error
	failed := uint32(0)
	for _, idx := range w.order {
		bit := uint32(1) << idx
		if w.primed && (w.last^mask)&bit == 0 {
			continue
		}
		v := 0
		if mask&bit != 0 {
			v = 1
		}
		if err := w.lines[idx].SetValue(v); err != nil {
			errs = append(errs, fmt.Errorf("set line for beam %d: %w", idx, err))
			failed |= bit
		}
	}
	// Failed bits keep their old value so the next Apply retries them.
	w.last = (mask &^ failed) | (w.last & failed)
	if failed == 0 {
		w.primed = true
	}
	return errors.Join(errs...)
}
