// Package calib summarizes raw detector readings so a sensible min_range can
// be chosen for each beam before it is put into service.
package calib

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sweeney/photobeam-sensor/internal/logic"
)

// noiseSigmas is how many standard deviations of idle noise the suggested
// range gate must exceed.
const noiseSigmas = 6

// Stats describes a run of raw ADC samples.
type Stats struct {
	N      int
	Min    uint16
	Max    uint16
	Mean   float64
	StdDev float64
	P05    float64
	P95    float64
}

// PeakToPeak returns Max-Min.
func (s Stats) PeakToPeak() uint16 {
	return s.Max - s.Min
}

func (s Stats) String() string {
	return fmt.Sprintf("n=%d min=%d max=%d mean=%.1f sd=%.2f p05=%.0f p95=%.0f",
		s.N, s.Min, s.Max, s.Mean, s.StdDev, s.P05, s.P95)
}

// Summarize computes Stats for samples. An empty input yields zero Stats.
func Summarize(samples []uint16) Stats {
	if len(samples) == 0 {
		return Stats{}
	}

	x := make([]float64, len(samples))
	for i, v := range samples {
		x[i] = float64(v)
	}
	slices.Sort(x)

	mean, sd := stat.MeanStdDev(x, nil)
	if len(x) < 2 {
		sd = 0
	}
	return Stats{
		N:      len(x),
		Min:    uint16(x[0]),
		Max:    uint16(x[len(x)-1]),
		Mean:   mean,
		StdDev: sd,
		P05:    stat.Quantile(0.05, stat.Empirical, x, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, x, nil),
	}
}

// SuggestMinRange returns a range gate that idle noise alone should never
// open: the larger of 6 standard deviations and one tick above the observed
// peak-to-peak spread, and at least 1.
func SuggestMinRange(s Stats) uint16 {
	v := math.Ceil(noiseSigmas * s.StdDev)
	if p2p := float64(s.PeakToPeak()) + 1; v < p2p {
		v = p2p
	}
	switch {
	case math.IsNaN(v) || v < 1:
		return 1
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// Reader is the analog input calibration samples come from.
type Reader interface {
	ReadAnalog(pin logic.Pin) (uint16, error)
}

// Collect reads every pin once per tick until each has n samples. It stops
// early when ctx is done, returning what it has along with ctx.Err().
func Collect(ctx context.Context, r Reader, pins []logic.Pin, n int, tick <-chan time.Time) (map[logic.Pin][]uint16, error) {
	out := make(map[logic.Pin][]uint16, len(pins))
	for _, p := range pins {
		out[p] = make([]uint16, 0, n)
	}

	for round := 0; round < n; round++ {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-tick:
		}
		for _, p := range pins {
			v, err := r.ReadAnalog(p)
			if err != nil {
				return out, fmt.Errorf("read pin %d: %w", p, err)
			}
			out[p] = append(out[p], v)
		}
	}
	return out, nil
}
