package analysis

import (
	"time"

	"github.com/care/rheed/internal/types"
)

// Series is an append-only brightness time series with strictly increasing t.
// It is not safe for concurrent use.
type Series struct {
	samples []types.Sample
}

// Append adds a sample. Samples that would not strictly increase t, or that
// have a negative t, are rejected.
func (s *Series) Append(sample types.Sample) bool {
	if sample.T < 0 {
		return false
	}
	if n := len(s.samples); n > 0 && sample.T <= s.samples[n-1].T {
		return false
	}
	s.samples = append(s.samples, sample)
	return true
}

// Len returns the number of samples
func (s *Series) Len() int { return len(s.samples) }

// Clear removes every sample
func (s *Series) Clear() { s.samples = s.samples[:0] }

// Snapshot returns a copy of the samples
func (s *Series) Snapshot() []types.Sample {
	return append([]types.Sample(nil), s.samples...)
}

// Last returns the most recent sample
func (s *Series) Last() (types.Sample, bool) {
	if len(s.samples) == 0 {
		return types.Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Window returns the t and y values of every sample with t0 <= t <= t1
func (s *Series) Window(t0, t1 float64) (xs, ys []float64) {
	for _, p := range s.samples {
		if p.T >= t0 && p.T <= t1 {
			xs = append(xs, p.T)
			ys = append(ys, p.Brightness)
		}
	}
	return xs, ys
}

// Range is a closed interval of series time used as analysis input
type Range struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

// AutoRange places the analysis range over a series. The range ends at the
// latest sample and spans the last window seconds, but never reaches back
// into the first third of the elapsed time.
func AutoRange(s *Series, window float64) (Range, bool) {
	if len(s.samples) == 0 {
		return Range{}, false
	}
	first := s.samples[0].T
	last := s.samples[len(s.samples)-1].T
	start := max(first+(last-first)/3, last-window)
	return Range{T0: start, T1: last}, true
}

// resumeGap separates samples of a new source session from the samples
// already in the series
const resumeGap = 1e-3

// clock measures series time from the first frame of an active source.
// A clock restarted over a non-empty series continues after its last sample.
type clock struct {
	start  time.Time
	offset float64
	valid  bool
}

func (c *clock) startAt(t time.Time, offset float64) {
	c.start = t
	c.offset = offset
	c.valid = true
}

func (c *clock) invalidate() {
	c.valid = false
}

// elapsed returns seconds since the clock started
func (c *clock) elapsed(t time.Time) float64 {
	return c.offset + t.Sub(c.start).Seconds()
}
