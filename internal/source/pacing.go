package source

import (
	"math"
	"sync"
	"time"
)

// rateWindow is the number of recent frame arrivals kept for rate statistics
const rateWindow = 120

// RateStats describes the delivered frame rate over the recent window
type RateStats struct {
	Frames  int
	FPSMean float64
	FPSStd  float64
	FPSMin  float64
	FPSMax  float64
	Stable  bool
}

// rateMeter records frame arrival times in a ring buffer
type rateMeter struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

func newRateMeter() *rateMeter {
	return &rateMeter{times: make([]time.Time, rateWindow)}
}

func (m *rateMeter) mark(t time.Time) {
	m.mu.Lock()
	m.times[m.next] = t
	m.next = (m.next + 1) % len(m.times)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

func (m *rateMeter) reset() {
	m.mu.Lock()
	m.next = 0
	m.full = false
	m.mu.Unlock()
}

// stats computes rate statistics over the recorded window.
// The stream counts as stable when the deviation stays under 15% of the mean.
func (m *rateMeter) stats() RateStats {
	m.mu.Lock()
	var ordered []time.Time
	if m.full {
		ordered = append(ordered, m.times[m.next:]...)
	}
	ordered = append(ordered, m.times[:m.next]...)
	m.mu.Unlock()

	n := len(ordered)
	if n < 2 {
		return RateStats{Frames: n}
	}

	span := ordered[n-1].Sub(ordered[0]).Seconds()
	if span <= 0 {
		return RateStats{Frames: n}
	}
	mean := float64(n-1) / span

	inst := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if dt := ordered[i].Sub(ordered[i-1]).Seconds(); dt > 0 {
			inst = append(inst, 1/dt)
		}
	}
	if len(inst) == 0 {
		return RateStats{Frames: n, FPSMean: mean}
	}

	lo, hi := inst[0], inst[0]
	var sumSquares float64
	for _, f := range inst {
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
		sumSquares += (f - mean) * (f - mean)
	}
	std := math.Sqrt(sumSquares / float64(len(inst)))

	return RateStats{
		Frames:  n,
		FPSMean: mean,
		FPSStd:  std,
		FPSMin:  lo,
		FPSMax:  hi,
		Stable:  std < mean*0.15,
	}
}
