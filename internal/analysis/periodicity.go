package analysis

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Messages for degenerate input
const (
	MsgInsufficientData = "insufficient data: at least 2 samples are required"
	MsgZeroInterval     = "cannot determine the sampling rate: zero sampling interval"
	MsgNoFrequencies    = "no positive frequency components"
	MsgNoSeries         = "no samples recorded"
)

// Component is one term of the truncated cosine series
// amplitude * cos(2*pi*frequency*t + phase)
type Component struct {
	Amplitude float64 `json:"amplitude"`
	Frequency float64 `json:"frequency_hz"`
	Phase     float64 `json:"phase_rad"`
}

// Result is the outcome of a periodicity analysis. When OK is false the
// Message explains why no spectrum was computed.
type Result struct {
	OK             bool        `json:"ok"`
	Message        string      `json:"message,omitempty"`
	Range          Range       `json:"range"`
	Samples        int         `json:"samples"`
	SampleInterval float64     `json:"sample_interval_s,omitempty"`
	DominantFreq   float64     `json:"dominant_frequency_hz,omitempty"`
	DominantPeriod float64     `json:"dominant_period_s,omitempty"`
	Components     []Component `json:"components,omitempty"`
}

// Text renders the result for display
func (r Result) Text() string {
	if !r.OK {
		return r.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "oscillation period: %.4f s\n", r.DominantPeriod)
	fmt.Fprintf(&b, "\nFourier series (top %d terms):\n", len(r.Components))
	for _, c := range r.Components {
		fmt.Fprintf(&b, "  %.3f * cos(2π * %.3ft + %.3f)\n", c.Amplitude, c.Frequency, c.Phase)
	}
	return b.String()
}

// Periodicity finds the dominant oscillation of y over x and its strongest
// frequency components. x must be strictly increasing and sampled roughly
// uniformly. Degenerate input yields a result with OK false, never an error.
func Periodicity(xs, ys []float64, components int) Result {
	n := len(ys)
	if len(xs) < 2 || n < 2 || len(xs) != n {
		return Result{Samples: n, Message: MsgInsufficientData}
	}

	dt := (xs[n-1] - xs[0]) / float64(n-1)
	if dt == 0 || math.IsNaN(dt) {
		return Result{Samples: n, Message: MsgZeroInterval}
	}

	var mean float64
	for _, y := range ys {
		mean += y
	}
	mean /= float64(n)
	centered := make([]float64, n)
	for i, y := range ys {
		centered[i] = y - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centered)

	// Strictly positive frequencies are bins 1..(n-1)/2; for even n the
	// Nyquist bin belongs to the negative half.
	positive := (n - 1) / 2
	if positive < 1 {
		return Result{Samples: n, SampleInterval: dt, Message: MsgNoFrequencies}
	}

	type bin struct {
		k   int
		mag float64
	}
	bins := make([]bin, 0, positive)
	for k := 1; k <= positive; k++ {
		bins = append(bins, bin{k: k, mag: cmplx.Abs(coeffs[k])})
	}
	sort.SliceStable(bins, func(i, j int) bool { return bins[i].mag > bins[j].mag })

	if components <= 0 {
		components = 5
	}
	if components > len(bins) {
		components = len(bins)
	}

	freq := func(k int) float64 { return fft.Freq(k) / dt }

	res := Result{
		OK:             true,
		Samples:        n,
		SampleInterval: dt,
		DominantFreq:   freq(bins[0].k),
		Components:     make([]Component, 0, components),
	}
	res.DominantPeriod = 1 / res.DominantFreq

	for _, b := range bins[:components] {
		res.Components = append(res.Components, Component{
			Amplitude: 2 * b.mag / float64(n),
			Frequency: freq(b.k),
			Phase:     cmplx.Phase(coeffs[b.k]),
		})
	}
	return res
}

// Reconstruct evaluates the truncated cosine series t seconds after the
// first analysed sample. The mean removed before the transform is not included.
func (r Result) Reconstruct(t float64) float64 {
	var v float64
	for _, c := range r.Components {
		v += c.Amplitude * math.Cos(2*math.Pi*c.Frequency*t+c.Phase)
	}
	return v
}
