// Package analysis turns frames into a brightness time series over a region
// of interest and finds the oscillation period of that series.
//
// The Engine is a single-goroutine actor: frames and source lifecycle events
// are processed strictly in arrival order.
package analysis

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/rheed/internal/types"
)

const (
	defaultWindow     = 5.0
	defaultComponents = 5
	defaultInbox      = 8
)

var (
	// ErrNoROI is returned when the region of interest covers no pixels
	ErrNoROI = errors.New("no region of interest")
	// ErrInboxFull is returned when a frame was dropped before analysis
	ErrInboxFull = errors.New("analysis inbox full")
	// ErrStopped is returned after the engine has stopped
	ErrStopped = errors.New("analysis engine stopped")
)

// Config configures the engine
type Config struct {
	// WindowS is the span of the auto-placed analysis range, in seconds
	WindowS float64
	// Components is the number of reported Fourier terms
	Components int
	// InboxFrames bounds the frames waiting for analysis
	InboxFrames int
}

// Stats contains engine counters
type Stats struct {
	Processed uint64    `json:"frames_processed"`
	Dropped   uint64    `json:"frames_dropped"`
	Samples   int       `json:"samples"`
	ROI       types.ROI `json:"roi"`
	ClockOn   bool      `json:"clock_running"`
}

type eventKind int

const (
	evFrame eventKind = iota
	evSourceStarted
	evSourceStopped
	evClear
)

type event struct {
	kind     eventKind
	frame    types.Frame
	sourceID string
	done     chan struct{}
}

// Engine extracts brightness samples and analyses their periodicity
type Engine struct {
	cfg   Config
	inbox chan event
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	roiMu     sync.RWMutex
	roi       types.ROI
	frameSize types.Size

	// mu guards the series and analysis range; the actor holds it while appending
	mu        sync.Mutex
	series    Series
	clock     clock
	activeID  string
	userRange *Range

	obsMu     sync.RWMutex
	observers []func(types.Sample)

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewEngine creates an engine and starts its goroutine
func NewEngine(cfg Config) *Engine {
	if cfg.WindowS <= 0 {
		cfg.WindowS = defaultWindow
	}
	if cfg.Components <= 0 {
		cfg.Components = defaultComponents
	}
	if cfg.InboxFrames <= 0 {
		cfg.InboxFrames = defaultInbox
	}

	e := &Engine{
		cfg:   cfg,
		inbox: make(chan event, cfg.InboxFrames),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// ID implements the frame-bus sink contract
func (e *Engine) ID() string { return "analysis" }

// SendFrame queues a frame for analysis without blocking
func (e *Engine) SendFrame(f types.Frame) error {
	select {
	case <-e.quit:
		return ErrStopped
	default:
	}

	select {
	case e.inbox <- event{kind: evFrame, frame: f}:
		return nil
	default:
		e.dropped.Add(1)
		return ErrInboxFull
	}
}

// SourceStarted marks a source as active. The clock starts on its first frame.
func (e *Engine) SourceStarted(sourceID string) {
	e.post(event{kind: evSourceStarted, sourceID: sourceID})
}

// SourceStopped invalidates the clock. Frames still queued from the source
// are discarded.
func (e *Engine) SourceStopped(sourceID string) {
	e.post(event{kind: evSourceStopped, sourceID: sourceID})
}

// Clear empties the series and restarts the clock if a source is active,
// otherwise invalidates it. It returns once the actor has applied it.
func (e *Engine) Clear() {
	ev := event{kind: evClear, done: make(chan struct{})}
	if !e.post(ev) {
		return
	}
	select {
	case <-ev.done:
	case <-e.done:
	}
}

// post delivers a control event, waiting for inbox space
func (e *Engine) post(ev event) bool {
	select {
	case e.inbox <- ev:
		return true
	case <-e.quit:
		return false
	}
}

// SetROI sets the region of interest. The rectangle is clamped to the size of
// the last analysed frame; a rectangle covering no pixels clears the ROI and
// returns ErrNoROI.
func (e *Engine) SetROI(roi types.ROI) (types.ROI, error) {
	e.roiMu.Lock()
	defer e.roiMu.Unlock()

	if e.frameSize.Width > 0 {
		roi = roi.Clamp(e.frameSize.Width, e.frameSize.Height)
	}
	if roi.Empty() {
		e.roi = types.ROI{}
		return types.ROI{}, ErrNoROI
	}
	e.roi = roi
	slog.Info("analysis roi set", "roi", roi.String())
	return roi, nil
}

// ClearROI disables brightness extraction
func (e *Engine) ClearROI() {
	e.roiMu.Lock()
	e.roi = types.ROI{}
	e.roiMu.Unlock()
}

// ROI returns the region of interest
func (e *Engine) ROI() types.ROI {
	e.roiMu.RLock()
	defer e.roiMu.RUnlock()
	return e.roi
}

// Subscribe registers an observer for new samples. Observers run on the
// engine goroutine and must not block.
func (e *Engine) Subscribe(fn func(types.Sample)) {
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// Series returns a copy of the recorded samples
func (e *Engine) Series() []types.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.series.Snapshot()
}

// Analyze runs the periodicity analysis. With an explicit range the range is
// kept for later calls; otherwise the last explicit range is reused, or the
// range is auto-placed over the recent samples.
func (e *Engine) Analyze(explicit *Range) Result {
	e.mu.Lock()
	if explicit != nil {
		r := *explicit
		if r.T1 < r.T0 {
			r.T0, r.T1 = r.T1, r.T0
		}
		e.userRange = &r
	}

	var rng Range
	switch {
	case e.userRange != nil:
		rng = *e.userRange
	default:
		auto, ok := AutoRange(&e.series, e.cfg.WindowS)
		if !ok {
			e.mu.Unlock()
			return Result{Message: MsgNoSeries}
		}
		rng = auto
	}
	xs, ys := e.series.Window(rng.T0, rng.T1)
	e.mu.Unlock()

	res := Periodicity(xs, ys, e.cfg.Components)
	res.Range = rng

	slog.Info("periodicity analysis",
		"t0", rng.T0,
		"t1", rng.T1,
		"samples", res.Samples,
		"ok", res.OK,
		"period_s", res.DominantPeriod,
	)
	return res
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	samples, clockOn := e.series.Len(), e.clock.valid
	e.mu.Unlock()

	return Stats{
		Processed: e.processed.Load(),
		Dropped:   e.dropped.Load(),
		Samples:   samples,
		ROI:       e.ROI(),
		ClockOn:   clockOn,
	}
}

// Stop ends the engine goroutine
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.quit) })
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case ev := <-e.inbox:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evFrame:
		e.processFrame(ev.frame)

	case evSourceStarted:
		e.mu.Lock()
		e.activeID = ev.sourceID
		e.clock.invalidate()
		e.mu.Unlock()

	case evSourceStopped:
		e.mu.Lock()
		if e.activeID == ev.sourceID {
			e.activeID = ""
			e.clock.invalidate()
		}
		e.mu.Unlock()

	case evClear:
		e.mu.Lock()
		e.series.Clear()
		e.userRange = nil
		if e.activeID != "" {
			e.clock.startAt(time.Now(), 0)
		} else {
			e.clock.invalidate()
		}
		e.mu.Unlock()
		slog.Info("analysis series cleared")
		close(ev.done)
	}
}

func (e *Engine) processFrame(f types.Frame) {
	e.roiMu.Lock()
	e.frameSize = f.Size()
	roi := e.roi
	e.roiMu.Unlock()

	captured := f.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}

	e.mu.Lock()
	if e.activeID == "" || f.SourceID != e.activeID {
		e.mu.Unlock()
		return
	}
	if !e.clock.valid {
		var offset float64
		if last, ok := e.series.Last(); ok {
			offset = last.T + resumeGap
		}
		e.clock.startAt(captured, offset)
	}
	t := e.clock.elapsed(captured)
	e.mu.Unlock()

	e.processed.Add(1)
	if roi.Empty() {
		return
	}

	y, ok := Brightness(f, roi)
	if !ok {
		return
	}

	sample := types.Sample{T: t, Brightness: y, Seq: f.Seq}
	e.mu.Lock()
	appended := e.series.Append(sample)
	e.mu.Unlock()
	if !appended {
		slog.Debug("analysis sample out of order, skipped",
			"frame_seq", f.Seq,
			"t", t,
		)
		return
	}

	e.obsMu.RLock()
	observers := e.observers
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(sample)
	}
}

