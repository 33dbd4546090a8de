// Package source implements the frame sources of the monitor: a camera bound
// to one device index and a recorded video file. Both variants share one
// acquisition state machine:
//
//	Idle -> Bound -> Acquiring -> Stopping -> Idle
//
// with Error reachable from Bound and Acquiring. A source exclusively owns
// its device or file handle while Bound or Acquiring and always releases it
// on the way back to Idle.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/rheed/internal/decode"
	"github.com/care/rheed/internal/types"
	"github.com/google/uuid"
)

const (
	defaultFetchTimeout = 500 * time.Millisecond
	defaultJoinTimeout  = 3 * time.Second
	pausePoll           = 20 * time.Millisecond
)

// State is the lifecycle state of a source
type State int32

const (
	StateIdle State = iota
	StateBound
	StateAcquiring
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateAcquiring:
		return "acquiring"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Kind distinguishes camera and file sources
type Kind string

const (
	KindCamera Kind = "camera"
	KindFile   Kind = "file"
)

// Options configures a source
type Options struct {
	// ID names the source session; generated when empty
	ID string
	// FPS is the pacing target for camera sources. File sources pace to the
	// container's native rate.
	FPS float64
	// FetchTimeout bounds each fetch so the loop can observe a stop request
	FetchTimeout time.Duration
	// JoinTimeout bounds how long Stop waits for the loop to exit
	JoinTimeout time.Duration

	// Output receives every produced frame, in order, on the loop goroutine
	Output func(types.Frame)
	// OnError is called when acquisition halts on an error
	OnError func(error)
	// OnState is called after every state change
	OnState func(State)
}

// reader is the variant-specific half of a source
type reader interface {
	open() error
	start() error
	fetch(timeout time.Duration) (types.Frame, error)
	stop() error
	release() error
	// nativeFPS is the pacing rate imposed by the medium, or 0 to use Options.FPS
	nativeFPS() float64
	describe() string
}

// Source runs one acquisition session
type Source struct {
	kind Kind
	id   string
	r    reader
	opts Options

	// mu serialises lifecycle transitions requested by callers
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	running atomic.Bool
	paused  atomic.Bool
	eof     atomic.Bool
	fpsBits atomic.Uint64

	frames      atomic.Uint64
	timeouts    atomic.Uint64
	decodeFails atomic.Uint64
	meter       *rateMeter

	lastMu     sync.RWMutex
	lastSize   types.Size
	lastFormat types.PixelFormat
	lastErr    error
}

func newSource(kind Kind, r reader, opts Options) *Source {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.Output == nil {
		opts.Output = func(types.Frame) {}
	}

	s := &Source{
		kind:  kind,
		id:    opts.ID,
		r:     r,
		opts:  opts,
		meter: newRateMeter(),
	}
	s.fpsBits.Store(math.Float64bits(opts.FPS))
	return s
}

// NewCamera creates a camera source for a device index. The device is not
// touched until Bind.
func NewCamera(driver CameraDriver, index int, opts Options) *Source {
	return newSource(KindCamera, &cameraReader{driver: driver, index: index}, opts)
}

// NewFile creates a file source for a video container path
func NewFile(opener VideoOpener, path string, opts Options) *Source {
	return newSource(KindFile, &fileReader{opener: opener, path: path}, opts)
}

// ID returns the source session identifier
func (s *Source) ID() string { return s.id }

// Kind returns the source variant
func (s *Source) Kind() Kind { return s.kind }

// State returns the current lifecycle state
func (s *Source) State() State { return State(s.state.Load()) }

// Err returns the error that moved the source to Error, if any
func (s *Source) Err() error {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastErr
}

func (s *Source) setState(st State) {
	s.state.Store(int32(st))
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

func (s *Source) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if s.opts.OnState != nil {
		s.opts.OnState(to)
	}
	return true
}

// Bind acquires the exclusive device or file handle. On failure the source
// stays Idle and nothing is retained.
func (s *Source) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateIdle, StateError:
	default:
		return fmt.Errorf("bind %s source in state %s: %w", s.kind, st, ErrInvalidState)
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return fmt.Errorf("bind %s: acquisition loop still running: %w", s.r.describe(), ErrBusy)
		}
	}

	if err := s.r.open(); err != nil {
		s.state.Store(int32(StateIdle))
		return fmt.Errorf("bind %s: %w", s.r.describe(), err)
	}

	s.lastMu.Lock()
	s.lastErr = nil
	s.lastMu.Unlock()
	s.eof.Store(false)
	s.setState(StateBound)

	slog.Info("source bound",
		"source_id", s.id,
		"kind", s.kind,
		"target", s.r.describe(),
	)
	return nil
}

// Start begins acquisition on a dedicated goroutine
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateBound {
		return fmt.Errorf("start %s source in state %s: %w", s.kind, st, ErrInvalidState)
	}

	if err := s.r.start(); err != nil {
		s.releaseHandle()
		s.setState(StateIdle)
		return fmt.Errorf("start %s: %w", s.r.describe(), err)
	}

	if fps := s.r.nativeFPS(); fps > 0 {
		s.fpsBits.Store(math.Float64bits(fps))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.frames.Store(0)
	s.meter.reset()
	s.paused.Store(false)
	s.running.Store(true)
	s.setState(StateAcquiring)

	slog.Info("source acquiring",
		"source_id", s.id,
		"kind", s.kind,
		"fps_target", s.TargetFPS(),
	)

	go s.loop(loopCtx, s.done)
	return nil
}

// Stop requests the acquisition loop to exit, waits for it with a bounded
// timeout and leaves the source Idle. A loop that does not exit in time
// leaves the source in Error with ErrJoinTimeout; calling Stop again waits
// for the loop once more.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateIdle:
		return nil
	case StateBound:
		s.releaseHandle()
		s.setState(StateIdle)
		return nil
	}

	s.transition(StateAcquiring, StateStopping)
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}

	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(s.opts.JoinTimeout):
			// The loop may still hold the device; Error keeps it from being
			// treated as released until a later Stop observes the exit.
			err := fmt.Errorf("source %s: %w after %s", s.id, ErrJoinTimeout, s.opts.JoinTimeout)
			s.lastMu.Lock()
			s.lastErr = err
			s.lastMu.Unlock()
			slog.Warn("source stop timeout, acquisition loop abandoned",
				"source_id", s.id,
				"kind", s.kind,
				"timeout", s.opts.JoinTimeout,
			)
			s.setState(StateError)
			return err
		}
	}

	s.setState(StateIdle)
	stats := s.meter.stats()
	slog.Info("source stopped",
		"source_id", s.id,
		"kind", s.kind,
		"frames", s.frames.Load(),
		"timeouts", s.timeouts.Load(),
		"fps_mean", stats.FPSMean,
		"pacing_stable", stats.Stable,
	)
	return nil
}

// Pause suspends frame delivery without releasing the handle
func (s *Source) Pause() error {
	if s.State() != StateAcquiring {
		return fmt.Errorf("pause %s source in state %s: %w", s.kind, s.State(), ErrInvalidState)
	}
	s.paused.Store(true)
	return nil
}

// Resume continues frame delivery after Pause
func (s *Source) Resume() error {
	if s.State() != StateAcquiring {
		return fmt.Errorf("resume %s source in state %s: %w", s.kind, s.State(), ErrInvalidState)
	}
	s.paused.Store(false)
	return nil
}

// Paused reports whether delivery is suspended
func (s *Source) Paused() bool { return s.paused.Load() }

// SetFPS changes the pacing target. It takes effect on the next frame.
func (s *Source) SetFPS(fps float64) error {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return fmt.Errorf("invalid fps %v", fps)
	}
	s.fpsBits.Store(math.Float64bits(fps))
	return nil
}

// TargetFPS returns the pacing target
func (s *Source) TargetFPS() float64 {
	return math.Float64frombits(s.fpsBits.Load())
}

// Rate returns delivered frame-rate statistics over the recent window
func (s *Source) Rate() RateStats {
	return s.meter.stats()
}

// Stats returns a snapshot of the source statistics
func (s *Source) Stats() types.StreamStats {
	s.lastMu.RLock()
	size, format := s.lastSize, s.lastFormat
	s.lastMu.RUnlock()

	var resolution string
	if size.Width > 0 {
		resolution = fmt.Sprintf("%dx%d", size.Width, size.Height)
	}

	return types.StreamStats{
		SourceID:    s.id,
		Kind:        string(s.kind),
		State:       s.State().String(),
		FrameCount:  s.frames.Load(),
		FPSTarget:   s.TargetFPS(),
		FPSReal:     s.meter.stats().FPSMean,
		Timeouts:    s.timeouts.Load(),
		DecodeFails: s.decodeFails.Load(),
		Resolution:  resolution,
		Format:      format,
	}
}

func (s *Source) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.finish()

	start := time.Now()

	for s.running.Load() {
		if ctx.Err() != nil {
			return
		}

		if s.paused.Load() {
			if !s.sleep(ctx, pausePoll) {
				return
			}
			continue
		}

		loopStart := time.Now()

		frame, err := s.r.fetch(s.opts.FetchTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrFetchTimeout):
			s.timeouts.Add(1)
			continue
		case errors.Is(err, io.EOF):
			s.eof.Store(true)
			slog.Info("source reached end of stream",
				"source_id", s.id,
				"frames", s.frames.Load(),
			)
			return
		default:
			if errors.Is(err, decode.ErrUnsupportedFormat) {
				s.decodeFails.Add(1)
			}
			s.fail(err)
			return
		}

		now := time.Now()
		frame.Seq = s.frames.Add(1)
		frame.Elapsed = now.Sub(start)
		frame.CapturedAt = now
		frame.SourceID = s.id
		frame.TraceID = uuid.NewString()
		s.meter.mark(now)

		s.lastMu.Lock()
		s.lastSize = frame.Size()
		s.lastFormat = frame.Format
		s.lastMu.Unlock()

		s.opts.Output(frame)

		if fps := s.TargetFPS(); fps > 0 {
			interval := time.Duration(float64(time.Second) / fps)
			if remaining := interval - time.Since(loopStart); remaining > 0 {
				if !s.sleep(ctx, remaining) {
					return
				}
			}
		}
	}
}

// sleep waits for d or until the loop is cancelled. It reports whether the
// loop should continue.
func (s *Source) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return s.running.Load()
	case <-ctx.Done():
		return false
	}
}

func (s *Source) fail(err error) {
	s.running.Store(false)

	s.lastMu.Lock()
	s.lastErr = err
	s.lastMu.Unlock()

	slog.Error("source acquisition halted",
		"source_id", s.id,
		"kind", s.kind,
		"error", err,
	)

	s.transition(StateAcquiring, StateError)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// finish runs on every loop exit path
func (s *Source) finish() {
	s.running.Store(false)
	if err := s.r.stop(); err != nil {
		slog.Warn("source stream stop failed", "source_id", s.id, "error", err)
	}
	s.releaseHandle()

	if s.eof.Load() {
		s.transition(StateAcquiring, StateIdle)
	}
}

func (s *Source) releaseHandle() {
	if err := s.r.release(); err != nil {
		slog.Warn("source release failed",
			"source_id", s.id,
			"kind", s.kind,
			"error", err,
		)
	}
}
