package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/rheed/internal/types"
	"github.com/google/uuid"
)

const (
	defaultCapacity    = 300
	defaultJoinTimeout = 2 * time.Second
	defaultPopTimeout  = time.Second

	// dropWarnEvery throttles queue-full warnings after the first one
	dropWarnEvery = 100
)

var (
	// ErrQueueFull is returned by Submit when the frame was dropped
	ErrQueueFull = errors.New("recording queue full")
	// ErrFrameSize reports a frame whose size differs from the session size
	ErrFrameSize = errors.New("frame size mismatch")
	// ErrNotRecording is returned when no session accepts frames
	ErrNotRecording = errors.New("not recording")
)

// Encoder writes frames into a container. It is used by a single goroutine.
type Encoder interface {
	Write(f types.Frame) error
	Close() error
}

// Opener opens an encoder for a session
type Opener func(path string, fps float64, size types.Size, quality int) (Encoder, error)

// SessionConfig configures a recording session
type SessionConfig struct {
	Path    string
	FPS     float64
	Size    types.Size
	Profile Profile
	// Quality is the JPEG quality factor of the compatibility profile
	Quality int
	// Capacity bounds the number of queued frames
	Capacity int
	// JoinTimeout bounds how long Stop waits for the encoder to finish
	JoinTimeout time.Duration
	// PopTimeout bounds each wait of the encoder on an empty queue
	PopTimeout time.Duration

	Open    Opener
	OnError func(sessionID string, err error)
}

// queueItem carries a frame, or the end-of-session sentinel
type queueItem struct {
	frame    types.Frame
	sentinel bool
}

// SessionStats contains recording statistics
type SessionStats struct {
	ID         string        `json:"id"`
	Path       string        `json:"path"`
	Profile    Profile       `json:"profile"`
	FPS        float64       `json:"fps"`
	Size       types.Size    `json:"size"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	QueueDepth int           `json:"queue_depth"`
	MaxDepth   int           `json:"max_queue_depth"`
	Capacity   int           `json:"queue_capacity"`
	Written    uint64        `json:"frames_written"`
	Dropped    uint64        `json:"frames_dropped"`
	Error      string        `json:"error,omitempty"`
}

// Session records frames to one file on a dedicated encoder goroutine.
// Submit never blocks: when the queue is full the submitted frame is dropped.
type Session struct {
	id        string
	cfg       SessionConfig
	enc       Encoder
	queue     chan queueItem
	done      chan struct{}
	startedAt time.Time

	accepting atomic.Bool
	stopping  atomic.Bool

	stoppedAt atomic.Int64

	written  atomic.Uint64
	dropped  atomic.Uint64
	maxDepth atomic.Int64

	errMu sync.RWMutex
	err   error
}

// Start opens the container and launches the encoder goroutine
func Start(cfg SessionConfig) (*Session, error) {
	if cfg.Path == "" {
		return nil, errors.New("recording path is required")
	}
	if cfg.Size.Width <= 0 || cfg.Size.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Size.Width, cfg.Size.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid recording fps %v", cfg.FPS)
	}
	if cfg.Open == nil {
		return nil, fmt.Errorf("no encoder for profile %s", cfg.Profile)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}

	enc, err := cfg.Open(cfg.Path, cfg.FPS, cfg.Size, cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("open %s encoder: %w", cfg.Profile, err)
	}

	s := &Session{
		id:  uuid.NewString(),
		cfg: cfg,
		enc: enc,
		// One slot beyond capacity is reserved for the sentinel.
		queue:     make(chan queueItem, cfg.Capacity+1),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.accepting.Store(true)

	go s.run()

	slog.Info("recording started",
		"session_id", s.id,
		"path", cfg.Path,
		"profile", cfg.Profile,
		"codec", cfg.Profile.Codec(),
		"fps", cfg.FPS,
		"size", fmt.Sprintf("%dx%d", cfg.Size.Width, cfg.Size.Height),
		"queue_capacity", cfg.Capacity,
	)
	return s, nil
}

// ID returns the frame-bus sink id
func (s *Session) ID() string { return "recorder" }

// SessionID returns the unique identifier of this session
func (s *Session) SessionID() string { return s.id }

// Path returns the output file path
func (s *Session) Path() string { return s.cfg.Path }

// SendFrame implements the frame-bus sink contract
func (s *Session) SendFrame(f types.Frame) error {
	return s.Submit(f)
}

// Submit queues a frame for encoding without blocking. A full queue drops
// the frame and returns ErrQueueFull.
func (s *Session) Submit(f types.Frame) error {
	if !s.accepting.Load() {
		return ErrNotRecording
	}

	if len(s.queue) >= s.cfg.Capacity {
		s.drop(f)
		return ErrQueueFull
	}

	select {
	case s.queue <- queueItem{frame: f}:
	default:
		s.drop(f)
		return ErrQueueFull
	}

	depth := int64(len(s.queue))
	for {
		prev := s.maxDepth.Load()
		if depth <= prev || s.maxDepth.CompareAndSwap(prev, depth) {
			break
		}
	}
	return nil
}

func (s *Session) drop(f types.Frame) {
	n := s.dropped.Add(1)
	if n == 1 || n%dropWarnEvery == 0 {
		slog.Warn("recording queue full, frame dropped",
			"session_id", s.id,
			"frame_seq", f.Seq,
			"trace_id", f.TraceID,
			"dropped_total", n,
			"queue_capacity", s.cfg.Capacity,
		)
	}
}

// Stop pushes the sentinel and waits for the encoder to drain the queue and
// close the container. A join timeout is reported but not fatal: the encoder
// keeps draining in the background.
func (s *Session) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		select {
		case <-s.done:
		case <-time.After(s.cfg.JoinTimeout):
		}
		return nil
	}
	s.accepting.Store(false)

	select {
	case s.queue <- queueItem{sentinel: true}:
	case <-s.done:
	case <-time.After(s.cfg.JoinTimeout):
		slog.Warn("recording sentinel not queued in time", "session_id", s.id)
	}

	select {
	case <-s.done:
	case <-time.After(s.cfg.JoinTimeout):
		slog.Warn("recording encoder did not stop in time, continuing",
			"session_id", s.id,
			"path", s.cfg.Path,
			"queued", len(s.queue),
			"timeout", s.cfg.JoinTimeout,
		)
		return fmt.Errorf("recording %s: encoder join timeout after %s", s.id, s.cfg.JoinTimeout)
	}

	st := s.Stats()
	slog.Info("recording stopped",
		"session_id", s.id,
		"path", s.cfg.Path,
		"frames_written", st.Written,
		"frames_dropped", st.Dropped,
		"max_queue_depth", st.MaxDepth,
		"duration", st.Duration,
	)
	return nil
}

// Done is closed when the encoder goroutine has exited
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session early, if any
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Stats returns a snapshot of the session statistics
func (s *Session) Stats() SessionStats {
	st := SessionStats{
		ID:         s.id,
		Path:       s.cfg.Path,
		Profile:    s.cfg.Profile,
		FPS:        s.cfg.FPS,
		Size:       s.cfg.Size,
		StartedAt:  s.startedAt,
		Duration:   s.duration(),
		QueueDepth: len(s.queue),
		MaxDepth:   int(s.maxDepth.Load()),
		Capacity:   s.cfg.Capacity,
		Written:    s.written.Load(),
		Dropped:    s.dropped.Load(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Session) duration() time.Duration {
	if ns := s.stoppedAt.Load(); ns != 0 {
		return time.Unix(0, ns).Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

func (s *Session) run() {
	defer close(s.done)
	defer func() { s.stoppedAt.Store(time.Now().UnixNano()) }()
	defer func() {
		if err := s.enc.Close(); err != nil {
			slog.Error("recording container close failed",
				"session_id", s.id,
				"path", s.cfg.Path,
				"error", err,
			)
		}
	}()

	timer := time.NewTimer(s.cfg.PopTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PopTimeout)

		select {
		case item := <-s.queue:
			if item.sentinel {
				return
			}
			if err := s.write(item.frame); err != nil {
				s.fail(err)
				return
			}
		case <-timer.C:
			// A sentinel that could not be queued leaves the encoder to
			// finish once the queue is empty.
			if s.stopping.Load() && len(s.queue) == 0 {
				return
			}
		}
	}
}

func (s *Session) write(f types.Frame) error {
	if f.Width != s.cfg.Size.Width || f.Height != s.cfg.Size.Height {
		return fmt.Errorf("%w: got %dx%d, session is %dx%d",
			ErrFrameSize, f.Width, f.Height, s.cfg.Size.Width, s.cfg.Size.Height)
	}
	if err := s.enc.Write(f); err != nil {
		return fmt.Errorf("write frame %d: %w", f.Seq, err)
	}
	s.written.Add(1)
	return nil
}

func (s *Session) fail(err error) {
	s.accepting.Store(false)

	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()

	slog.Error("recording session failed",
		"session_id", s.id,
		"path", s.cfg.Path,
		"frames_written", s.written.Load(),
		"error", err,
	)
	if s.cfg.OnError != nil {
		s.cfg.OnError(s.id, err)
	}
}
