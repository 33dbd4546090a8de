package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/rheed/internal/types"
)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Driver       CameraDriver
	Opener       VideoOpener
	DeviceIndex  int
	FPS          float64
	FetchTimeout time.Duration
	JoinTimeout  time.Duration

	// Output receives frames from the active source only
	Output func(types.Frame)
	// OnError is called when the active source halts on an error
	OnError func(src *Source, err error)
	// OnState is called on every state change of any source it created
	OnState func(src *Source, st State)
}

// Status describes the active source
type Status struct {
	Kind        Kind              `json:"kind,omitempty"`
	State       string            `json:"state"`
	DeviceIndex int               `json:"device_index"`
	Path        string            `json:"path,omitempty"`
	Paused      bool              `json:"paused"`
	Stats       types.StreamStats `json:"stats"`
}

// Manager owns the single active source. Starting a camera stops a playing
// file and the reverse. Switching always drains the previous source to Idle
// before the next one is bound.
type Manager struct {
	cfg ManagerConfig

	mu          sync.Mutex
	active      *Source
	deviceIndex int
	fps         float64

	// gen gates Output so frames of a drained source are never delivered
	gen atomic.Uint64
}

// NewManager creates a source manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Output == nil {
		cfg.Output = func(types.Frame) {}
	}
	return &Manager{
		cfg:         cfg,
		deviceIndex: cfg.DeviceIndex,
		fps:         cfg.FPS,
	}
}

// Devices enumerates the cameras of the configured driver
func (m *Manager) Devices() ([]DeviceInfo, error) {
	if m.cfg.Driver == nil {
		return nil, errors.New("no camera driver configured")
	}
	return m.cfg.Driver.Enumerate()
}

// SelectDevice drains the active source and binds the camera at index
func (m *Manager) SelectDevice(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Driver == nil {
		return errors.New("no camera driver configured")
	}

	m.drain()
	src := m.newCamera(index)
	if err := src.Bind(); err != nil {
		return err
	}
	m.active = src
	m.deviceIndex = index
	return nil
}

// StartCapture starts acquisition on the selected camera, binding it first
// if needed
func (m *Manager) StartCapture(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Driver == nil {
		return errors.New("no camera driver configured")
	}

	src := m.active
	switch {
	case src != nil && src.Kind() == KindCamera && src.State() == StateAcquiring:
		return nil
	case src != nil && src.Kind() == KindCamera && src.State() == StateBound:
	default:
		m.drain()
		src = m.newCamera(m.deviceIndex)
		if err := src.Bind(); err != nil {
			return err
		}
		m.active = src
	}

	return src.Start(ctx)
}

// StopCapture stops the active camera and releases it
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.Kind() != KindCamera {
		return nil
	}
	return m.active.Stop()
}

// OpenFile drains the active source and plays a video container
func (m *Manager) OpenFile(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Opener == nil {
		return errors.New("no video reader configured")
	}

	m.drain()
	src := m.build(func(opts Options) *Source {
		return NewFile(m.cfg.Opener, path, opts)
	})
	if err := src.Bind(); err != nil {
		return err
	}
	m.active = src
	return src.Start(ctx)
}

// Pause suspends the active source
func (m *Manager) Pause() error {
	src, err := m.activeSource()
	if err != nil {
		return err
	}
	return src.Pause()
}

// Resume continues the active source
func (m *Manager) Resume() error {
	src, err := m.activeSource()
	if err != nil {
		return err
	}
	return src.Resume()
}

// SetFPS changes the camera pacing target for the active and future cameras
func (m *Manager) SetFPS(fps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fps <= 0 {
		return fmt.Errorf("invalid fps %v", fps)
	}
	m.fps = fps
	if m.active != nil && m.active.Kind() == KindCamera {
		return m.active.SetFPS(fps)
	}
	return nil
}

// FPS returns the camera pacing target
func (m *Manager) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}

// Active returns the active source, or nil
func (m *Manager) Active() *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Camera returns the active source if it is a camera
func (m *Manager) Camera() (*Source, error) {
	src, err := m.activeSource()
	if err != nil {
		return nil, err
	}
	if src.Kind() != KindCamera {
		return nil, ErrNotCamera
	}
	return src, nil
}

// Status describes the active source
func (m *Manager) Status() Status {
	m.mu.Lock()
	src, index := m.active, m.deviceIndex
	m.mu.Unlock()

	if src == nil {
		return Status{State: StateIdle.String(), DeviceIndex: index}
	}

	st := Status{
		Kind:        src.Kind(),
		State:       src.State().String(),
		DeviceIndex: index,
		Paused:      src.Paused(),
		Stats:       src.Stats(),
	}
	if p, ok := src.Path(); ok {
		st.Path = p
	}
	return st
}

// Close drains the active source
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drain()
}

func (m *Manager) activeSource() (*Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, fmt.Errorf("no active source: %w", ErrInvalidState)
	}
	return m.active, nil
}

// drain stops the active source and waits for it to reach Idle. Callers hold mu.
func (m *Manager) drain() {
	if m.active == nil {
		return
	}
	src := m.active
	m.active = nil
	m.gen.Add(1)

	if err := src.Stop(); err != nil {
		slog.Warn("previous source did not drain cleanly",
			"source_id", src.ID(),
			"kind", src.Kind(),
			"error", err,
		)
	}
}

func (m *Manager) newCamera(index int) *Source {
	return m.build(func(opts Options) *Source {
		return NewCamera(m.cfg.Driver, index, opts)
	})
}

// build creates a source whose output is bound to the current generation
func (m *Manager) build(create func(Options) *Source) *Source {
	gen := m.gen.Load()
	var src *Source

	opts := Options{
		FPS:          m.fps,
		FetchTimeout: m.cfg.FetchTimeout,
		JoinTimeout:  m.cfg.JoinTimeout,
		Output: func(f types.Frame) {
			if m.gen.Load() == gen {
				m.cfg.Output(f)
			}
		},
	}
	if m.cfg.OnError != nil {
		opts.OnError = func(err error) { m.cfg.OnError(src, err) }
	}
	if m.cfg.OnState != nil {
		opts.OnState = func(st State) { m.cfg.OnState(src, st) }
	}

	src = create(opts)
	return src
}
