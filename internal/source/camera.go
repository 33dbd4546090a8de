package source

import (
	"fmt"
	"sync"
	"time"

	"github.com/care/rheed/internal/decode"
	"github.com/care/rheed/internal/types"
)

// cameraReader pulls raw buffers from a bound camera and decodes them.
// The acquisition loop releases the handle on its exit paths while node
// accessors read it from caller goroutines, so handle is guarded by mu.
type cameraReader struct {
	driver CameraDriver
	index  int

	mu     sync.Mutex
	handle CameraHandle
}

func (c *cameraReader) current() CameraHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *cameraReader) open() error {
	h, err := c.driver.Bind(c.index)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
	return nil
}

func (c *cameraReader) start() error {
	h := c.current()
	if h == nil {
		return ErrInvalidState
	}
	return h.Start()
}

func (c *cameraReader) fetch(timeout time.Duration) (types.Frame, error) {
	h := c.current()
	if h == nil {
		return types.Frame{}, ErrInvalidState
	}
	buf, err := h.Fetch(timeout)
	if err != nil {
		return types.Frame{}, err
	}

	data, err := decode.Decode(buf.Data, buf.Width, buf.Height, buf.Format)
	if err != nil {
		return types.Frame{}, fmt.Errorf("device %d: %w", c.index, err)
	}

	return types.Frame{
		Width:  buf.Width,
		Height: buf.Height,
		Format: buf.Format,
		Data:   data,
		Raw:    buf.Data,
	}, nil
}

func (c *cameraReader) stop() error {
	h := c.current()
	if h == nil {
		return nil
	}
	return h.Stop()
}

func (c *cameraReader) release() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Destroy()
}

func (c *cameraReader) nativeFPS() float64 { return 0 }

func (c *cameraReader) describe() string { return fmt.Sprintf("camera device %d", c.index) }

// DeviceIndex returns the bound device index of a camera source
func (s *Source) DeviceIndex() (int, bool) {
	c, ok := s.r.(*cameraReader)
	if !ok {
		return 0, false
	}
	return c.index, true
}

// Exposure returns the exposure node of a bound camera
func (s *Source) Exposure() (NumericNode, error) {
	h, err := s.cameraHandle()
	if err != nil {
		return nil, err
	}
	return h.Exposure(), nil
}

// PixelFormat returns the pixel format node of a bound camera
func (s *Source) PixelFormat() (EnumNode, error) {
	h, err := s.cameraHandle()
	if err != nil {
		return nil, err
	}
	return h.PixelFormat(), nil
}

func (s *Source) cameraHandle() (CameraHandle, error) {
	c, ok := s.r.(*cameraReader)
	if !ok {
		return nil, ErrNotCamera
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateBound, StateAcquiring:
	default:
		return nil, fmt.Errorf("camera nodes in state %s: %w", st, ErrInvalidState)
	}
	h := c.current()
	if h == nil {
		return nil, ErrInvalidState
	}
	return h, nil
}
