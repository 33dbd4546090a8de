package source

import (
	"errors"
	"time"

	"github.com/care/rheed/internal/types"
)

var (
	// ErrFetchTimeout signals that no buffer arrived within the fetch bound.
	// It is not an error condition: the acquisition loop re-checks its stop
	// flag and fetches again.
	ErrFetchTimeout = errors.New("fetch timeout")

	// ErrBusy is returned when a device is already bound by another handle
	ErrBusy = errors.New("device busy")

	// ErrJoinTimeout is returned by Stop when the acquisition loop did not
	// exit within the join timeout
	ErrJoinTimeout = errors.New("acquisition loop join timed out")

	// ErrInvalidState is returned for a transition the state machine does not allow
	ErrInvalidState = errors.New("invalid source state")

	// ErrNotCamera is returned for camera-only operations on a file source
	ErrNotCamera = errors.New("source is not a camera")
)

// DeviceInfo describes an enumerated camera
type DeviceInfo struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Vendor string `json:"vendor,omitempty"`
	Model  string `json:"model,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// CameraDriver gives access to the cameras of one transport layer
type CameraDriver interface {
	// Enumerate lists the available devices
	Enumerate() ([]DeviceInfo, error)
	// Bind acquires the exclusive handle for a device index
	Bind(index int) (CameraHandle, error)
}

// CameraHandle is an exclusively owned, bound camera.
type CameraHandle interface {
	// Start starts the hardware stream
	Start() error
	// Stop stops the hardware stream
	Stop() error
	// Fetch waits at most timeout for the next buffer. It returns
	// ErrFetchTimeout when nothing arrived in time. The returned buffer data
	// is owned by the caller.
	Fetch(timeout time.Duration) (Buffer, error)
	// Destroy releases the device
	Destroy() error

	// Exposure is the exposure time node, in microseconds
	Exposure() NumericNode
	// PixelFormat is the pixel format node
	PixelFormat() EnumNode
}

// Buffer is one raw buffer delivered by a camera
type Buffer struct {
	Width  int
	Height int
	Format types.PixelFormat
	Data   []byte
}

// NumericNode is a camera parameter with a numeric range
type NumericNode interface {
	Range() (min, max float64)
	Value() (float64, error)
	SetValue(v float64) error
}

// EnumNode is a camera parameter with an enumerated set of values
type EnumNode interface {
	Entries() []string
	Value() (string, error)
	SetValue(v string) error
}

// VideoOpener opens a recorded video container for reading
type VideoOpener func(path string) (VideoReader, error)

// VideoReader decodes frames from a video container
type VideoReader interface {
	// FPS returns the native frame rate of the container, or 0 if unknown
	FPS() float64
	// Read returns the next frame as interleaved BGR24. It returns io.EOF
	// after the last frame.
	Read() (data []byte, width, height int, err error)
	// Close releases the container
	Close() error
}
