package types

import (
	"strings"
	"time"
)

// Frame represents a single decoded video frame
type Frame struct {
	// Seq is the monotonic sequence number within one source session
	Seq uint64
	// Elapsed is the capture time measured on the source's monotonic clock,
	// relative to the moment the source started acquiring
	Elapsed time.Duration
	// CapturedAt is the wall-clock capture time
	CapturedAt time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format is the pixel format the sensor payload was declared with
	Format PixelFormat
	// Data contains the decoded image, interleaved BGR24
	Data []byte
	// Raw is the undecoded sensor payload (nil for file sources)
	Raw []byte
	// SourceID identifies the source session that produced the frame
	SourceID string
	// TraceID is a unique identifier for tracing a frame across sinks
	TraceID string
}

// Clone returns a deep copy of the frame buffers
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = append([]byte(nil), f.Data...)
	}
	if f.Raw != nil {
		c.Raw = append([]byte(nil), f.Raw...)
	}
	return c
}

// Size returns the frame dimensions
func (f Frame) Size() Size {
	return Size{Width: f.Width, Height: f.Height}
}

// Size is a frame size in pixels
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// PixelFormat is the GenICam pixel format name declared by a buffer
type PixelFormat string

const (
	PixelFormatMono8        PixelFormat = "Mono8"
	PixelFormatMono10       PixelFormat = "Mono10"
	PixelFormatMono12       PixelFormat = "Mono12"
	PixelFormatMono14       PixelFormat = "Mono14"
	PixelFormatMono16       PixelFormat = "Mono16"
	PixelFormatYUV422Packed PixelFormat = "YUV422Packed"
	PixelFormatYUV422UYVY   PixelFormat = "YUV422_8_UYVY"
	PixelFormatBGR8         PixelFormat = "BGR8"
)

// IsMono reports whether the format is a monochrome format
func (p PixelFormat) IsMono() bool {
	return strings.Contains(string(p), "Mono")
}

// IsYUV422 reports whether the format is packed 4:2:2 YUV
func (p PixelFormat) IsYUV422() bool {
	return strings.Contains(string(p), "YUV422")
}

// BitDepth returns the effective sample depth for monochrome formats.
// Unknown monochrome names are treated as 16-bit.
func (p PixelFormat) BitDepth() int {
	switch {
	case !p.IsMono():
		return 8
	case strings.Contains(string(p), "Mono8"):
		return 8
	case strings.Contains(string(p), "Mono10"):
		return 10
	case strings.Contains(string(p), "Mono12"):
		return 12
	case strings.Contains(string(p), "Mono14"):
		return 14
	default:
		return 16
	}
}

// Sample is one point of the brightness time series
type Sample struct {
	// T is seconds since the analysis clock started
	T float64 `json:"t" msgpack:"t"`
	// Brightness is the luma-weighted mean over the ROI
	Brightness float64 `json:"y" msgpack:"y"`
	// Seq is the sequence number of the frame the sample came from
	Seq uint64 `json:"seq" msgpack:"seq"`
}

// StreamStats contains source statistics
type StreamStats struct {
	SourceID    string      `json:"source_id"`
	Kind        string      `json:"kind"`
	State       string      `json:"state"`
	FrameCount  uint64      `json:"frame_count"`
	FPSTarget   float64     `json:"fps_target"`
	FPSReal     float64     `json:"fps_real"`
	Timeouts    uint64      `json:"fetch_timeouts"`
	DecodeFails uint64      `json:"decode_failures"`
	Resolution  string      `json:"resolution,omitempty"`
	Format      PixelFormat `json:"pixel_format,omitempty"`
}
