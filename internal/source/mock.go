package source

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/care/rheed/internal/types"
)

// MockConfig configures the synthetic camera driver
type MockConfig struct {
	Devices     []DeviceInfo
	Width       int
	Height      int
	FPS         float64
	Format      types.PixelFormat
	Formats     []string
	ExposureMin float64
	ExposureMax float64
	ExposureUS  float64
	// SignalHz is the frequency of the brightness oscillation in the
	// generated frames. Zero produces a constant image.
	SignalHz float64
}

// MockDriver generates synthetic camera buffers whose mean brightness
// oscillates like a RHEED specular spot during layer-by-layer growth.
type MockDriver struct {
	cfg MockConfig

	mu    sync.Mutex
	bound map[int]bool
	// parameter nodes persist across binds, like device features
	nodes map[int]*mockNodes
}

type mockNodes struct {
	exposure *mockNumeric
	format   *mockEnum
}

// NewMockDriver creates a synthetic camera driver
func NewMockDriver(cfg MockConfig) *MockDriver {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []DeviceInfo{{Index: 0, Name: "mock-0", Vendor: "rheed", Model: "synthetic"}}
	}
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Format == "" {
		cfg.Format = types.PixelFormatMono8
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []string{
			string(types.PixelFormatMono8),
			string(types.PixelFormatMono12),
			string(types.PixelFormatYUV422Packed),
		}
	}
	if cfg.ExposureMax <= cfg.ExposureMin {
		cfg.ExposureMin, cfg.ExposureMax = 20, 1e6
	}
	if cfg.ExposureUS <= 0 {
		cfg.ExposureUS = 10000
	}
	return &MockDriver{cfg: cfg, bound: make(map[int]bool), nodes: make(map[int]*mockNodes)}
}

// Enumerate lists the configured synthetic devices
func (d *MockDriver) Enumerate() ([]DeviceInfo, error) {
	out := make([]DeviceInfo, len(d.cfg.Devices))
	copy(out, d.cfg.Devices)
	return out, nil
}

// Bind acquires a synthetic device. A device can be bound only once at a time.
func (d *MockDriver) Bind(index int) (CameraHandle, error) {
	if index < 0 || index >= len(d.cfg.Devices) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", index, len(d.cfg.Devices))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound[index] {
		return nil, fmt.Errorf("device %d: %w", index, ErrBusy)
	}
	d.bound[index] = true

	nodes, ok := d.nodes[index]
	if !ok {
		nodes = &mockNodes{
			exposure: &mockNumeric{min: d.cfg.ExposureMin, max: d.cfg.ExposureMax, value: d.cfg.ExposureUS},
			format:   &mockEnum{entries: d.cfg.Formats, value: string(d.cfg.Format)},
		}
		d.nodes[index] = nodes
	}

	return &mockHandle{
		driver:   d,
		index:    index,
		exposure: nodes.exposure,
		format:   nodes.format,
	}, nil
}

// Bound reports whether a device index is currently bound
func (d *MockDriver) Bound(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound[index]
}

func (d *MockDriver) unbind(index int) {
	d.mu.Lock()
	delete(d.bound, index)
	d.mu.Unlock()
}

type mockHandle struct {
	driver   *MockDriver
	index    int
	exposure *mockNumeric
	format   *mockEnum

	mu        sync.Mutex
	buffers   chan Buffer
	stopCh    chan struct{}
	wg        sync.WaitGroup
	destroyed bool
}

func (h *mockHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return fmt.Errorf("device %d destroyed", h.index)
	}
	if h.stopCh != nil {
		return fmt.Errorf("device %d already streaming", h.index)
	}

	// The pixel format is latched when the stream starts
	format, _ := h.format.Value()

	h.buffers = make(chan Buffer, 2)
	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	go h.generate(h.stopCh, h.buffers, types.PixelFormat(format))

	slog.Debug("mock camera streaming",
		"device", h.index,
		"width", h.driver.cfg.Width,
		"height", h.driver.cfg.Height,
		"fps", h.driver.cfg.FPS,
		"pixel_format", format,
	)
	return nil
}

func (h *mockHandle) Stop() error {
	h.mu.Lock()
	stopCh := h.stopCh
	h.stopCh = nil
	h.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	h.wg.Wait()
	return nil
}

func (h *mockHandle) Fetch(timeout time.Duration) (Buffer, error) {
	h.mu.Lock()
	buffers := h.buffers
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if buffers == nil {
		<-timer.C
		return Buffer{}, ErrFetchTimeout
	}

	select {
	case b := <-buffers:
		return b, nil
	case <-timer.C:
		return Buffer{}, ErrFetchTimeout
	}
}

func (h *mockHandle) Destroy() error {
	_ = h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	h.driver.unbind(h.index)
	return nil
}

func (h *mockHandle) Exposure() NumericNode { return h.exposure }

func (h *mockHandle) PixelFormat() EnumNode { return h.format }

// generate produces buffers at the device rate. Like a camera buffer pool,
// buffers that are not fetched in time are discarded.
func (h *mockHandle) generate(stopCh <-chan struct{}, out chan<- Buffer, format types.PixelFormat) {
	defer h.wg.Done()

	cfg := h.driver.cfg
	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.FPS))
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			level := mockLevel(cfg.SignalHz, now.Sub(start).Seconds())
			b := Buffer{
				Width:  cfg.Width,
				Height: cfg.Height,
				Format: format,
				Data:   mockPayload(format, cfg.Width, cfg.Height, level),
			}
			select {
			case out <- b:
			default:
			}
		}
	}
}

// mockLevel returns the 8-bit brightness at time t
func mockLevel(hz, t float64) uint8 {
	return uint8(math.Round(128 + 100*math.Sin(2*math.Pi*hz*t)))
}

// mockPayload renders a constant image at the given 8-bit level in the
// requested sensor format
func mockPayload(format types.PixelFormat, w, h int, level uint8) []byte {
	n := w * h
	switch {
	case format.IsYUV422():
		data := make([]byte, n*2)
		for i := 0; i+3 < len(data); i += 4 {
			data[i] = 128
			data[i+1] = level
			data[i+2] = 128
			data[i+3] = level
		}
		return data
	case format.IsMono() && format.BitDepth() > 8:
		data := make([]byte, n*2)
		sample := uint16(level) << (format.BitDepth() - 8)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(data[2*i:], sample)
		}
		return data
	default:
		data := make([]byte, n)
		for i := range data {
			data[i] = level
		}
		return data
	}
}

type mockNumeric struct {
	mu       sync.Mutex
	min, max float64
	value    float64
}

func (m *mockNumeric) Range() (float64, float64) { return m.min, m.max }

func (m *mockNumeric) Value() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *mockNumeric) SetValue(v float64) error {
	if v < m.min || v > m.max {
		return fmt.Errorf("value %v outside [%v, %v]", v, m.min, m.max)
	}
	m.mu.Lock()
	m.value = v
	m.mu.Unlock()
	return nil
}

type mockEnum struct {
	mu      sync.Mutex
	entries []string
	value   string
}

func (m *mockEnum) Entries() []string {
	return append([]string(nil), m.entries...)
}

func (m *mockEnum) Value() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *mockEnum) SetValue(v string) error {
	for _, e := range m.entries {
		if e == v {
			m.mu.Lock()
			m.value = v
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("unsupported entry %q", v)
}
