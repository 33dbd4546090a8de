// Package aravis drives GenICam cameras through the GStreamer aravissrc
// element. Each bound device runs its own pipeline:
//
//	aravissrc ! capsfilter ! appsink
//
// Buffers are handed to the frame source through a small channel; the
// source fetches with a bounded wait so a silent camera never blocks it.
package aravis

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/care/rheed/internal/source"
	"github.com/care/rheed/internal/types"
)

var gstOnce sync.Once

func initGStreamer() {
	gstOnce.Do(func() { gst.Init(nil) })
}

// Device identifies a camera. Serial is passed to aravissrc as camera-name;
// an empty serial opens the first camera found.
type Device struct {
	Name   string
	Serial string
	Vendor string
	Model  string
}

// Config contains driver settings shared by every device
type Config struct {
	Devices       []Device
	Width         int
	Height        int
	PixelFormat   types.PixelFormat
	PixelFormats  []string
	ExposureUS    float64
	ExposureMinUS float64
	ExposureMaxUS float64
}

// Driver implements source.CameraDriver for aravissrc
type Driver struct {
	cfg Config

	mu    sync.Mutex
	bound map[int]bool
	nodes map[int]*deviceNodes
}

// deviceNodes are the parameter nodes of one device. They outlive a bind so
// settings survive a stop/start cycle.
type deviceNodes struct {
	exposure *exposureNode
	format   *formatNode
}

// NewDriver creates an aravis driver. GStreamer is initialised on first use.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = []Device{{Name: "default"}}
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = types.PixelFormatMono8
	}
	for _, f := range cfg.PixelFormats {
		if _, err := capsFormat(types.PixelFormat(f)); err != nil {
			return nil, err
		}
	}

	initGStreamer()
	return &Driver{cfg: cfg, bound: make(map[int]bool), nodes: make(map[int]*deviceNodes)}, nil
}

// Enumerate lists the configured devices
func (d *Driver) Enumerate() ([]source.DeviceInfo, error) {
	devices := make([]source.DeviceInfo, 0, len(d.cfg.Devices))
	for i, dev := range d.cfg.Devices {
		devices = append(devices, source.DeviceInfo{
			Index:  i,
			Name:   dev.Name,
			Vendor: dev.Vendor,
			Model:  dev.Model,
			Serial: dev.Serial,
		})
	}
	return devices, nil
}

// Bind reserves a device. The pipeline is built on Start.
func (d *Driver) Bind(index int) (source.CameraHandle, error) {
	if index < 0 || index >= len(d.cfg.Devices) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", index, len(d.cfg.Devices))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound[index] {
		return nil, fmt.Errorf("device %d: %w", index, source.ErrBusy)
	}
	d.bound[index] = true

	nodes, ok := d.nodes[index]
	if !ok {
		nodes = &deviceNodes{
			exposure: &exposureNode{
				min:   d.cfg.ExposureMinUS,
				max:   d.cfg.ExposureMaxUS,
				value: d.cfg.ExposureUS,
			},
			format: &formatNode{entries: d.cfg.PixelFormats, value: string(d.cfg.PixelFormat)},
		}
		d.nodes[index] = nodes
	}

	dev := d.cfg.Devices[index]
	slog.Info("aravis device bound", "index", index, "name", dev.Name, "serial", dev.Serial)

	return &handle{driver: d, index: index, dev: dev, exposure: nodes.exposure, format: nodes.format}, nil
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	delete(d.bound, index)
	d.mu.Unlock()
}

// capsFormat maps a GenICam pixel format to the GStreamer raw video format
// aravissrc negotiates for it
func capsFormat(p types.PixelFormat) (string, error) {
	switch {
	case p.IsYUV422():
		return "UYVY", nil
	case p.IsMono() && p.BitDepth() == 8:
		return "GRAY8", nil
	case p.IsMono():
		return "GRAY16_LE", nil
	default:
		return "", fmt.Errorf("pixel format %q has no GStreamer mapping", p)
	}
}

// cameraCaps is the capsfilter string pinning aravissrc to one format and
// resolution. Mono formats deeper than 8 bits arrive in 16-bit containers.
func cameraCaps(p types.PixelFormat, width, height int) (string, error) {
	format, err := capsFormat(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", format, width, height), nil
}
