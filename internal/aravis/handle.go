package aravis

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/rheed/internal/source"
	"github.com/care/rheed/internal/types"
)

// errEOS is reported when the camera pipeline ends its stream
var errEOS = errors.New("camera stream ended")

// handle is one bound camera. The pipeline exists between Start and Stop.
type handle struct {
	driver *Driver
	index  int
	dev    Device

	exposure *exposureNode
	format   *formatNode

	mu       sync.Mutex
	pipeline *gst.Pipeline
	buffers  chan source.Buffer
	errs     chan error
	quit     chan struct{}
	wg       sync.WaitGroup
}

// Start builds and plays the pipeline with the current node values
func (h *handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pipeline != nil {
		return fmt.Errorf("device %d already streaming", h.index)
	}

	format := types.PixelFormat(h.format.get())
	caps, err := cameraCaps(format, h.driver.cfg.Width, h.driver.cfg.Height)
	if err != nil {
		return err
	}

	pipeline, err := gst.NewPipeline(fmt.Sprintf("rheed-camera-%d", h.index))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("aravissrc")
	if err != nil {
		return fmt.Errorf("failed to create aravissrc: %w", err)
	}
	if h.dev.Serial != "" {
		src.SetProperty("camera-name", h.dev.Serial)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(caps))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 2)
	appsink.SetProperty("drop", true)

	buffers := make(chan source.Buffer, 2)
	width, height := h.driver.cfg.Width, h.driver.cfg.Height
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, buffers, width, height, format)
		},
	})

	if err := pipeline.AddMany(src, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to link pipeline: %w", err)
	}

	h.exposure.attach(src)
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		h.exposure.attach(nil)
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	h.pipeline = pipeline
	h.buffers = buffers
	h.errs = make(chan error, 1)
	h.quit = make(chan struct{})

	h.wg.Add(1)
	go h.watchBus(pipeline.GetPipelineBus(), h.errs, h.quit)

	slog.Info("aravis acquisition started",
		"index", h.index,
		"serial", h.dev.Serial,
		"caps", caps,
		"exposure_us", h.exposure.get(),
	)
	return nil
}

// watchBus forwards the first pipeline error to Fetch
func (h *handle) watchBus(bus *gst.Bus, errs chan<- error, quit <-chan struct{}) {
	defer h.wg.Done()
	for {
		select {
		case <-quit:
			return
		default:
		}

		// Short poll timeout keeps Stop responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("aravis end of stream", "index", h.index)
			sendErr(errs, errEOS)
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("aravis pipeline error",
				"index", h.index,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			sendErr(errs, fmt.Errorf("pipeline error: %w", gerr))
			return
		}
	}
}

func sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

// onNewSample copies the mapped buffer out of GStreamer. When the consumer
// lags the sample is dropped; the source only ever needs the newest frame.
func onNewSample(sink *app.Sink, out chan<- source.Buffer, width, height int, format types.PixelFormat) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	select {
	case out <- source.Buffer{Width: width, Height: height, Format: format, Data: payload}:
	default:
		slog.Debug("aravis buffer dropped, consumer busy")
	}
	return gst.FlowOK
}

// Fetch waits for the next buffer, a pipeline error or the timeout
func (h *handle) Fetch(timeout time.Duration) (source.Buffer, error) {
	h.mu.Lock()
	buffers, errs := h.buffers, h.errs
	h.mu.Unlock()
	if buffers == nil {
		return source.Buffer{}, fmt.Errorf("device %d not streaming", h.index)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case buf := <-buffers:
		return buf, nil
	case err := <-errs:
		return source.Buffer{}, err
	case <-timer.C:
		return source.Buffer{}, source.ErrFetchTimeout
	}
}

// Stop tears the pipeline down. The device stays bound.
func (h *handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pipeline == nil {
		return nil
	}

	close(h.quit)
	h.wg.Wait()
	h.exposure.attach(nil)

	err := h.pipeline.SetState(gst.StateNull)
	h.pipeline = nil
	h.buffers = nil
	h.errs = nil

	slog.Info("aravis acquisition stopped", "index", h.index)
	if err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}

// Destroy stops the pipeline if needed and releases the device
func (h *handle) Destroy() error {
	err := h.Stop()
	h.driver.release(h.index)
	slog.Info("aravis device released", "index", h.index)
	return err
}

func (h *handle) Exposure() source.NumericNode { return h.exposure }

func (h *handle) PixelFormat() source.EnumNode { return h.format }

// exposureNode is the exposure time in microseconds. Changes apply
// immediately to a streaming camera.
type exposureNode struct {
	min, max float64

	mu    sync.Mutex
	value float64
	live  *gst.Element
}

// attach binds the node to a streaming aravissrc and pushes the current
// value to it. nil detaches.
func (n *exposureNode) attach(src *gst.Element) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live = src
	if src != nil && n.value > 0 {
		src.SetProperty("exposure", n.value)
	}
}

func (n *exposureNode) Range() (float64, float64) { return n.min, n.max }

func (n *exposureNode) Value() (float64, error) { return n.get(), nil }

func (n *exposureNode) get() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}

func (n *exposureNode) SetValue(v float64) error {
	if v < n.min || v > n.max {
		return fmt.Errorf("exposure %.0f us outside [%.0f, %.0f]", v, n.min, n.max)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.live != nil {
		if err := n.live.SetProperty("exposure", v); err != nil {
			return fmt.Errorf("set exposure: %w", err)
		}
	}
	n.value = v
	return nil
}

// formatNode is the pixel format. A change takes effect on the next Start.
type formatNode struct {
	entries []string

	mu    sync.Mutex
	value string
}

func (n *formatNode) Entries() []string { return slices.Clone(n.entries) }

func (n *formatNode) Value() (string, error) { return n.get(), nil }

func (n *formatNode) get() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}

func (n *formatNode) SetValue(v string) error {
	if !slices.Contains(n.entries, v) {
		return fmt.Errorf("pixel format %q not supported (have %v)", v, n.entries)
	}
	n.mu.Lock()
	n.value = v
	n.mu.Unlock()
	return nil
}
