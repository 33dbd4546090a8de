// Package gstrec writes the quality recording profile through GStreamer:
//
//	appsrc ! qtmux ! filesink
//
// The camera's UYVY payload is pushed to the muxer as is; qtmux stores it
// uncompressed as 2vuy, so the file holds the sensor bytes unchanged.
package gstrec

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/rheed/internal/recorder"
	"github.com/care/rheed/internal/types"
)

// ErrNoRawPayload reports a frame without the 4:2:2 payload the profile stores
var ErrNoRawPayload = errors.New("frame has no raw 4:2:2 payload")

// finalizeTimeout bounds the wait for qtmux to write the movie header
const finalizeTimeout = 5 * time.Second

var gstOnce sync.Once

func initGStreamer() {
	gstOnce.Do(func() { gst.Init(nil) })
}

// Writer is one open quality-profile container
type Writer struct {
	path     string
	size     types.Size
	frameDur time.Duration
	frames   uint64

	pipeline *gst.Pipeline
	src      *app.Source
	bus      *gst.Bus
}

// Open starts a muxing pipeline writing to path. The quality factor does not
// apply to an uncompressed stream and is ignored.
func Open(path string, fps float64, size types.Size, _ int) (recorder.Encoder, error) {
	if size.Width <= 0 || size.Height <= 0 || size.Width%2 != 0 {
		return nil, fmt.Errorf("create %s: %dx%d is not a valid UYVY frame size", path, size.Width, size.Height)
	}
	initGStreamer()

	pipeline, err := gst.NewPipeline("rheed-recording")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(rawCaps(size, fps)))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("block", true)

	mux, err := gst.NewElement("qtmux")
	if err != nil {
		return nil, fmt.Errorf("failed to create qtmux: %w", err)
	}
	sink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("failed to create filesink: %w", err)
	}
	sink.SetProperty("location", path)

	if err := pipeline.AddMany(src.Element, mux, sink); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, mux, sink); err != nil {
		return nil, fmt.Errorf("failed to link pipeline: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	slog.Info("raw recording pipeline started", "path", path, "caps", rawCaps(size, fps))
	return &Writer{
		path:     path,
		size:     size,
		frameDur: frameDuration(fps),
		pipeline: pipeline,
		src:      src,
		bus:      pipeline.GetPipelineBus(),
	}, nil
}

// Write pushes the frame's raw payload with a timestamp derived from its
// position in the stream
func (w *Writer) Write(f types.Frame) error {
	data, err := payload(f, w.size)
	if err != nil {
		return err
	}

	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(time.Duration(w.frames) * w.frameDur)
	buf.SetDuration(w.frameDur)
	if ret := w.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("write frame %d to %s: %s", w.frames, w.path, ret)
	}
	w.frames++
	return nil
}

// Close ends the stream and waits for the muxer to finalize the file
func (w *Writer) Close() error {
	w.src.EndStream()

	var err error
	msg := w.bus.TimedPopFiltered(finalizeTimeout, gst.MessageEOS|gst.MessageError)
	switch {
	case msg == nil:
		err = fmt.Errorf("finalize %s: no end of stream after %s", w.path, finalizeTimeout)
	case msg.Type() == gst.MessageError:
		err = fmt.Errorf("finalize %s: %w", w.path, msg.ParseError())
	}

	if serr := w.pipeline.SetState(gst.StateNull); serr != nil && err == nil {
		err = fmt.Errorf("stop recording pipeline: %w", serr)
	}
	slog.Info("raw recording pipeline stopped", "path", w.path, "frames", w.frames)
	return err
}

// payload returns the bytes stored for f: the raw UYVY buffer itself
func payload(f types.Frame, size types.Size) ([]byte, error) {
	if f.Width != size.Width || f.Height != size.Height {
		return nil, fmt.Errorf("%w: %dx%d frame for %dx%d writer",
			recorder.ErrFrameSize, f.Width, f.Height, size.Width, size.Height)
	}
	if !f.Format.IsYUV422() {
		return nil, fmt.Errorf("%w: format %s", ErrNoRawPayload, f.Format)
	}
	if len(f.Raw) != f.Width*f.Height*2 {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrNoRawPayload, len(f.Raw), f.Width, f.Height)
	}
	return f.Raw, nil
}

// rawCaps describes the session's frames to appsrc
func rawCaps(size types.Size, fps float64) string {
	num, den := fpsFraction(fps)
	return fmt.Sprintf("video/x-raw,format=UYVY,width=%d,height=%d,framerate=%d/%d",
		size.Width, size.Height, num, den)
}

// fpsFraction expresses fps with millihertz resolution. An unknown rate is
// 0/1, which GStreamer treats as variable.
func fpsFraction(fps float64) (int, int) {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return 0, 1
	}
	num, den := int(math.Round(fps*1000)), 1000
	g := gcd(num, den)
	return num / g, den / g
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// frameDuration is the timestamp step between frames; 0 when fps is unknown
func frameDuration(fps float64) time.Duration {
	num, den := fpsFraction(fps)
	if num == 0 {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(den) / int64(num))
}
