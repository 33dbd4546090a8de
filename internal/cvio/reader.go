// Package cvio adapts OpenCV video containers to the frame source
// contract.
package cvio

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"gocv.io/x/gocv"

	"github.com/care/rheed/internal/source"
)

// videoReader decodes a video file with OpenCV
type videoReader struct {
	vc   *gocv.VideoCapture
	path string
	img  gocv.Mat
	bgr  gocv.Mat
}

// OpenVideo opens a video container for the file source
func OpenVideo(path string) (source.VideoReader, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open video %s: container not readable", path)
	}

	r := &videoReader{
		vc:   vc,
		path: path,
		img:  gocv.NewMat(),
		bgr:  gocv.NewMat(),
	}
	slog.Info("video file opened",
		"path", path,
		"fps", r.FPS(),
		"frames", int(vc.Get(gocv.VideoCaptureFrameCount)),
	)
	return r, nil
}

// FPS returns the container frame rate, 0 when the container does not declare one
func (r *videoReader) FPS() float64 {
	fps := r.vc.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || math.IsNaN(fps) {
		return 0
	}
	return fps
}

func (r *videoReader) Read() ([]byte, int, int, error) {
	if ok := r.vc.Read(&r.img); !ok || r.img.Empty() {
		return nil, 0, 0, io.EOF
	}

	frame := r.img
	code, convert, err := bgrConversion(r.img.Channels())
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: %w", r.path, err)
	}
	if convert {
		gocv.CvtColor(r.img, &r.bgr, code)
		frame = r.bgr
	}

	// ToBytes copies, so the caller owns the slice
	return frame.ToBytes(), frame.Cols(), frame.Rows(), nil
}

// bgrConversion picks the conversion to 3-channel BGR for a decoded image.
// convert is false when the image already is BGR.
func bgrConversion(channels int) (code gocv.ColorConversionCode, convert bool, err error) {
	switch channels {
	case 3:
		return 0, false, nil
	case 1:
		return gocv.ColorGrayToBGR, true, nil
	case 4:
		return gocv.ColorBGRAToBGR, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported channel count %d", channels)
	}
}

func (r *videoReader) Close() error {
	r.img.Close()
	r.bgr.Close()
	return r.vc.Close()
}
