package source

import (
	"fmt"
	"time"

	"github.com/care/rheed/internal/types"
)

// fallbackFileFPS paces containers that do not declare a frame rate
const fallbackFileFPS = 30

// fileReader decodes frames from a video container at its native rate
type fileReader struct {
	opener VideoOpener
	path   string
	vr     VideoReader
	fps    float64
}

func (f *fileReader) open() error {
	vr, err := f.opener(f.path)
	if err != nil {
		return err
	}
	f.vr = vr
	f.fps = vr.FPS()
	if f.fps <= 0 {
		f.fps = fallbackFileFPS
	}
	return nil
}

func (f *fileReader) start() error {
	if f.vr == nil {
		return ErrInvalidState
	}
	return nil
}

// fetch reads the next frame. Container reads are bounded by the decoder, so
// the timeout is not used.
func (f *fileReader) fetch(time.Duration) (types.Frame, error) {
	data, w, h, err := f.vr.Read()
	if err != nil {
		return types.Frame{}, err
	}
	return types.Frame{
		Width:  w,
		Height: h,
		Format: types.PixelFormatBGR8,
		Data:   data,
	}, nil
}

func (f *fileReader) stop() error { return nil }

func (f *fileReader) release() error {
	if f.vr == nil {
		return nil
	}
	err := f.vr.Close()
	f.vr = nil
	return err
}

func (f *fileReader) nativeFPS() float64 { return f.fps }

func (f *fileReader) describe() string { return fmt.Sprintf("file %s", f.path) }

// Path returns the container path of a file source
func (s *Source) Path() (string, bool) {
	f, ok := s.r.(*fileReader)
	if !ok {
		return "", false
	}
	return f.path, true
}
