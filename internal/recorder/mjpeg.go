package recorder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/care/rheed/internal/types"
	"github.com/icza/mjpeg"
)

// mjpegEncoder writes Motion JPEG frames into an AVI container
type mjpegEncoder struct {
	aw      mjpeg.AviWriter
	size    types.Size
	quality int

	img *image.RGBA
	buf bytes.Buffer
}

// OpenMJPEG opens a Motion JPEG AVI writer. Frames are JPEG encoded at the
// given quality factor (1-100).
func OpenMJPEG(path string, fps float64, size types.Size, quality int) (Encoder, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("mjpeg quality %d outside 1..100", quality)
	}
	rate := int32(math.Max(1, math.Round(fps)))

	aw, err := mjpeg.New(path, int32(size.Width), int32(size.Height), rate)
	if err != nil {
		return nil, fmt.Errorf("create avi %s: %w", path, err)
	}

	return &mjpegEncoder{
		aw:      aw,
		size:    size,
		quality: quality,
		img:     image.NewRGBA(image.Rect(0, 0, size.Width, size.Height)),
	}, nil
}

func (e *mjpegEncoder) Write(f types.Frame) error {
	n := e.size.Width * e.size.Height
	if len(f.Data) != n*3 {
		return fmt.Errorf("%w: %d bytes for %dx%d BGR", ErrFrameSize, len(f.Data), e.size.Width, e.size.Height)
	}

	pix := e.img.Pix
	for i, j := 0, 0; i < n*3; i, j = i+3, j+4 {
		pix[j] = f.Data[i+2]
		pix[j+1] = f.Data[i+1]
		pix[j+2] = f.Data[i]
		pix[j+3] = 0xff
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, e.img, &jpeg.Options{Quality: e.quality}); err != nil {
		return fmt.Errorf("jpeg encode: %w", err)
	}
	return e.aw.AddFrame(e.buf.Bytes())
}

func (e *mjpegEncoder) Close() error {
	return e.aw.Close()
}
