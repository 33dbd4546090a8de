// Package decode turns raw sensor payloads into interleaved BGR24 images.
//
// The decoder is pure and stateless: it never retains the input buffer and
// always allocates a fresh output, so decoded frames can be handed to any
// number of consumers without copying.
package decode

import (
	"errors"
	"fmt"

	"github.com/care/rheed/internal/types"
)

// ErrUnsupportedFormat is returned when the payload size does not match the
// declared pixel format. A source receiving it must stop acquiring.
var ErrUnsupportedFormat = errors.New("unsupported or undecodable pixel format")

// ITU-R BT.601 fixed-point coefficients (20-bit), limited range.
const (
	fixShift = 20
	fixRound = 1 << (fixShift - 1)

	coefY  = 1220542 // 1.164
	coefVR = 1673527 // 1.596
	coefVG = -852492 // -0.813
	coefUG = -409993 // -0.391
	coefUB = 2116026 // 2.018
)

// Decode converts raw into a width*height*3 BGR buffer.
//
//   - packed YUV 4:2:2 (UYVY macropixels) when len(raw) == width*height*2
//   - monochrome 8-bit when len(raw) == width*height
//   - monochrome 16-bit little-endian containers when len(raw) == width*height*2,
//     right-shifted by (bit depth - 8)
//
// Any other combination returns ErrUnsupportedFormat.
func Decode(raw []byte, width, height int, format types.PixelFormat) ([]byte, error) {
	pixels := width * height
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid geometry %dx%d", ErrUnsupportedFormat, width, height)
	}

	switch {
	case format.IsYUV422() && len(raw) == pixels*2:
		if pixels%2 != 0 {
			return nil, fmt.Errorf("%w: %s needs an even pixel count, got %dx%d",
				ErrUnsupportedFormat, format, width, height)
		}
		return uyvyToBGR(raw, pixels), nil

	case format.IsMono() && len(raw) == pixels:
		return mono8ToBGR(raw, pixels), nil

	case format.IsMono() && len(raw) == pixels*2:
		return mono16ToBGR(raw, pixels, uint(format.BitDepth()-8)), nil
	}

	return nil, fmt.Errorf("%w: format=%q size=%d geometry=%dx%d",
		ErrUnsupportedFormat, format, len(raw), width, height)
}

func mono8ToBGR(raw []byte, pixels int) []byte {
	out := make([]byte, pixels*3)
	for i, v := range raw {
		o := i * 3
		out[o], out[o+1], out[o+2] = v, v, v
	}
	return out
}

func mono16ToBGR(raw []byte, pixels int, shift uint) []byte {
	out := make([]byte, pixels*3)
	for i := 0; i < pixels; i++ {
		s := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
		s >>= shift
		if s > 255 {
			s = 255
		}
		v := byte(s)
		o := i * 3
		out[o], out[o+1], out[o+2] = v, v, v
	}
	return out
}

// uyvyToBGR expands U Y0 V Y1 macropixels into two BGR pixels each.
func uyvyToBGR(raw []byte, pixels int) []byte {
	out := make([]byte, pixels*3)
	for i, o := 0, 0; i+3 < len(raw); i, o = i+4, o+6 {
		u := int(raw[i]) - 128
		v := int(raw[i+2]) - 128

		ruv := fixRound + coefVR*v
		guv := fixRound + coefVG*v + coefUG*u
		buv := fixRound + coefUB*u

		y0 := max(0, int(raw[i+1])-16) * coefY
		out[o] = clip((y0 + buv) >> fixShift)
		out[o+1] = clip((y0 + guv) >> fixShift)
		out[o+2] = clip((y0 + ruv) >> fixShift)

		y1 := max(0, int(raw[i+3])-16) * coefY
		out[o+3] = clip((y1 + buv) >> fixShift)
		out[o+4] = clip((y1 + guv) >> fixShift)
		out[o+5] = clip((y1 + ruv) >> fixShift)
	}
	return out
}

func clip(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
