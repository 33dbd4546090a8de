package analysis

import "github.com/care/rheed/internal/types"

// Luma weights (ITU-R BT.601)
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// Brightness returns the mean luma of a frame over an ROI clamped to the
// frame bounds. Three-channel data is interleaved BGR; single-channel data is
// averaged directly. It reports false when the clamped ROI is empty or the
// buffer does not match the frame size.
func Brightness(f types.Frame, roi types.ROI) (float64, bool) {
	r := roi.Clamp(f.Width, f.Height)
	if r.Empty() {
		return 0, false
	}

	var channels int
	switch len(f.Data) {
	case f.Width * f.Height * 3:
		channels = 3
	case f.Width * f.Height:
		channels = 1
	default:
		return 0, false
	}

	stride := f.Width * channels
	var sum float64

	for y := r.Y; y < r.Y+r.Height; y++ {
		row := f.Data[y*stride+r.X*channels : y*stride+(r.X+r.Width)*channels]
		if channels == 1 {
			var rowSum int
			for _, v := range row {
				rowSum += int(v)
			}
			sum += float64(rowSum)
			continue
		}

		var bs, gs, rs int
		for i := 0; i < len(row); i += 3 {
			bs += int(row[i])
			gs += int(row[i+1])
			rs += int(row[i+2])
		}
		sum += lumaR*float64(rs) + lumaG*float64(gs) + lumaB*float64(bs)
	}

	return sum / float64(r.Area()), true
}
