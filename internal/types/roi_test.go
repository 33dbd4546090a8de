package types

import "testing"

func TestROIClamp(t *testing.T) {
	const w, h = 640, 480

	tests := []struct {
		name string
		in   ROI
		want ROI
	}{
		{"inside", ROI{10, 20, 100, 50}, ROI{10, 20, 100, 50}},
		{"negative origin", ROI{-10, -5, 40, 30}, ROI{0, 0, 30, 25}},
		{"past right edge", ROI{600, 0, 100, 10}, ROI{600, 0, 40, 10}},
		{"past bottom edge", ROI{0, 470, 10, 100}, ROI{0, 470, 10, 10}},
		{"covers whole frame", ROI{-100, -100, 2000, 2000}, ROI{0, 0, w, h}},
		{"fully outside right", ROI{700, 10, 20, 20}, ROI{}},
		{"fully outside above", ROI{10, -50, 20, 20}, ROI{}},
		{"zero area", ROI{5, 5, 0, 10}, ROI{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clamp(w, h)
			if got != tt.want {
				t.Fatalf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
			}
			if got.Empty() {
				return
			}
			if got.X < 0 || got.Y < 0 || got.X+got.Width > w || got.Y+got.Height > h {
				t.Errorf("clamped ROI %v escapes %dx%d", got, w, h)
			}
		})
	}
}

// Clamping must keep every pixel of the request that lies inside the frame.
func TestROIClampMaximalOverlap(t *testing.T) {
	const w, h = 37, 23
	for x := -40; x <= 40; x += 7 {
		for y := -30; y <= 30; y += 5 {
			req := ROI{X: x, Y: y, Width: 25, Height: 17}
			got := req.Clamp(w, h)

			overlap := 0
			for px := x; px < x+req.Width; px++ {
				for py := y; py < y+req.Height; py++ {
					if px >= 0 && px < w && py >= 0 && py < h {
						overlap++
					}
				}
			}
			if got.Area() != overlap {
				t.Fatalf("Clamp(%v) area = %d, want %d", req, got.Area(), overlap)
			}
		}
	}
}

func TestPixelFormatBitDepth(t *testing.T) {
	tests := map[PixelFormat]int{
		PixelFormatMono8:        8,
		PixelFormatMono10:       10,
		PixelFormatMono12:       12,
		PixelFormatMono14:       14,
		PixelFormatMono16:       16,
		PixelFormatYUV422Packed: 8,
	}
	for pf, want := range tests {
		if got := pf.BitDepth(); got != want {
			t.Errorf("%s.BitDepth() = %d, want %d", pf, got, want)
		}
	}
	if !PixelFormatYUV422UYVY.IsYUV422() || PixelFormatMono8.IsYUV422() {
		t.Error("IsYUV422 misclassified formats")
	}
}
