package types

import "fmt"

// ROI represents a rectangle in source-pixel coordinates
type ROI struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"w" yaml:"w"`
	Height int `json:"h" yaml:"h"`
}

// Area returns the pixel area of the rectangle
func (r ROI) Area() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Empty reports whether the rectangle covers no pixels
func (r ROI) Empty() bool {
	return r.Area() == 0
}

// Clamp returns the intersection of r with [0,frameWidth) x [0,frameHeight).
// A rectangle with no overlap clamps to the zero ROI.
func (r ROI) Clamp(frameWidth, frameHeight int) ROI {
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.Width, frameWidth), min(r.Y+r.Height, frameHeight)
	if x1 <= x0 || y1 <= y0 {
		return ROI{}
	}
	return ROI{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func (r ROI) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.Width, r.Height)
}
