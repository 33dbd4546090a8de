package cvio

import (
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

func TestBGRConversion(t *testing.T) {
	tests := []struct {
		channels int
		code     gocv.ColorConversionCode
		convert  bool
		wantErr  bool
	}{
		{3, 0, false, false},
		{1, gocv.ColorGrayToBGR, true, false},
		{4, gocv.ColorBGRAToBGR, true, false},
		{2, 0, false, true},
		{0, 0, false, true},
	}
	for _, tt := range tests {
		code, convert, err := bgrConversion(tt.channels)
		if (err != nil) != tt.wantErr {
			t.Errorf("bgrConversion(%d) error = %v, wantErr %v", tt.channels, err, tt.wantErr)
			continue
		}
		if code != tt.code || convert != tt.convert {
			t.Errorf("bgrConversion(%d) = (%v, %v), want (%v, %v)", tt.channels, code, convert, tt.code, tt.convert)
		}
	}
}

func TestOpenVideoMissingFile(t *testing.T) {
	if _, err := OpenVideo(filepath.Join(t.TempDir(), "absent.avi")); err == nil {
		t.Error("OpenVideo of a missing file succeeded")
	}
}
