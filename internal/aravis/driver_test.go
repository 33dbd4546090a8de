package aravis

import (
	"errors"
	"testing"

	"github.com/care/rheed/internal/source"
	"github.com/care/rheed/internal/types"
)

func TestCameraCaps(t *testing.T) {
	tests := []struct {
		format  types.PixelFormat
		want    string
		wantErr bool
	}{
		{types.PixelFormatMono8, "video/x-raw,format=GRAY8,width=1280,height=1024", false},
		{types.PixelFormatMono10, "video/x-raw,format=GRAY16_LE,width=1280,height=1024", false},
		{types.PixelFormatMono12, "video/x-raw,format=GRAY16_LE,width=1280,height=1024", false},
		{types.PixelFormatMono16, "video/x-raw,format=GRAY16_LE,width=1280,height=1024", false},
		{types.PixelFormatYUV422Packed, "video/x-raw,format=UYVY,width=1280,height=1024", false},
		{types.PixelFormatYUV422UYVY, "video/x-raw,format=UYVY,width=1280,height=1024", false},
		{types.PixelFormatBGR8, "", true},
		{"BayerRG8", "", true},
	}
	for _, tt := range tests {
		got, err := cameraCaps(tt.format, 1280, 1024)
		if tt.wantErr {
			if err == nil {
				t.Errorf("cameraCaps(%s) = %q, want error", tt.format, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("cameraCaps(%s): %v", tt.format, err)
			continue
		}
		if got != tt.want {
			t.Errorf("cameraCaps(%s) = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func testConfig() Config {
	return Config{
		Width:         640,
		Height:        480,
		PixelFormats:  []string{"Mono8", "Mono12"},
		ExposureUS:    1000,
		ExposureMinUS: 20,
		ExposureMaxUS: 100000,
	}
}

func TestNewDriverValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Width = 0
	if _, err := NewDriver(cfg); err == nil {
		t.Error("NewDriver accepted a zero width")
	}

	cfg = testConfig()
	cfg.PixelFormats = []string{"Mono8", "RGB8Packed"}
	if _, err := NewDriver(cfg); err == nil {
		t.Error("NewDriver accepted a format without caps mapping")
	}

	d, err := NewDriver(testConfig())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	devices, _ := d.Enumerate()
	if len(devices) != 1 || devices[0].Name != "default" {
		t.Errorf("Enumerate() = %+v, want one default device", devices)
	}
}

// A bound device is exclusive until its handle is destroyed; node values
// survive the rebind.
func TestBindIsExclusive(t *testing.T) {
	d, err := NewDriver(testConfig())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	h, err := d.Bind(0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := d.Bind(0); !errors.Is(err, source.ErrBusy) {
		t.Errorf("second Bind: got %v, want ErrBusy", err)
	}
	if _, err := d.Bind(1); err == nil {
		t.Error("Bind(1) succeeded with one device")
	}

	if err := h.Exposure().SetValue(5000); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := h.Exposure().SetValue(5); err == nil {
		t.Error("exposure below range accepted")
	}
	if err := h.PixelFormat().SetValue("Mono12"); err != nil {
		t.Fatalf("set format: %v", err)
	}
	if err := h.PixelFormat().SetValue("YUV422Packed"); err == nil {
		t.Error("unlisted pixel format accepted")
	}

	if err := h.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	h, err = d.Bind(0)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	defer h.Destroy()

	if v, _ := h.Exposure().Value(); v != 5000 {
		t.Errorf("exposure after rebind = %v, want 5000", v)
	}
	if v, _ := h.PixelFormat().Value(); v != "Mono12" {
		t.Errorf("format after rebind = %q, want Mono12", v)
	}
}
