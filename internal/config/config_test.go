package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rheed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
instance_id: mbe-lab-1
recording:
  save_path: /data/growth
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Camera.Driver != "mock" {
		t.Errorf("Camera.Driver = %q, want mock", cfg.Camera.Driver)
	}
	if cfg.Camera.FPS != 70 {
		t.Errorf("Camera.FPS = %d, want 70", cfg.Camera.FPS)
	}
	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 {
		t.Errorf("mock resolution = %dx%d, want 640x480", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.PixelFormat != "Mono8" {
		t.Errorf("Camera.PixelFormat = %q, want Mono8", cfg.Camera.PixelFormat)
	}
	if cfg.Camera.FetchTimeoutMS != 500 {
		t.Errorf("Camera.FetchTimeoutMS = %d, want 500", cfg.Camera.FetchTimeoutMS)
	}
	if cfg.Display.PreviewFPS != 60 {
		t.Errorf("Display.PreviewFPS = %d, want 60", cfg.Display.PreviewFPS)
	}
	if cfg.Recording.Profile != "compatibility" {
		t.Errorf("Recording.Profile = %q, want compatibility", cfg.Recording.Profile)
	}
	if cfg.Recording.QueueCapacity != 300 || cfg.Recording.MJPEGQuality != 95 {
		t.Errorf("recording defaults = %+v", cfg.Recording)
	}
	if cfg.Analysis.WindowS != 5 || cfg.Analysis.Components != 5 {
		t.Errorf("analysis defaults = %+v", cfg.Analysis)
	}
	if cfg.MQTT.Topics.Samples != "rheed/samples/mbe-lab-1" {
		t.Errorf("MQTT.Topics.Samples = %q", cfg.MQTT.Topics.Samples)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Discovery.ServiceName != "mbe-lab-1" {
		t.Errorf("Discovery.ServiceName = %q", cfg.Discovery.ServiceName)
	}
	if cfg.ShutdownTimeoutS != 5 {
		t.Errorf("ShutdownTimeoutS = %d, want 5", cfg.ShutdownTimeoutS)
	}
}

func TestLoadAravisResolution(t *testing.T) {
	path := writeConfig(t, `
instance_id: mbe-lab-1
camera:
  driver: aravis
  devices:
    - name: rheed
      serial: "40123456"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Camera.Width != 1280 || cfg.Camera.Height != 1024 {
		t.Errorf("aravis resolution = %dx%d, want 1280x1024", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.Devices[0].Serial != "40123456" {
		t.Errorf("device serial = %q", cfg.Camera.Devices[0].Serial)
	}
}

func TestSavePathHomeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := Config{InstanceID: "lab"}
	if err := Validate(&cfg); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "GrowthRecordings"); cfg.Recording.SavePath != want {
		t.Errorf("SavePath = %q, want %q", cfg.Recording.SavePath, want)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing instance", Config{}, "instance_id is required"},
		{"bad instance", Config{InstanceID: "Lab_1"}, "instance_id must match"},
		{"unknown driver", Config{InstanceID: "lab", Camera: CameraConfig{Driver: "v4l2"}}, "unknown driver"},
		{"negative fps", Config{InstanceID: "lab", Camera: CameraConfig{FPS: -1}}, "fps must be > 0"},
		{"negative preview fps", Config{InstanceID: "lab", Display: DisplayConfig{PreviewFPS: -5}}, "preview_fps"},
		{"unknown pixel format", Config{InstanceID: "lab", Camera: CameraConfig{PixelFormat: "RGB8"}}, "pixel_format"},
		{"exposure out of range", Config{InstanceID: "lab", Camera: CameraConfig{ExposureUS: 5}}, "exposure_us"},
		{"device index", Config{InstanceID: "lab", Camera: CameraConfig{DeviceIndex: 1, Devices: []DeviceConfig{{Name: "a"}}}}, "device_index"},
		{"profile", Config{InstanceID: "lab", Recording: RecordingConfig{SavePath: "/tmp", Profile: "lossless"}}, "unknown recording profile"},
		{"mjpeg quality", Config{InstanceID: "lab", Recording: RecordingConfig{SavePath: "/tmp", MJPEGQuality: 101}}, "mjpeg_quality"},
		{"port", Config{InstanceID: "lab", Recording: RecordingConfig{SavePath: "/tmp"}, HTTP: HTTPConfig{Port: 70000}}, "http.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() of a missing file succeeded")
	}
}
