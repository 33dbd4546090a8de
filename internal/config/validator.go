package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/care/rheed/internal/recorder"
	"github.com/care/rheed/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if cfg.Display.PreviewFPS < 0 {
		return fmt.Errorf("display.preview_fps must be > 0")
	}
	if cfg.Display.PreviewFPS == 0 {
		cfg.Display.PreviewFPS = 60
	}
	if cfg.Display.SnapshotQuality <= 0 || cfg.Display.SnapshotQuality > 100 {
		cfg.Display.SnapshotQuality = 85
	}

	if err := validateRecording(&cfg.Recording); err != nil {
		return fmt.Errorf("recording: %w", err)
	}

	if cfg.Analysis.WindowS < 0 {
		return fmt.Errorf("analysis.window_s must be > 0")
	}
	if cfg.Analysis.WindowS == 0 {
		cfg.Analysis.WindowS = 5
	}
	if cfg.Analysis.Components <= 0 {
		cfg.Analysis.Components = 5
	}
	if cfg.Analysis.InboxFrames <= 0 {
		cfg.Analysis.InboxFrames = 8
	}

	// MQTT is optional; topics are filled in either way so status logs stay consistent
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("rheed/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Samples == "" {
		cfg.MQTT.Topics.Samples = fmt.Sprintf("rheed/samples/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Analysis == "" {
		cfg.MQTT.Topics.Analysis = fmt.Sprintf("rheed/analysis/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("rheed/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":  1,
			"samples":  0,
			"analysis": 1,
			"status":   1,
		}
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", cfg.HTTP.Port)
	}

	if cfg.Discovery.ServiceName == "" {
		cfg.Discovery.ServiceName = cfg.InstanceID
	}

	return nil
}

func validateCamera(cam *CameraConfig) error {
	switch cam.Driver {
	case "":
		cam.Driver = "mock"
	case "mock", "aravis":
	default:
		return fmt.Errorf("unknown driver %q (must be 'aravis' or 'mock')", cam.Driver)
	}

	if cam.FPS < 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if cam.FPS == 0 {
		cam.FPS = 70
	}

	if cam.Width == 0 && cam.Height == 0 {
		if cam.Driver == "aravis" {
			cam.Width, cam.Height = 1280, 1024
		} else {
			cam.Width, cam.Height = 640, 480
		}
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", cam.Width, cam.Height)
	}

	if len(cam.PixelFormats) == 0 {
		cam.PixelFormats = []string{
			string(types.PixelFormatMono8),
			string(types.PixelFormatMono10),
			string(types.PixelFormatMono12),
			string(types.PixelFormatYUV422Packed),
		}
	}
	if cam.PixelFormat == "" {
		cam.PixelFormat = cam.PixelFormats[0]
	}
	if !contains(cam.PixelFormats, cam.PixelFormat) {
		return fmt.Errorf("pixel_format %q not in pixel_formats %v", cam.PixelFormat, cam.PixelFormats)
	}

	if cam.ExposureMinUS <= 0 {
		cam.ExposureMinUS = 20
	}
	if cam.ExposureMaxUS <= 0 {
		cam.ExposureMaxUS = 1e6
	}
	if cam.ExposureMinUS >= cam.ExposureMaxUS {
		return fmt.Errorf("exposure_min_us must be below exposure_max_us")
	}
	if cam.ExposureUS == 0 {
		cam.ExposureUS = 10000
	}
	if cam.ExposureUS < cam.ExposureMinUS || cam.ExposureUS > cam.ExposureMaxUS {
		return fmt.Errorf("exposure_us %.0f outside [%.0f, %.0f]", cam.ExposureUS, cam.ExposureMinUS, cam.ExposureMaxUS)
	}

	if cam.FetchTimeoutMS <= 0 {
		cam.FetchTimeoutMS = 500
	}

	if cam.DeviceIndex < 0 {
		return fmt.Errorf("device_index must be >= 0")
	}
	if len(cam.Devices) > 0 && cam.DeviceIndex >= len(cam.Devices) {
		return fmt.Errorf("device_index %d out of range (%d devices)", cam.DeviceIndex, len(cam.Devices))
	}
	return nil
}

func validateRecording(rec *RecordingConfig) error {
	if rec.SavePath == "" {
		rec.SavePath = "~/GrowthRecordings"
	}
	if strings.HasPrefix(rec.SavePath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand save_path: %w", err)
		}
		rec.SavePath = filepath.Join(home, strings.TrimPrefix(rec.SavePath, "~"))
	}

	profile, err := recorder.ParseProfile(rec.Profile)
	if err != nil {
		return err
	}
	rec.Profile = string(profile)

	if rec.MJPEGQuality < 0 || rec.MJPEGQuality > 100 {
		return fmt.Errorf("mjpeg_quality must be within 0-100")
	}
	if rec.MJPEGQuality == 0 {
		rec.MJPEGQuality = 95
	}
	if rec.QueueCapacity <= 0 {
		rec.QueueCapacity = 300
	}
	if rec.JoinTimeoutMS <= 0 {
		rec.JoinTimeoutMS = 2000
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
