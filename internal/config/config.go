package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete rheedd configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Display          DisplayConfig   `yaml:"display"`
	Recording        RecordingConfig `yaml:"recording"`
	Analysis         AnalysisConfig  `yaml:"analysis"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	HTTP             HTTPConfig      `yaml:"http"`
	Discovery        DiscoveryConfig `yaml:"discovery"`
}

// CameraConfig contains camera settings
type CameraConfig struct {
	Driver         string         `yaml:"driver"` // aravis, mock
	Devices        []DeviceConfig `yaml:"devices"`
	DeviceIndex    int            `yaml:"device_index"`
	FPS            int            `yaml:"fps"` // target acquisition rate
	Width          int            `yaml:"width"`
	Height         int            `yaml:"height"`
	PixelFormat    string         `yaml:"pixel_format"`
	PixelFormats   []string       `yaml:"pixel_formats"` // formats offered by set_pixel_format
	ExposureUS     float64        `yaml:"exposure_us"`
	ExposureMinUS  float64        `yaml:"exposure_min_us"`
	ExposureMaxUS  float64        `yaml:"exposure_max_us"`
	FetchTimeoutMS int            `yaml:"fetch_timeout_ms"`
}

// DeviceConfig names a GenICam device. Serial is passed to aravissrc as camera-name.
type DeviceConfig struct {
	Name   string `yaml:"name"`
	Serial string `yaml:"serial"`
	Vendor string `yaml:"vendor,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// DisplayConfig contains preview settings
type DisplayConfig struct {
	PreviewFPS      int `yaml:"preview_fps"`
	SnapshotQuality int `yaml:"snapshot_quality"` // JPEG quality of /preview.jpg
}

// RecordingConfig contains video recording settings
type RecordingConfig struct {
	SavePath      string `yaml:"save_path"`
	Profile       string `yaml:"profile"` // quality, compatibility
	MJPEGQuality  int    `yaml:"mjpeg_quality"`
	QueueCapacity int    `yaml:"queue_capacity"`
	JoinTimeoutMS int    `yaml:"join_timeout_ms"`
}

// AnalysisConfig contains brightness analysis settings
type AnalysisConfig struct {
	WindowS     float64 `yaml:"window_s"` // span of the auto-placed range
	Components  int     `yaml:"components"`
	InboxFrames int     `yaml:"inbox_frames"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control  string `yaml:"control"`
	Samples  string `yaml:"samples"`
	Analysis string `yaml:"analysis"`
	Status   string `yaml:"status"`
}

// HTTPConfig contains the health, preview and websocket server settings
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DiscoveryConfig controls mDNS advertisement
type DiscoveryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
