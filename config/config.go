package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"multicam-recorder/device"
	"multicam-recorder/video"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Fleet       FleetConfig       `toml:"fleet" yaml:"fleet" json:"fleet"`
	Acquisition AcquisitionConfig `toml:"acquisition" yaml:"acquisition" json:"acquisition"`
	Buffer      BufferConfig      `toml:"buffer" yaml:"buffer" json:"buffer"`
	Trigger     TriggerConfig     `toml:"trigger" yaml:"trigger" json:"trigger"`
	Video       VideoConfig       `toml:"video" yaml:"video" json:"video"`
	Output      OutputConfig      `toml:"output" yaml:"output" json:"output"`
	Server      ServerConfig      `toml:"server" yaml:"server" json:"server"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging" json:"logging"`
	Simulation  SimulationConfig  `toml:"simulation" yaml:"simulation" json:"simulation"`
}

// FleetConfig lists the cameras and which one drives the trigger line
type FleetConfig struct {
	PrimarySerial string         `toml:"primary_serial" yaml:"primary_serial" json:"primary_serial"`
	MinDevices    int            `toml:"min_devices" yaml:"min_devices" json:"min_devices"`
	Driver        string         `toml:"driver" yaml:"driver" json:"driver"` // sim or v4l2
	Devices       []DeviceConfig `toml:"devices" yaml:"devices" json:"devices"`
}

// DeviceConfig holds per-camera settings
type DeviceConfig struct {
	Serial    string `toml:"serial" yaml:"serial" json:"serial"`
	OutputDir string `toml:"output_dir" yaml:"output_dir" json:"output_dir"`
	Device    string `toml:"device" yaml:"device" json:"device"` // v4l2 node, e.g. /dev/video0
	// Width and Height bound the v4l2 capture size; zero lets the driver default apply
	Width  int `toml:"width" yaml:"width" json:"width"`
	Height int `toml:"height" yaml:"height" json:"height"`
}

// AcquisitionConfig holds the capture loop settings
type AcquisitionConfig struct {
	FrameRate            float64 `toml:"frame_rate" yaml:"frame_rate" json:"frame_rate"`
	PixelFormat          string  `toml:"pixel_format" yaml:"pixel_format" json:"pixel_format"`
	TotalFrames          int     `toml:"total_frames" yaml:"total_frames" json:"total_frames"`
	Continuous           bool    `toml:"continuous" yaml:"continuous" json:"continuous"`
	FrameTimeoutMs       int     `toml:"frame_timeout_ms" yaml:"frame_timeout_ms" json:"frame_timeout_ms"`
	MaxConsecutiveErrors int     `toml:"max_consecutive_errors" yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	PrintInterval        int     `toml:"print_interval" yaml:"print_interval" json:"print_interval"`
	ChunkData            bool    `toml:"chunk_data" yaml:"chunk_data" json:"chunk_data"`
}

// BufferConfig holds the device frame queue settings
type BufferConfig struct {
	Depth int               `toml:"depth" yaml:"depth" json:"depth"`
	Mode  device.BufferMode `toml:"mode" yaml:"mode" json:"mode"`
}

// TriggerConfig holds the primary/secondary trigger wiring
type TriggerConfig struct {
	OutputLine     string `toml:"output_line" yaml:"output_line" json:"output_line"`
	InputLine      string `toml:"input_line" yaml:"input_line" json:"input_line"`
	Overlap        string `toml:"overlap" yaml:"overlap" json:"overlap"`
	Start          string `toml:"start" yaml:"start" json:"start"` // manual, auto or http
	ReadyTimeoutMs int    `toml:"ready_timeout_ms" yaml:"ready_timeout_ms" json:"ready_timeout_ms"`
	SettleDelayMs  int    `toml:"settle_delay_ms" yaml:"settle_delay_ms" json:"settle_delay_ms"`
}

// VideoConfig holds encoding settings
type VideoConfig struct {
	Codec         video.Codec `toml:"codec" yaml:"codec" json:"codec"`
	Backend       string      `toml:"backend" yaml:"backend" json:"backend"` // ffmpeg or memory
	BatchSize     int         `toml:"batch_size" yaml:"batch_size" json:"batch_size"`
	MJPGQuality   int         `toml:"mjpg_quality" yaml:"mjpg_quality" json:"mjpg_quality"`
	H264Bitrate   int         `toml:"h264_bitrate" yaml:"h264_bitrate" json:"h264_bitrate"`
	Width         int         `toml:"width" yaml:"width" json:"width"`
	Height        int         `toml:"height" yaml:"height" json:"height"`
	MaxFileSizeMB int         `toml:"max_file_size_mb" yaml:"max_file_size_mb" json:"max_file_size_mb"`
	FFmpegPath    string      `toml:"ffmpeg_path" yaml:"ffmpeg_path" json:"ffmpeg_path"`
}

// OutputConfig holds where recordings go
type OutputConfig struct {
	Root    string `toml:"root" yaml:"root" json:"root"`
	Session string `toml:"session" yaml:"session" json:"session"` // generated when empty
}

// ServerConfig holds the status server settings
type ServerConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	WebPort int    `toml:"web_port" yaml:"web_port" json:"web_port"`
	BindIP  string `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level    string `toml:"level" yaml:"level" json:"level"`
	Dir      string `toml:"dir" yaml:"dir" json:"dir"`
	MaxFiles int    `toml:"max_files" yaml:"max_files" json:"max_files"`
}

// SimulationConfig tunes the simulated camera driver
type SimulationConfig struct {
	Width               int `toml:"width" yaml:"width" json:"width"`
	Height              int `toml:"height" yaml:"height" json:"height"`
	IncompleteEvery     int `toml:"incomplete_every" yaml:"incomplete_every" json:"incomplete_every"`
	TransportErrorEvery int `toml:"transport_error_every" yaml:"transport_error_every" json:"transport_error_every"`
}

// Trigger start modes
const (
	StartManual = "manual"
	StartAuto   = "auto"
	StartHTTP   = "http"
)

// Device drivers
const (
	DriverSim  = "sim"
	DriverV4L2 = "v4l2"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Fleet: FleetConfig{
			PrimarySerial: "A",
			MinDevices:    1,
			Driver:        DriverSim,
			Devices: []DeviceConfig{
				{Serial: "A"},
				{Serial: "B"},
			},
		},
		Acquisition: AcquisitionConfig{
			FrameRate:            20,
			PixelFormat:          "BayerBG8",
			TotalFrames:          10000,
			FrameTimeoutMs:       1000,
			MaxConsecutiveErrors: 10,
			PrintInterval:        20,
			ChunkData:            true,
		},
		Buffer: BufferConfig{
			Depth: 10,
			Mode:  device.OldestFirstOverwrite,
		},
		Trigger: TriggerConfig{
			OutputLine:     "Line2",
			InputLine:      "Line3",
			Overlap:        "ReadOut",
			Start:          StartManual,
			ReadyTimeoutMs: 10000,
			SettleDelayMs:  1000,
		},
		Video: VideoConfig{
			Codec:         video.MJPG,
			Backend:       "ffmpeg",
			BatchSize:     100,
			MJPGQuality:   75,
			H264Bitrate:   1000000,
			MaxFileSizeMB: 2048,
		},
		Output: OutputConfig{
			Root: "recordings",
		},
		Server: ServerConfig{
			Enabled: false,
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Dir:      "logs",
			MaxFiles: 20,
		},
		Simulation: SimulationConfig{
			Width:  1280,
			Height: 1024,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file on top of the defaults
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if config.Output.Session == "" {
		config.Output.Session = NewSessionName(time.Now())
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func decodeFile(path string, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, config)
	default:
		_, err := toml.DecodeFile(path, config)
		return err
	}
}

// NewSessionName returns a unique, sortable recording session name
func NewSessionName(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs error

	if len(c.Fleet.Devices) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("fleet.devices: at least one device required"))
	}
	seen := make(map[string]bool)
	primaries := 0
	for i, d := range c.Fleet.Devices {
		if d.Serial == "" {
			errs = multierr.Append(errs, fmt.Errorf("fleet.devices[%d]: serial is empty", i))
			continue
		}
		if seen[d.Serial] {
			errs = multierr.Append(errs, fmt.Errorf("fleet.devices[%d]: duplicate serial %s", i, d.Serial))
		}
		seen[d.Serial] = true
		if d.Serial == c.Fleet.PrimarySerial {
			primaries++
		}
		if c.Fleet.Driver == DriverV4L2 && d.Device == "" {
			errs = multierr.Append(errs, fmt.Errorf("fleet.devices[%d]: v4l2 driver needs a device path", i))
		}
	}
	if c.Fleet.PrimarySerial == "" {
		errs = multierr.Append(errs, fmt.Errorf("fleet.primary_serial is empty"))
	} else if primaries != 1 && len(c.Fleet.Devices) > 0 {
		errs = multierr.Append(errs, fmt.Errorf("fleet.primary_serial %s matches %d configured devices", c.Fleet.PrimarySerial, primaries))
	}
	if c.Fleet.MinDevices < 1 {
		errs = multierr.Append(errs, fmt.Errorf("fleet.min_devices must be at least 1"))
	}
	switch c.Fleet.Driver {
	case DriverSim, DriverV4L2:
	default:
		errs = multierr.Append(errs, fmt.Errorf("fleet.driver %q is not sim or v4l2", c.Fleet.Driver))
	}

	if c.Acquisition.FrameRate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("acquisition.frame_rate must be positive"))
	}
	if !c.Acquisition.Continuous && c.Acquisition.TotalFrames < 1 {
		errs = multierr.Append(errs, fmt.Errorf("acquisition.total_frames must be positive unless continuous"))
	}
	if c.Acquisition.FrameTimeoutMs < 1 {
		errs = multierr.Append(errs, fmt.Errorf("acquisition.frame_timeout_ms must be positive"))
	}
	if c.Acquisition.MaxConsecutiveErrors < 1 {
		errs = multierr.Append(errs, fmt.Errorf("acquisition.max_consecutive_errors must be positive"))
	}

	if c.Buffer.Depth < 1 {
		errs = multierr.Append(errs, fmt.Errorf("buffer.depth must be at least 1"))
	}

	if c.Trigger.OutputLine == "" || c.Trigger.InputLine == "" {
		errs = multierr.Append(errs, fmt.Errorf("trigger.output_line and trigger.input_line are required"))
	}
	switch c.Trigger.Start {
	case StartManual, StartAuto, StartHTTP:
	default:
		errs = multierr.Append(errs, fmt.Errorf("trigger.start %q is not manual, auto or http", c.Trigger.Start))
	}
	if c.Trigger.Start == StartHTTP && !c.Server.Enabled {
		errs = multierr.Append(errs, fmt.Errorf("trigger.start http needs server.enabled"))
	}
	if c.Trigger.ReadyTimeoutMs < 1 {
		errs = multierr.Append(errs, fmt.Errorf("trigger.ready_timeout_ms must be positive"))
	}

	if c.Video.BatchSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("video.batch_size must be at least 1"))
	}
	if c.Video.MJPGQuality < 0 || c.Video.MJPGQuality > 100 {
		errs = multierr.Append(errs, fmt.Errorf("video.mjpg_quality must be within 0-100"))
	}
	if c.Video.Codec == video.H264 && c.Video.H264Bitrate < 1 {
		errs = multierr.Append(errs, fmt.Errorf("video.h264_bitrate must be positive"))
	}
	switch c.Video.Backend {
	case "ffmpeg", "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("video.backend %q is not ffmpeg or memory", c.Video.Backend))
	}

	if c.Server.Enabled && (c.Server.WebPort < 1 || c.Server.WebPort > 65535) {
		errs = multierr.Append(errs, fmt.Errorf("server.web_port %d out of range", c.Server.WebPort))
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errs
}

// OutputDir returns where a camera's recordings go
func (c *Config) OutputDir(serial string) string {
	for _, d := range c.Fleet.Devices {
		if d.Serial == serial && d.OutputDir != "" {
			return d.OutputDir
		}
	}
	return filepath.Join(c.Output.Root, c.Output.Session, serial)
}

// FrameTimeout returns the per-read device timeout
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Acquisition.FrameTimeoutMs) * time.Millisecond
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
