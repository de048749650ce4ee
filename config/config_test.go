package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"multicam-recorder/device"
	"multicam-recorder/video"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Acquisition.FrameRate != 20 {
		t.Errorf("Default Acquisition.FrameRate = %v, want 20", cfg.Acquisition.FrameRate)
	}

	if cfg.Acquisition.PixelFormat != "BayerBG8" {
		t.Errorf("Default Acquisition.PixelFormat = %s, want BayerBG8", cfg.Acquisition.PixelFormat)
	}

	if cfg.Buffer.Mode != device.OldestFirstOverwrite {
		t.Errorf("Default Buffer.Mode = %s, want OldestFirstOverwrite", cfg.Buffer.Mode)
	}

	if cfg.Video.Codec != video.MJPG || cfg.Video.MJPGQuality != 75 {
		t.Errorf("Default video = %s q%d, want MJPG q75", cfg.Video.Codec, cfg.Video.MJPGQuality)
	}

	if cfg.Video.MaxFileSizeMB != 2048 {
		t.Errorf("Default Video.MaxFileSizeMB = %d, want 2048", cfg.Video.MaxFileSizeMB)
	}

	if cfg.Trigger.OutputLine != "Line2" || cfg.Trigger.InputLine != "Line3" {
		t.Errorf("Default trigger lines = %s/%s, want Line2/Line3", cfg.Trigger.OutputLine, cfg.Trigger.InputLine)
	}

	if cfg.Output.Session == "" {
		t.Error("Session name should be generated")
	}
}

// TestLoadConfigTOML tests loading a TOML file with typed enums
func TestLoadConfigTOML(t *testing.T) {
	content := `
[fleet]
primary_serial = "18565847"
min_devices = 2
driver = "sim"

[[fleet.devices]]
serial = "18565847"
output_dir = "/data/cam0"

[[fleet.devices]]
serial = "18566303"

[buffer]
depth = 4
mode = "NewestOnly"

[video]
codec = "h264"
batch_size = 50
h264_bitrate = 2000000

[output]
session = "run1"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Fleet.PrimarySerial != "18565847" || len(cfg.Fleet.Devices) != 2 {
		t.Errorf("fleet = %+v", cfg.Fleet)
	}
	if cfg.Buffer.Mode != device.NewestOnly || cfg.Buffer.Depth != 4 {
		t.Errorf("buffer = %+v, want NewestOnly depth 4", cfg.Buffer)
	}
	if cfg.Video.Codec != video.H264 || cfg.Video.BatchSize != 50 {
		t.Errorf("video = %+v, want H264 batch 50", cfg.Video)
	}
	// untouched sections keep their defaults
	if cfg.Acquisition.FrameRate != 20 {
		t.Errorf("Acquisition.FrameRate = %v, want default 20", cfg.Acquisition.FrameRate)
	}

	if got := cfg.OutputDir("18565847"); got != "/data/cam0" {
		t.Errorf("OutputDir(primary) = %s, want /data/cam0", got)
	}
	if got := cfg.OutputDir("18566303"); got != filepath.Join("recordings", "run1", "18566303") {
		t.Errorf("OutputDir(secondary) = %s", got)
	}
}

// TestLoadConfigYAML tests loading a YAML file
func TestLoadConfigYAML(t *testing.T) {
	content := `
fleet:
  primary_serial: A
  driver: sim
  devices:
    - serial: A
    - serial: B
    - serial: C
buffer:
  mode: OldestFirst
trigger:
  start: auto
  settle_delay_ms: 5
video:
  codec: Uncompressed
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(cfg.Fleet.Devices) != 3 {
		t.Errorf("devices = %d, want 3", len(cfg.Fleet.Devices))
	}
	if cfg.Buffer.Mode != device.OldestFirst {
		t.Errorf("Buffer.Mode = %s, want OldestFirst", cfg.Buffer.Mode)
	}
	if cfg.Trigger.Start != StartAuto || cfg.Trigger.SettleDelayMs != 5 {
		t.Errorf("trigger = %+v", cfg.Trigger)
	}
	if cfg.Video.Codec != video.Uncompressed {
		t.Errorf("Video.Codec = %s, want Uncompressed", cfg.Video.Codec)
	}
}

// TestLoadConfigRejectsUnknownEnum tests enum decoding errors
func TestLoadConfigRejectsUnknownEnum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[buffer]\nmode = \"LatestOnly\"\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown buffer mode")
	}
}

// TestValidate tests that every problem is reported
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   []string
	}{
		{
			name:   "valid defaults",
			modify: func(c *Config) {},
		},
		{
			name: "no primary",
			modify: func(c *Config) {
				c.Fleet.PrimarySerial = "Z"
			},
			want: []string{"matches 0 configured devices"},
		},
		{
			name: "two primaries",
			modify: func(c *Config) {
				c.Fleet.Devices = []DeviceConfig{{Serial: "A"}, {Serial: "A"}}
			},
			want: []string{"duplicate serial A", "matches 2 configured devices"},
		},
		{
			name: "several problems",
			modify: func(c *Config) {
				c.Video.BatchSize = 0
				c.Buffer.Depth = 0
				c.Trigger.Start = "later"
				c.Logging.Level = "loud"
			},
			want: []string{"video.batch_size", "buffer.depth", "trigger.start", "logging.level"},
		},
		{
			name: "v4l2 without paths",
			modify: func(c *Config) {
				c.Fleet.Driver = DriverV4L2
			},
			want: []string{"needs a device path"},
		},
		{
			name: "http start without server",
			modify: func(c *Config) {
				c.Trigger.Start = StartHTTP
			},
			want: []string{"needs server.enabled"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()

			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("Validate() = %q, missing %q", err, w)
				}
			}
		})
	}
}

// TestNewSessionName tests session name format
func TestNewSessionName(t *testing.T) {
	now := time.Date(2019, 2, 22, 10, 5, 0, 0, time.UTC)
	a := NewSessionName(now)
	b := NewSessionName(now)

	if !strings.HasPrefix(a, "20190222_100500_") {
		t.Errorf("session name %s lacks timestamp prefix", a)
	}
	if a == b {
		t.Error("session names should be unique")
	}
}

// TestSaveConfig tests round trip through a TOML file
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Output.Session = "saved"
	cfg.Buffer.Mode = device.NewestFirst

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Buffer.Mode != device.NewestFirst || loaded.Output.Session != "saved" {
		t.Errorf("loaded = %+v / %+v", loaded.Buffer, loaded.Output)
	}
}
