package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/a8m/envsubst"
	"github.com/adrg/xdg"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"survcam/camera"
)

type Config struct {
	Port     int    `json:"port"`
	VideoDir string `json:"video_dir"`
	LogFile  string `json:"log_file,omitempty"`

	Backend      string `json:"backend"`       // auto, rpicam, v4l2, ffmpeg or pattern
	CameraDevice string `json:"camera_device"` // e.g., /dev/video0
	FrameBuffers int    `json:"frame_buffers"` // frames the capture device may hand out at once

	StorageThreshold string `json:"storage_threshold"` // e.g., 2GiB, 500MB
	SegmentLengthS   int    `json:"segment_length_s"`

	CaptureIntervalMS int `json:"capture_interval_ms"`
	ControlIntervalMS int `json:"control_interval_ms"`
	PublishWaitMS     int `json:"publish_wait_ms"`
	TakeWaitMS        int `json:"take_wait_ms"`

	Profiles camera.Profiles `json:"profiles"`
}

func DefaultConfig() *Config {
	// Use XDG state directory for recordings
	videoDir, err := xdg.StateFile(filepath.Join(AppName, "recordings", ".keep"))
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		videoDir = filepath.Join(homeDir, ".local/state", AppName, "recordings", ".keep")
	}

	return &Config{
		Port:              DefaultPort,
		VideoDir:          filepath.Dir(videoDir),
		Backend:           DefaultBackend,
		CameraDevice:      DefaultCameraDevice,
		FrameBuffers:      DefaultFrameBuffers,
		StorageThreshold:  DefaultStorageThreshold,
		SegmentLengthS:    DefaultSegmentLengthS,
		CaptureIntervalMS: DefaultCaptureIntervalMS,
		ControlIntervalMS: DefaultControlIntervalMS,
		PublishWaitMS:     DefaultPublishWaitMS,
		TakeWaitMS:        DefaultTakeWaitMS,
		Profiles:          camera.DefaultProfiles(),
	}
}

// DefaultConfigPath returns config.json in the XDG config directory.
func DefaultConfigPath() string {
	path, err := xdg.ConfigFile(filepath.Join(AppName, "config.json"))
	if err != nil {
		return filepath.Join(os.ExpandEnv("$HOME"), ".config", AppName, "config.json")
	}
	return path
}

// LoadOrCreateConfig reads the config at configPath, writing the defaults there first
// if it does not exist. ${VAR} references are expanded from the environment.
func LoadOrCreateConfig(configPath string) (*Config, bool, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := envsubst.ReadFile(configPath)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to read config")
		}
		// Fields missing from the file keep their defaults
		if err := json.Unmarshal(data, config); err != nil {
			return nil, false, errors.Wrap(err, "failed to parse config")
		}
		if err := config.Validate(); err != nil {
			return nil, false, errors.Wrapf(err, "invalid config %s", configPath)
		}
		return config, false, nil
	}

	if err := SaveConfig(config, configPath); err != nil {
		return nil, false, err
	}
	return config, true, nil
}

func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.VideoDir == "" {
		return errors.New("video_dir is required")
	}
	if c.Backend != camera.BackendAuto && !lo.Contains(camera.Backends, c.Backend) {
		return errors.Errorf("unknown backend %q, want %s or one of %v", c.Backend, camera.BackendAuto, camera.Backends)
	}
	if c.FrameBuffers < 1 {
		return errors.Errorf("frame_buffers must be at least 1, got %d", c.FrameBuffers)
	}
	if _, err := c.StorageThresholdBytes(); err != nil {
		return err
	}
	if c.SegmentLengthS <= 0 {
		return errors.Errorf("segment_length_s must be positive, got %d", c.SegmentLengthS)
	}
	if c.CaptureIntervalMS <= 0 || c.ControlIntervalMS <= 0 {
		return errors.New("capture_interval_ms and control_interval_ms must be positive")
	}
	if c.PublishWaitMS < 0 || c.TakeWaitMS < 0 {
		return errors.New("publish_wait_ms and take_wait_ms must not be negative")
	}
	for _, p := range []camera.Profile{c.Profiles.Idle, c.Profiles.Streaming, c.Profiles.Recording} {
		if p.Width <= 0 || p.Height <= 0 || p.FPS <= 0 {
			return errors.Errorf("profile %q: width, height and fps must be positive", p.Name)
		}
	}
	return nil
}

// StorageThresholdBytes parses the human readable threshold, binary units.
func (c *Config) StorageThresholdBytes() (uint64, error) {
	n, err := units.RAMInBytes(c.StorageThreshold)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid storage_threshold %q", c.StorageThreshold)
	}
	if n < 0 {
		return 0, errors.Errorf("storage_threshold %q is negative", c.StorageThreshold)
	}
	return uint64(n), nil
}

func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentLengthS) * time.Second
}

func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.CaptureIntervalMS) * time.Millisecond
}

func (c *Config) ControlInterval() time.Duration {
	return time.Duration(c.ControlIntervalMS) * time.Millisecond
}

func (c *Config) BrokerTimeouts() camera.BrokerTimeouts {
	return camera.BrokerTimeouts{
		Publish: time.Duration(c.PublishWaitMS) * time.Millisecond,
		Take:    time.Duration(c.TakeWaitMS) * time.Millisecond,
	}
}
