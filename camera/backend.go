package camera

import (
	"os"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	BackendAuto    = "auto"
	BackendRpicam  = "rpicam"
	BackendV4L2    = "v4l2"
	BackendFFmpeg  = "ffmpeg"
	BackendPattern = "pattern"

	DefaultDevice  = "/dev/video0"
	DefaultBuffers = 2
)

// Backends lists the accepted backend names in auto-detection order.
var Backends = []string{BackendRpicam, BackendV4L2, BackendFFmpeg, BackendPattern}

// SourceConfig selects and configures a capture backend.
type SourceConfig struct {
	Backend string
	Device  string
	// Buffers is the number of frames that may be held at once.
	Buffers int
	// Initial is applied before the source is returned.
	Initial Profile
	Clock   clock.Clock
	Logger  Logger
}

// NewSource opens the configured backend and applies the initial profile. With
// BackendAuto every backend is tried in order and the first one that configures wins.
func NewSource(cfg SourceConfig) (FrameSource, string, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}

	if cfg.Backend != "" && cfg.Backend != BackendAuto {
		src, err := openBackend(cfg.Backend, cfg)
		if err != nil {
			return nil, "", err
		}
		return src, cfg.Backend, nil
	}

	var errs error
	for _, name := range Backends {
		if !backendPresent(name, cfg) {
			continue
		}
		src, err := openBackend(name, cfg)
		if err != nil {
			cfg.Logger.Printf("[WARN] Capture backend %s unavailable: %v", name, err)
			errs = multierr.Append(errs, err)
			continue
		}
		return src, name, nil
	}
	return nil, "", errors.Wrap(errs, "no capture backend available")
}

// backendPresent is a cheap check run before a backend is opened during auto detection.
func backendPresent(name string, cfg SourceConfig) bool {
	switch name {
	case BackendRpicam:
		return IsCSICamera(cfg.Logger)
	case BackendV4L2, BackendFFmpeg:
		if _, err := os.Stat(cfg.Device); err != nil {
			cfg.Logger.Debugf("Device %s not found: %v", cfg.Device, err)
			return false
		}
		return name == BackendV4L2 || isFFmpegUsable(cfg.Logger)
	}
	return true
}

func openBackend(name string, cfg SourceConfig) (FrameSource, error) {
	var (
		src FrameSource
		err error
	)
	switch name {
	case BackendRpicam:
		src = newPipeSource(name, rpicamCommand, cfg.Buffers, cfg.Clock, cfg.Logger)
	case BackendFFmpeg:
		src = newPipeSource(name, ffmpegCommand(cfg.Device), cfg.Buffers, cfg.Clock, cfg.Logger)
	case BackendV4L2:
		src, err = newV4L2Source(cfg.Device, cfg.Buffers, cfg.Clock, cfg.Logger)
	case BackendPattern:
		src = NewPatternSource(cfg.Buffers, cfg.Clock, cfg.Logger)
	default:
		return nil, errors.Errorf("unknown capture backend %q", name)
	}
	if err != nil {
		return nil, err
	}

	if err := src.Configure(cfg.Initial); err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "%s: initial configuration", name), src.Close())
	}
	cfg.Logger.Printf("Capture backend: %s", name)
	return src, nil
}
