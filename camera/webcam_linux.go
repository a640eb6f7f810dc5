//go:build linux

package camera

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

const (
	// V4L2_PIX_FMT_MJPEG
	pixFmtMJPEG webcam.PixelFormat = 0x47504A4D

	ctrlSaturation  webcam.ControlID = 0x00980902 // V4L2_CID_SATURATION
	ctrlJPEGQuality webcam.ControlID = 0x009d0903 // V4L2_CID_JPEG_COMPRESSION_QUALITY
)

// v4l2Source reads MJPEG frames straight out of the driver's mmap buffers. A Frame
// aliases driver memory until it is released.
type v4l2Source struct {
	path    string
	buffers uint32
	clk     clock.Clock
	logger  Logger

	mu   sync.Mutex
	cam  *webcam.Webcam
	held map[uint32]bool
}

func newV4L2Source(path string, buffers int, clk clock.Clock, logger Logger) (FrameSource, error) {
	if path == "" {
		path = DefaultDevice
	}
	if buffers < 1 {
		buffers = 1
	}

	// Probe so auto detection can move on when the device is missing or lacks MJPEG.
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open webcam %s", path)
	}
	formats := cam.GetSupportedFormats()
	if _, ok := formats[pixFmtMJPEG]; !ok {
		cam.Close()
		return nil, errors.Errorf("%s does not support MJPEG, supported: %v", path, formats)
	}
	cam.Close()

	return &v4l2Source{
		path:    path,
		buffers: uint32(buffers),
		clk:     clk,
		logger:  logger,
		held:    make(map[uint32]bool),
	}, nil
}

func (s *v4l2Source) Get() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cam == nil {
		return nil, ErrNoFrame
	}
	if uint32(len(s.held)) >= s.buffers {
		return nil, ErrNoFrame
	}

	if err := s.cam.WaitForFrame(0); err != nil {
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			return nil, ErrNoFrame
		}
		return nil, errors.Wrap(err, "couldn't get webcam frame")
	}

	data, index, err := s.cam.GetFrame()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read webcam frame")
	}
	if len(data) == 0 {
		_ = s.cam.ReleaseFrame(index)
		return nil, ErrNoFrame
	}

	s.held[index] = true
	return &Frame{Data: data, CapturedAt: s.clk.Now(), Index: index}, nil
}

func (s *v4l2Source) Release(f *Frame) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.held[f.Index] {
		s.logger.Printf("[WARN] v4l2: release of buffer %d that is not held", f.Index)
		return
	}
	delete(s.held, f.Index)
	if s.cam != nil {
		if err := s.cam.ReleaseFrame(f.Index); err != nil {
			s.logger.Printf("[WARN] v4l2: release buffer %d: %v", f.Index, err)
		}
	}
}

// Configure reopens the device: the format cannot change while buffers are mapped.
func (s *v4l2Source) Configure(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.held); n > 0 {
		return errors.Errorf("v4l2: %d frames outstanding", n)
	}
	if s.cam != nil {
		if err := s.cam.Close(); err != nil {
			s.logger.Debugf("v4l2: close: %v", err)
		}
		s.cam = nil
	}

	cam, err := webcam.Open(s.path)
	if err != nil {
		return errors.Wrapf(err, "cannot open webcam %s", s.path)
	}

	_, w, h, err := cam.SetImageFormat(pixFmtMJPEG, uint32(p.Width), uint32(p.Height))
	if err != nil {
		cam.Close()
		return errors.Wrap(err, "cannot set image format")
	}
	if err := cam.SetBufferCount(s.buffers); err != nil {
		cam.Close()
		return errors.Wrapf(err, "cannot set buffer count for %s", s.path)
	}

	// Not every driver exposes these controls.
	if err := cam.SetControl(ctrlJPEGQuality, int32(jpegQuality(p.Quality))); err != nil {
		s.logger.Debugf("v4l2: jpeg quality control: %v", err)
	}
	saturation := int32(64)
	if p.Grayscale {
		saturation = 0
	}
	if err := cam.SetControl(ctrlSaturation, saturation); err != nil {
		s.logger.Debugf("v4l2: saturation control: %v", err)
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return errors.Wrapf(err, "cannot start webcam stream for %s", s.path)
	}

	s.cam = cam
	s.logger.Printf("v4l2: %s configured for %s at %dx%d", s.path, p.Name, w, h)
	return nil
}

func (s *v4l2Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cam == nil {
		return nil
	}
	err := s.cam.Close()
	s.cam = nil
	return err
}
