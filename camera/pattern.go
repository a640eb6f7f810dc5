package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// patternSource synthesises JPEG frames: a sweeping bar with a frame counter and
// timestamp. It stands in for a sensor on machines without one.
type patternSource struct {
	clk    clock.Clock
	logger Logger
	pool   *framePool

	mu      sync.Mutex
	profile Profile
	count   uint64
	closed  bool
}

// NewPatternSource returns a synthetic source. It is ready after the first Configure.
func NewPatternSource(buffers int, clk clock.Clock, logger Logger) FrameSource {
	if clk == nil {
		clk = clock.New()
	}
	return &patternSource{
		clk:    clk,
		logger: logger,
		pool:   newFramePool(buffers),
	}
}

func (s *patternSource) Get() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStopped
	}
	if s.profile.Width == 0 || s.profile.Height == 0 {
		return nil, ErrNoFrame
	}

	idx, buf, ok := s.pool.get()
	if !ok {
		return nil, ErrNoFrame
	}

	now := s.clk.Now()
	s.count++
	img := s.render(now)

	out := bytes.NewBuffer(buf)
	if err := imaging.Encode(out, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality(s.profile.Quality))); err != nil {
		s.pool.put(idx, buf)
		return nil, errors.Wrap(err, "failed to encode pattern frame")
	}
	return &Frame{Data: out.Bytes(), CapturedAt: now, Index: idx}, nil
}

func (s *patternSource) render(now time.Time) image.Image {
	w, h := s.profile.Width, s.profile.Height
	img := imaging.New(w, h, color.NRGBA{R: 16, G: 48, B: 96, A: 255})

	barWidth := w / 8
	if barWidth < 1 {
		barWidth = 1
	}
	bar := imaging.New(barWidth, h, color.NRGBA{R: 230, G: 160, B: 40, A: 255})
	x := int(s.count*4) % w
	img = imaging.Paste(img, bar, image.Pt(x, 0))

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 18),
	}
	d.DrawString(now.Format("2006-01-02 15:04:05.000"))
	d.Dot = fixed.P(8, 36)
	d.DrawString(fmt.Sprintf("%s #%d", s.profile.Name, s.count))

	if s.profile.Grayscale {
		return imaging.Grayscale(img)
	}
	return img
}

func (s *patternSource) Release(f *Frame) {
	if f == nil {
		return
	}
	if !s.pool.put(f.Index, f.Data) {
		s.logger.Printf("[WARN] pattern: release of buffer %d that is not held", f.Index)
	}
}

func (s *patternSource) Configure(p Profile) error {
	if n := s.pool.outstanding(); n > 0 {
		return errors.Errorf("pattern: %d frames outstanding", n)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", p.Width, p.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}
	s.profile = p
	return nil
}

func (s *patternSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
