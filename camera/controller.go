package camera

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// Mode is the operating mode of the sensor.
type Mode int32

const (
	Idle Mode = iota
	Streaming
	Recording
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "IDLE"
	case Streaming:
		return "STREAMING"
	case Recording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}

// ParseMode accepts the String form of a mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "IDLE":
		return Idle, nil
	case "STREAMING":
		return Streaming, nil
	case "RECORDING":
		return Recording, nil
	}
	return Idle, errors.Errorf("unknown mode %q", s)
}

const (
	DefaultCaptureInterval = 50 * time.Millisecond
	DefaultControlInterval = 40 * time.Millisecond
	DefaultSegmentDuration = time.Hour

	errorLogInterval = 5 * time.Second
	fpsWindow        = time.Second
)

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	Source   FrameSource
	Broker   *FrameBroker
	Governor StorageGovernor
	// Dir is the flat directory recordings are written to.
	Dir string

	SegmentDuration time.Duration
	CaptureInterval time.Duration
	ControlInterval time.Duration
	Profiles        Profiles

	Clock  clock.Clock
	Logger Logger
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode      string         `json:"mode"`
	FPS       float64        `json:"fps"`
	Broker    BrokerStats    `json:"broker"`
	Session   *SessionStatus `json:"session,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

type modeRequest struct {
	target Mode
	reply  chan error
}

// Controller owns the sensor. It runs two loops: the capture loop publishes frames to
// the broker while streaming, and the control loop applies mode requests and appends
// frames to the recording session while recording. Only the control loop changes mode.
type Controller struct {
	cfg ControllerConfig

	mode     atomic.Int32
	requests chan modeRequest
	done     chan struct{}

	// captureMu is held by the capture tick and by every transition, so the sensor is
	// never reconfigured with a frame in flight.
	captureMu sync.Mutex

	// owned by the control loop
	session     *RecordingSession
	windowStart time.Time

	sessionStatus atomic.Pointer[SessionStatus]
	lastErr       atomic.Error
	delivered     atomic.Uint64
	fps           atomic.Float64

	captureErrs rate.Sometimes
	recordErrs  rate.Sometimes
}

// NewController returns an idle controller. Neither loop is started.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = DefaultCaptureInterval
	}
	if cfg.ControlInterval <= 0 {
		cfg.ControlInterval = DefaultControlInterval
	}

	return &Controller{
		cfg:         cfg,
		requests:    make(chan modeRequest),
		done:        make(chan struct{}),
		windowStart: cfg.Clock.Now(),
		captureErrs: rate.Sometimes{Interval: errorLogInterval},
		recordErrs:  rate.Sometimes{Interval: errorLogInterval},
	}
}

// Mode returns the current mode. It may be stale by one transition.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

func (c *Controller) setMode(m Mode) {
	c.mode.Store(int32(m))
}

// RequestMode asks the control loop to switch to target and waits for the outcome.
// Entering Streaming or Recording from anything but Idle fails with ErrBusy.
func (c *Controller) RequestMode(ctx context.Context, target Mode) error {
	if target != Idle && c.Mode() != Idle {
		return ErrBusy
	}

	req := modeRequest{target: target, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) StartStreaming(ctx context.Context) error {
	return c.RequestMode(ctx, Streaming)
}

func (c *Controller) StartRecording(ctx context.Context) error {
	return c.RequestMode(ctx, Recording)
}

// Stop returns to Idle. When it returns the recording is closed and the broker drained.
func (c *Controller) Stop(ctx context.Context) error {
	return c.RequestMode(ctx, Idle)
}

// TakeFrame hands out the newest streamed frame, at most once.
func (c *Controller) TakeFrame() (Snapshot, error) {
	if c.Mode() != Streaming {
		return Snapshot{}, ErrNotReady
	}
	snap, err := c.cfg.Broker.Take()
	if err != nil {
		return Snapshot{}, err
	}
	c.delivered.Inc()
	return snap, nil
}

// Done is closed once the control loop has exited and the device is idle.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// RunCapture runs the capture loop until ctx is cancelled.
func (c *Controller) RunCapture(ctx context.Context) error {
	ticker := c.cfg.Clock.Ticker(c.cfg.CaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.captureTick()
		}
	}
}

func (c *Controller) captureTick() {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	if c.Mode() != Streaming {
		return
	}

	f, err := c.cfg.Source.Get()
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			c.captureErrs.Do(func() {
				c.cfg.Logger.Printf("[WARN] Capture failed: %v", err)
			})
		}
		return
	}
	if err := c.cfg.Broker.Publish(f); err != nil {
		c.cfg.Logger.Debugf("Frame dropped: %v", err)
	}
}

// RunControl runs the control loop until ctx is cancelled, then stops synchronously.
// It must be called once.
func (c *Controller) RunControl(ctx context.Context) error {
	defer close(c.done)

	ticker := c.cfg.Clock.Ticker(c.cfg.ControlInterval)
	defer ticker.Stop()
	c.windowStart = c.cfg.Clock.Now()

	for {
		select {
		case <-ctx.Done():
			if err := c.transition(Idle); err != nil {
				c.cfg.Logger.Printf("[WARN] Shutdown stop: %v", err)
			}
			return nil
		case req := <-c.requests:
			req.reply <- c.transition(req.target)
		case <-ticker.C:
			c.controlTick()
		}
	}
}

func (c *Controller) transition(target Mode) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	if target == Idle {
		return c.stopLocked()
	}
	if c.Mode() != Idle {
		return ErrBusy
	}

	switch target {
	case Streaming:
		return c.startStreamingLocked()
	case Recording:
		return c.startRecordingLocked()
	}
	return errors.Errorf("unknown mode %d", target)
}

func (c *Controller) startStreamingLocked() error {
	if err := c.cfg.Source.Configure(c.cfg.Profiles.Streaming); err != nil {
		return c.fail(newFault(ErrSensor, errors.Wrap(err, "failed to apply streaming profile")))
	}
	c.cfg.Broker.Drain()
	c.setMode(Streaming)
	c.cfg.Logger.Printf("Streaming started (%dx%d)", c.cfg.Profiles.Streaming.Width, c.cfg.Profiles.Streaming.Height)
	return nil
}

func (c *Controller) startRecordingLocked() error {
	session, err := OpenRecordingSession(SessionConfig{
		Dir:             c.cfg.Dir,
		SegmentDuration: c.cfg.SegmentDuration,
		Governor:        c.cfg.Governor,
		Clock:           c.cfg.Clock,
		Logger:          c.cfg.Logger,
	})
	if err != nil {
		return c.fail(newFault(ErrStorage, err))
	}

	if err := c.cfg.Source.Configure(c.cfg.Profiles.Recording); err != nil {
		if derr := session.Discard(); derr != nil {
			c.cfg.Logger.Printf("[WARN] Failed to discard recording: %v", derr)
		}
		return c.fail(newFault(ErrSensor, errors.Wrap(err, "failed to apply recording profile")))
	}

	c.session = session
	c.publishSession()
	c.setMode(Recording)
	return nil
}

// stopLocked is a no-op when already idle.
func (c *Controller) stopLocked() error {
	if c.Mode() == Idle && c.session == nil {
		return nil
	}

	var err error
	if c.session != nil {
		if cerr := c.session.Close(); cerr != nil {
			err = multierr.Append(err, newFault(ErrStorage, cerr))
		}
		c.session = nil
		c.sessionStatus.Store(nil)
	}
	c.cfg.Broker.Drain()
	if cerr := c.cfg.Source.Configure(c.cfg.Profiles.Idle); cerr != nil {
		err = multierr.Append(err, newFault(ErrSensor, errors.Wrap(cerr, "failed to apply idle profile")))
	}
	c.setMode(Idle)
	c.cfg.Logger.Printf("Stopped, device idle")

	if err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Controller) fail(err error) error {
	c.lastErr.Store(err)
	c.cfg.Logger.Printf("[ERROR] %v", err)
	return err
}

func (c *Controller) controlTick() {
	now := c.cfg.Clock.Now()
	if elapsed := now.Sub(c.windowStart); elapsed >= fpsWindow {
		c.fps.Store(float64(c.delivered.Swap(0)) / elapsed.Seconds())
		c.windowStart = now
	}

	if c.Mode() == Recording && c.session != nil {
		c.recordTick()
	}
}

// recordTick rolls the segment over when due, then appends one frame. The rollover
// happens before Get so no captured frame is lost at a segment boundary.
func (c *Controller) recordTick() {
	if c.session.Due() {
		if err := c.session.Rollover(); err != nil {
			c.abortRecording(err)
			return
		}
		c.publishSession()
	}

	f, err := c.cfg.Source.Get()
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			c.recordErrs.Do(func() {
				c.cfg.Logger.Printf("[WARN] Capture failed: %v", err)
			})
		}
		return
	}

	err = c.session.Append(f)
	c.cfg.Source.Release(f)
	if err != nil {
		c.abortRecording(err)
		return
	}
	c.delivered.Inc()
	c.publishSession()
}

func (c *Controller) abortRecording(cause error) {
	c.fail(newFault(ErrStorage, cause))
	c.cfg.Logger.Printf("Recording aborted, returning to idle")

	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	if err := c.stopLocked(); err != nil {
		c.cfg.Logger.Printf("[WARN] Stop after storage fault: %v", err)
	}
}

func (c *Controller) publishSession() {
	st := c.session.Status()
	c.sessionStatus.Store(&st)
}

// Status returns the current mode, counters and recording progress.
func (c *Controller) Status() Status {
	st := Status{
		Mode:    c.Mode().String(),
		FPS:     c.fps.Load(),
		Broker:  c.cfg.Broker.Stats(),
		Session: c.sessionStatus.Load(),
	}
	if err := c.lastErr.Load(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// FPS returns frames delivered per second over the last completed window.
func (c *Controller) FPS() float64 {
	return c.fps.Load()
}
