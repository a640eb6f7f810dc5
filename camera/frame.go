package camera

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoFrame means the source has nothing new to hand out right now. It is a normal
	// condition; callers retry on their next tick.
	ErrNoFrame = errors.New("no frame available")

	// ErrNotReady is returned by Take when the slot is empty or already served.
	ErrNotReady = errors.New("frame not ready")

	// ErrContended is returned when the frame slot lock is not acquired in time.
	ErrContended = errors.New("frame slot busy")

	// ErrBusy rejects a mode change while another mode is active.
	ErrBusy = errors.New("device busy")

	// ErrSensor marks a failed sensor reconfiguration.
	ErrSensor = errors.New("sensor fault")

	// ErrStorage marks a failure to open or write a recording.
	ErrStorage = errors.New("storage fault")

	// ErrStopped is returned for requests made after the control loop has exited.
	ErrStopped = errors.New("controller stopped")
)

// fault tags an underlying error with one of the sentinel kinds above so callers can
// branch with errors.Is while the cause stays in the message and the Unwrap chain.
type fault struct {
	kind error
	err  error
}

func newFault(kind, err error) error {
	return &fault{kind: kind, err: err}
}

func (f *fault) Error() string {
	return f.kind.Error() + ": " + f.err.Error()
}

func (f *fault) Unwrap() error {
	return f.err
}

func (f *fault) Is(target error) bool {
	return target == f.kind
}

// Frame is one compressed image handed out by a FrameSource. Data is only valid until
// the frame is given back with Release; whoever holds the *Frame owns it.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
	// Index identifies the source buffer backing Data.
	Index uint32
}

// Len returns the number of image bytes.
func (f *Frame) Len() int {
	return len(f.Data)
}

// FrameSource is the capture device. Every frame returned by Get must be passed to
// Release exactly once.
type FrameSource interface {
	// Get returns the next frame or ErrNoFrame. It never blocks for long.
	Get() (*Frame, error)
	Release(f *Frame)
	// Configure applies a capture profile. No frame may be outstanding.
	Configure(p Profile) error
	Close() error
}

// Profile is a sensor configuration.
type Profile struct {
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FPS       int    `json:"fps"`
	Quality   int    `json:"quality"` // 2-31, lower = higher quality
	Grayscale bool   `json:"grayscale"`
}

// Profiles holds the sensor configuration used in each mode.
type Profiles struct {
	Idle      Profile `json:"idle"`
	Streaming Profile `json:"streaming"`
	Recording Profile `json:"recording"`
}

// DefaultProfiles favours frame rate while streaming and detail while recording.
func DefaultProfiles() Profiles {
	return Profiles{
		Idle:      Profile{Name: "idle", Width: 352, Height: 288, FPS: 20, Quality: 8},
		Streaming: Profile{Name: "streaming", Width: 320, Height: 240, FPS: 20, Quality: 12, Grayscale: true},
		Recording: Profile{Name: "recording", Width: 640, Height: 480, FPS: 20, Quality: 4},
	}
}

// jpegQuality maps the 2-31 scale onto the 1-100 scale used by JPEG encoders.
func jpegQuality(q int) int {
	if q < 2 {
		q = 2
	}
	if q > 31 {
		q = 31
	}
	return 100 - (q-2)*3
}

// framePool is a fixed set of reusable buffers standing in for driver-owned frame
// buffers. A source that runs out of free buffers reports ErrNoFrame.
type framePool struct {
	mu   sync.Mutex
	bufs [][]byte
	held []bool
}

func newFramePool(n int) *framePool {
	if n < 1 {
		n = 1
	}
	return &framePool{
		bufs: make([][]byte, n),
		held: make([]bool, n),
	}
}

func (p *framePool) get() (uint32, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, held := range p.held {
		if !held {
			p.held[i] = true
			return uint32(i), p.bufs[i][:0], true
		}
	}
	return 0, nil, false
}

// put returns a buffer, keeping its grown capacity. It reports false if the buffer
// was not held.
func (p *framePool) put(idx uint32, buf []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(idx) >= len(p.held) || !p.held[idx] {
		return false
	}
	p.held[idx] = false
	p.bufs[idx] = buf
	return true
}

func (p *framePool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, held := range p.held {
		if held {
			n++
		}
	}
	return n
}
