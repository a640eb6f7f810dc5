package camera

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"survcam/storage"
)

type testLogger struct {
	*zap.SugaredLogger
}

func (l testLogger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

func newTestLogger(t *testing.T) testLogger {
	return testLogger{zaptest.NewLogger(t).Sugar()}
}

// stubSource hands out numbered frames and counts ownership violations.
type stubSource struct {
	mu           sync.Mutex
	next         uint32
	empty        bool
	getErr       error
	configureErr error

	held           map[uint32]bool
	released       []uint32
	doubleReleases int
	busyConfigures int
	configured     []string
	closed         bool
}

func newStubSource() *stubSource {
	return &stubSource{held: make(map[uint32]bool)}
}

func stubFrameData(idx uint32) []byte {
	return []byte{0xFF, 0xD8, byte(idx >> 8), byte(idx), 0xFF, 0xD9}
}

func (s *stubSource) Get() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.empty {
		return nil, ErrNoFrame
	}
	s.next++
	s.held[s.next] = true
	return &Frame{Data: stubFrameData(s.next), CapturedAt: time.Unix(int64(s.next), 0), Index: s.next}, nil
}

func (s *stubSource) Release(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held[f.Index] {
		s.doubleReleases++
		return
	}
	delete(s.held, f.Index)
	s.released = append(s.released, f.Index)
}

func (s *stubSource) Configure(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.held) > 0 {
		s.busyConfigures++
	}
	if s.configureErr != nil {
		return s.configureErr
	}
	s.configured = append(s.configured, p.Name)
	return nil
}

func (s *stubSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSource) setEmpty(empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.empty = empty
}

func (s *stubSource) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *stubSource) releasedFrames() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.released...)
}

func (s *stubSource) profiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.configured...)
}

// checkOwnership asserts every frame went back exactly once and none was in flight
// during a reconfiguration.
func (s *stubSource) checkOwnership(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	test.That(t, s.held, test.ShouldBeEmpty)
	test.That(t, s.doubleReleases, test.ShouldEqual, 0)
	test.That(t, s.busyConfigures, test.ShouldEqual, 0)
}

const gib = 1 << 30

func plentyOfSpace(string) (storage.Usage, error) {
	return storage.Usage{Total: 16 * gib, Used: 8 * gib, Free: 8 * gib}, nil
}

type controllerHarness struct {
	c     *Controller
	src   *stubSource
	gov   *storage.Governor
	clock *clock.Mock
	dir   string
}

func newHarness(t *testing.T, opts ...func(*ControllerConfig)) *controllerHarness {
	t.Helper()
	logger := newTestLogger(t)
	dir := t.TempDir()
	src := newStubSource()
	mock := clock.NewMock()

	gov, err := storage.NewGovernor(dir, 2*gib, logger, storage.WithUsageFunc(plentyOfSpace))
	test.That(t, err, test.ShouldBeNil)

	cfg := ControllerConfig{
		Source:          src,
		Broker:          NewFrameBroker(src, BrokerTimeouts{Publish: 5 * time.Millisecond, Take: 5 * time.Millisecond}),
		Governor:        gov,
		Dir:             dir,
		SegmentDuration: time.Minute,
		Profiles:        DefaultProfiles(),
		Clock:           mock,
		Logger:          logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &controllerHarness{
		c:     NewController(cfg),
		src:   src,
		gov:   gov,
		clock: mock,
		dir:   dir,
	}
}
