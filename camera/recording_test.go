package camera

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"survcam/storage"
)

func newTestSession(t *testing.T, dir string, usage storage.UsageFunc) (*RecordingSession, *storage.Governor, *clock.Mock) {
	t.Helper()
	logger := newTestLogger(t)
	gov, err := storage.NewGovernor(dir, 2*gib, logger, storage.WithUsageFunc(usage))
	test.That(t, err, test.ShouldBeNil)

	mock := clock.NewMock()
	s, err := OpenRecordingSession(SessionConfig{
		Dir:             dir,
		SegmentDuration: time.Hour,
		Governor:        gov,
		Clock:           mock,
		Logger:          logger,
	})
	test.That(t, err, test.ShouldBeNil)
	return s, gov, mock
}

func TestSessionOpensFirstSegment(t *testing.T) {
	dir := t.TempDir()
	s, gov, _ := newTestSession(t, dir, plentyOfSpace)

	st := s.Status()
	test.That(t, st.File, test.ShouldEqual, "rec_001.mjpg")
	test.That(t, st.Seq, test.ShouldEqual, 1)
	test.That(t, st.ID, test.ShouldNotBeEmpty)
	test.That(t, gov.Active(), test.ShouldEqual, "rec_001.mjpg")

	test.That(t, s.Append(&Frame{Data: stubFrameData(1)}), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, gov.Active(), test.ShouldEqual, "")

	err := s.Append(&Frame{Data: stubFrameData(2)})
	test.That(t, err, test.ShouldNotBeNil)

	data, err := os.ReadFile(filepath.Join(dir, "rec_001.mjpg"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldResemble, stubFrameData(1))
}

func TestSessionContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	for _, seq := range []int{4, 5} {
		err := os.WriteFile(filepath.Join(dir, storage.SegmentName(seq)), stubFrameData(uint32(seq)), 0644)
		test.That(t, err, test.ShouldBeNil)
	}

	s, _, _ := newTestSession(t, dir, plentyOfSpace)
	defer s.Close()
	test.That(t, s.Status().File, test.ShouldEqual, "rec_006.mjpg")

	// Existing recordings are untouched.
	data, err := os.ReadFile(filepath.Join(dir, "rec_005.mjpg"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldResemble, stubFrameData(5))
}

func TestSessionRollover(t *testing.T) {
	dir := t.TempDir()
	s, gov, mock := newTestSession(t, dir, plentyOfSpace)

	test.That(t, s.Due(), test.ShouldBeFalse)
	mock.Add(59 * time.Minute)
	test.That(t, s.Due(), test.ShouldBeFalse)
	mock.Add(time.Minute)
	test.That(t, s.Due(), test.ShouldBeTrue)

	test.That(t, s.Append(&Frame{Data: stubFrameData(1)}), test.ShouldBeNil)
	test.That(t, s.Rollover(), test.ShouldBeNil)

	st := s.Status()
	test.That(t, st.File, test.ShouldEqual, "rec_002.mjpg")
	test.That(t, st.SegmentIndex, test.ShouldEqual, 1)
	test.That(t, st.Frames, test.ShouldEqual, uint64(0))
	test.That(t, st.SegmentStartedAt, test.ShouldEqual, mock.Now())
	test.That(t, s.Due(), test.ShouldBeFalse)
	test.That(t, gov.Active(), test.ShouldEqual, "rec_002.mjpg")

	test.That(t, s.Close(), test.ShouldBeNil)
	segments, err := storage.ListSegments(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, segments, test.ShouldHaveLength, 2)
	test.That(t, segments[0].Size, test.ShouldEqual, int64(len(stubFrameData(1))))
	test.That(t, segments[1].Size, test.ShouldEqual, int64(0))
}

func TestSessionReclaimsBeforeOpening(t *testing.T) {
	dir := t.TempDir()
	for _, seq := range []int{1, 2} {
		err := os.WriteFile(filepath.Join(dir, storage.SegmentName(seq)), stubFrameData(uint32(seq)), 0644)
		test.That(t, err, test.ShouldBeNil)
	}
	lowSpace := func(string) (storage.Usage, error) {
		return storage.Usage{Total: 16 * gib, Used: 15 * gib, Free: gib}, nil
	}

	s, _, _ := newTestSession(t, dir, lowSpace)
	defer s.Close()
	test.That(t, s.Status().File, test.ShouldEqual, "rec_003.mjpg")

	segments, err := storage.ListSegments(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, segments, test.ShouldHaveLength, 2)
	test.That(t, segments[0].Name, test.ShouldEqual, "rec_002.mjpg")
	test.That(t, segments[1].Name, test.ShouldEqual, "rec_003.mjpg")
}

func TestSessionOpensWhenNothingToEvict(t *testing.T) {
	dir := t.TempDir()
	full := func(string) (storage.Usage, error) {
		return storage.Usage{Total: 16 * gib, Used: 16 * gib}, nil
	}

	s, _, _ := newTestSession(t, dir, full)
	test.That(t, s.Status().File, test.ShouldEqual, "rec_001.mjpg")
	test.That(t, s.Close(), test.ShouldBeNil)
}

func TestSessionDiscard(t *testing.T) {
	dir := t.TempDir()
	s, gov, _ := newTestSession(t, dir, plentyOfSpace)

	test.That(t, s.Discard(), test.ShouldBeNil)
	test.That(t, gov.Active(), test.ShouldEqual, "")
	_, err := os.Stat(filepath.Join(dir, "rec_001.mjpg"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	// A segment with data is kept.
	s, _, _ = newTestSession(t, dir, plentyOfSpace)
	test.That(t, s.Append(&Frame{Data: stubFrameData(1)}), test.ShouldBeNil)
	test.That(t, s.Discard(), test.ShouldBeNil)
	_, err = os.Stat(filepath.Join(dir, "rec_001.mjpg"))
	test.That(t, err, test.ShouldBeNil)
}
