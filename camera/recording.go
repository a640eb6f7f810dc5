package camera

import (
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"survcam/storage"
)

// StorageGovernor frees space before each new segment and protects the open one.
type StorageGovernor interface {
	ReclaimIfNeeded() (storage.Reclaim, error)
	SetActive(name string)
}

// SessionStatus describes the segment being written.
type SessionStatus struct {
	ID               string    `json:"id"`
	File             string    `json:"file"`
	Seq              int       `json:"seq"`
	SegmentIndex     int       `json:"segment_index"`
	SegmentStartedAt time.Time `json:"segment_started_at"`
	Frames           uint64    `json:"frames"`
	Bytes            int64     `json:"bytes"`
}

// SessionConfig configures a RecordingSession.
type SessionConfig struct {
	Dir             string
	SegmentDuration time.Duration
	Governor        StorageGovernor
	Clock           clock.Clock
	Logger          Logger
}

// RecordingSession appends frames to numbered segment files in a flat directory,
// rolling over to a new file once a segment has been open for SegmentDuration.
// A session always has exactly one open file between Open and Close.
type RecordingSession struct {
	cfg SessionConfig
	id  string

	file         *os.File
	name         string
	seq          int
	startedAt    time.Time
	segmentIndex int
	frames       uint64
	bytes        int64
}

// OpenRecordingSession reclaims space if needed and opens the first segment.
func OpenRecordingSession(cfg SessionConfig) (*RecordingSession, error) {
	s := &RecordingSession{
		cfg: cfg,
		id:  uuid.NewString(),
	}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

// openSegment allocates the next sequential name, gives the governor one chance to
// evict the oldest segment and creates the file. O_EXCL guarantees no overwrite.
func (s *RecordingSession) openSegment() error {
	name, seq, err := storage.NextSegmentName(s.cfg.Dir)
	if err != nil {
		return err
	}

	if r, err := s.cfg.Governor.ReclaimIfNeeded(); err != nil {
		// Not fatal: if space really ran out the create or a later write fails.
		s.cfg.Logger.Printf("[WARN] Session %s: storage reclaim: %v", s.id, err)
	} else if r.Evicted != "" {
		s.cfg.Logger.Debugf("Session %s: evicted %s before %s", s.id, r.Evicted, name)
	}

	file, err := os.OpenFile(filepath.Join(s.cfg.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", name)
	}

	s.file = file
	s.name = name
	s.seq = seq
	s.startedAt = s.cfg.Clock.Now()
	s.frames = 0
	s.bytes = 0
	s.cfg.Governor.SetActive(name)

	s.cfg.Logger.Printf("Recording started: %s (session %s, segment %d)", name, s.id, s.segmentIndex)
	return nil
}

func (s *RecordingSession) closeSegment() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.cfg.Governor.SetActive("")
	if err != nil {
		return errors.Wrapf(err, "failed to close %s", s.name)
	}
	s.cfg.Logger.Printf("Recording saved: %s (%d frames, %s)", s.name, s.frames, units.HumanSize(float64(s.bytes)))
	return nil
}

// Due reports whether the open segment has reached the segment duration.
func (s *RecordingSession) Due() bool {
	return s.cfg.Clock.Since(s.startedAt) >= s.cfg.SegmentDuration
}

// Append writes the frame bytes to the open segment. The caller keeps ownership of f.
func (s *RecordingSession) Append(f *Frame) error {
	if s.file == nil {
		return errors.New("no open segment")
	}
	n, err := s.file.Write(f.Data)
	s.bytes += int64(n)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", s.name)
	}
	s.frames++
	return nil
}

// Rollover closes the current segment and opens the next one.
func (s *RecordingSession) Rollover() error {
	s.cfg.Logger.Printf("Segment duration reached. Starting new file.")
	if err := s.closeSegment(); err != nil {
		return err
	}
	s.segmentIndex++
	return s.openSegment()
}

// Close closes the open segment. It is safe to call more than once.
func (s *RecordingSession) Close() error {
	return s.closeSegment()
}

// Discard closes the open segment and removes it if nothing was written to it.
func (s *RecordingSession) Discard() error {
	path := filepath.Join(s.cfg.Dir, s.name)
	empty := s.frames == 0
	if err := s.closeSegment(); err != nil {
		return err
	}
	if empty {
		return os.Remove(path)
	}
	return nil
}

// Status returns a snapshot of the session.
func (s *RecordingSession) Status() SessionStatus {
	return SessionStatus{
		ID:               s.id,
		File:             s.name,
		Seq:              s.seq,
		SegmentIndex:     s.segmentIndex,
		SegmentStartedAt: s.startedAt,
		Frames:           s.frames,
		Bytes:            s.bytes,
	}
}
