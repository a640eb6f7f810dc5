package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	// SegmentPrefix and SegmentExt frame the zero-padded sequence number of a recording file.
	SegmentPrefix = "rec_"
	SegmentExt    = ".mjpg"

	segmentDigits = 3
)

// Segment is one recording file in the recordings directory.
type Segment struct {
	Name    string    `json:"name"`
	Seq     int       `json:"seq"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// SegmentName returns the file name for sequence number seq, e.g. rec_007.mjpg.
func SegmentName(seq int) string {
	return fmt.Sprintf("%s%0*d%s", SegmentPrefix, segmentDigits, seq, SegmentExt)
}

// ParseSegmentName extracts the sequence number from a recording file name.
// Names with fewer than three digits, a non-positive number or any path component are rejected.
func ParseSegmentName(name string) (int, bool) {
	if filepath.Base(name) != name {
		return 0, false
	}
	if !strings.HasPrefix(name, SegmentPrefix) || !strings.HasSuffix(name, SegmentExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, SegmentPrefix), SegmentExt)
	if len(digits) < segmentDigits {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	seq, err := strconv.Atoi(digits)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

// ListSegments returns the recordings in dir ordered by sequence number, oldest first.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read recordings directory")
	}

	segments := lo.FilterMap(entries, func(entry os.DirEntry, _ int) (Segment, bool) {
		if entry.IsDir() {
			return Segment{}, false
		}
		seq, ok := ParseSegmentName(entry.Name())
		if !ok {
			return Segment{}, false
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			return Segment{}, false
		}
		return Segment{
			Name:    entry.Name(),
			Seq:     seq,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}, true
	})

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Seq < segments[j].Seq
	})
	return segments, nil
}

// NextSegmentName returns the name following the highest sequence number present in dir,
// starting at 1. It does not pick the lowest unused number: with rec_002 and rec_003
// present it returns rec_004, not rec_001. Numbers freed by eviction are never reused,
// so sequence order stays recording order and the lowest number is always the oldest.
func NextSegmentName(dir string) (string, int, error) {
	segments, err := ListSegments(dir)
	if err != nil {
		return "", 0, err
	}
	next := 1
	if len(segments) > 0 {
		next = segments[len(segments)-1].Seq + 1
	}
	return SegmentName(next), next, nil
}
