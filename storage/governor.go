package storage

import (
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/atomic"
)

const BytesPerGB = 1024 * 1024 * 1024

// ErrInsufficientSpace is returned by ReclaimIfNeeded when free space is below the
// threshold and there is no recording left that may be evicted.
var ErrInsufficientSpace = errors.New("insufficient storage space")

// Usage is the capacity of the filesystem holding the recordings.
type Usage struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// UsageFunc reports filesystem usage for path.
type UsageFunc func(path string) (Usage, error)

// DiskUsage reads filesystem usage through statfs.
func DiskUsage(path string) (Usage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return Usage{}, errors.Wrapf(err, "failed to stat filesystem at %s", path)
	}
	return Usage{Total: stat.Total, Used: stat.Used, Free: stat.Free}, nil
}

// State is a point-in-time view of storage capacity. It is recomputed on every call.
type State struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Free      uint64 `json:"free"`
	Threshold uint64 `json:"threshold"`
}

// BelowThreshold reports whether free space has dropped under the threshold.
func (s State) BelowThreshold() bool {
	return s.Free < s.Threshold
}

// FreeGB returns free space in GiB.
func (s State) FreeGB() float64 {
	return float64(s.Free) / BytesPerGB
}

// UsedRatio returns used/total, or 0 for an unknown total.
func (s State) UsedRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Total)
}

// Reclaim describes the outcome of one ReclaimIfNeeded call.
type Reclaim struct {
	Before  State
	Evicted string
}

// Governor keeps free space above a threshold by deleting the oldest recording.
type Governor struct {
	dir       string
	threshold uint64
	usage     UsageFunc
	logger    Logger
	active    atomic.String
}

// Option customises a Governor.
type Option func(*Governor)

// WithUsageFunc replaces the statfs based usage source.
func WithUsageFunc(fn UsageFunc) Option {
	return func(g *Governor) {
		g.usage = fn
	}
}

// NewGovernor creates the recordings directory if needed and returns a governor for it.
func NewGovernor(dir string, threshold uint64, logger Logger, opts ...Option) (*Governor, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create recordings directory")
	}

	g := &Governor{
		dir:       dir,
		threshold: threshold,
		usage:     DiskUsage,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Dir returns the recordings directory.
func (g *Governor) Dir() string {
	return g.dir
}

// SetActive marks name as the file currently open for writing; it is never evicted.
// An empty name clears the mark.
func (g *Governor) SetActive(name string) {
	g.active.Store(name)
}

// Active returns the file currently open for writing, if any.
func (g *Governor) Active() string {
	return g.active.Load()
}

// State computes the current storage state.
func (g *Governor) State() (State, error) {
	u, err := g.usage(g.dir)
	if err != nil {
		return State{}, err
	}
	return State{
		Total:     u.Total,
		Used:      u.Used,
		Free:      u.Free,
		Threshold: g.threshold,
	}, nil
}

// ReclaimIfNeeded deletes the recording with the lowest sequence number when free space is
// below the threshold. At most one file is removed per call; callers invoke it again before
// each new segment, so a sustained shortfall is reclaimed one segment at a time.
func (g *Governor) ReclaimIfNeeded() (Reclaim, error) {
	st, err := g.State()
	if err != nil {
		return Reclaim{}, err
	}
	result := Reclaim{Before: st}
	if !st.BelowThreshold() {
		return result, nil
	}

	g.logger.Printf("Storage below threshold: %s free, %s required",
		units.BytesSize(float64(st.Free)), units.BytesSize(float64(st.Threshold)))

	segments, err := ListSegments(g.dir)
	if err != nil {
		return result, err
	}

	active := g.active.Load()
	victim, ok := lo.Find(segments, func(s Segment) bool {
		return s.Name != active
	})
	if !ok {
		return result, ErrInsufficientSpace
	}

	if err := os.Remove(filepath.Join(g.dir, victim.Name)); err != nil {
		return result, errors.Wrapf(err, "failed to delete %s", victim.Name)
	}
	result.Evicted = victim.Name

	g.logger.Printf("Deleted old recording: %s (modified: %s, size: %s)",
		victim.Name,
		victim.ModTime.Format("2006-01-02 15:04:05"),
		units.BytesSize(float64(victim.Size)))

	return result, nil
}
