package camera

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// BrokerTimeouts bounds how long Publish and Take wait for the frame slot.
type BrokerTimeouts struct {
	Publish time.Duration
	Take    time.Duration
}

// DefaultBrokerTimeouts keeps the producer within a fraction of its capture interval.
func DefaultBrokerTimeouts() BrokerTimeouts {
	return BrokerTimeouts{
		Publish: 10 * time.Millisecond,
		Take:    5 * time.Millisecond,
	}
}

// Snapshot is a consumer-owned copy of a published frame.
type Snapshot struct {
	Data       []byte
	CapturedAt time.Time
	Seq        uint64
}

// BrokerStats counts slot activity since creation.
type BrokerStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`  // new frames released because the slot was locked
	Replaced  uint64 `json:"replaced"` // unconsumed frames overwritten by a newer one
	Served    uint64 `json:"served"`
}

// FrameBroker is a single-slot exchange between the capture producer and on-demand
// consumers. Only the newest frame survives: a publish replaces whatever is held and
// hands the old frame back to the source. Lock acquisition is bounded on both sides.
type FrameBroker struct {
	source   FrameSource
	timeouts BrokerTimeouts
	sem      *semaphore.Weighted

	// guarded by sem; nil once served
	frame *Frame
	seq   uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	replaced  atomic.Uint64
	served    atomic.Uint64
}

// NewFrameBroker creates an empty broker that releases frames back to source.
func NewFrameBroker(source FrameSource, timeouts BrokerTimeouts) *FrameBroker {
	return &FrameBroker{
		source:   source,
		timeouts: timeouts,
		sem:      semaphore.NewWeighted(1),
	}
}

func (b *FrameBroker) acquire(wait time.Duration) bool {
	if b.sem.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return b.sem.Acquire(ctx, 1) == nil
}

// Publish stores f as the newest frame. If the slot cannot be locked in time f is
// released immediately and ErrContended returned; the producer never blocks longer
// than the publish timeout.
func (b *FrameBroker) Publish(f *Frame) error {
	if !b.acquire(b.timeouts.Publish) {
		b.source.Release(f)
		b.dropped.Inc()
		return ErrContended
	}
	defer b.sem.Release(1)

	if b.frame != nil {
		b.replaced.Inc()
		b.source.Release(b.frame)
	}
	b.frame = f
	b.seq++
	b.published.Inc()
	return nil
}

// Take returns a copy of the newest frame if it has not been served yet. The copy is
// made under the slot lock and the source buffer goes back to the source right away,
// so a served frame never pins one of the source's buffers.
func (b *FrameBroker) Take() (Snapshot, error) {
	if !b.acquire(b.timeouts.Take) {
		return Snapshot{}, ErrContended
	}
	defer b.sem.Release(1)

	if b.frame == nil {
		return Snapshot{}, ErrNotReady
	}
	f := b.frame
	b.frame = nil
	b.served.Inc()

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	b.source.Release(f)
	return Snapshot{Data: data, CapturedAt: f.CapturedAt, Seq: b.seq}, nil
}

// Drain releases the held frame, if any, and empties the slot. Unlike Publish and
// Take it waits for the lock without a bound.
func (b *FrameBroker) Drain() {
	_ = b.sem.Acquire(context.Background(), 1)
	defer b.sem.Release(1)

	if b.frame != nil {
		b.source.Release(b.frame)
		b.frame = nil
	}
}

// Stats returns the broker counters.
func (b *FrameBroker) Stats() BrokerStats {
	return BrokerStats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Replaced:  b.replaced.Load(),
		Served:    b.served.Load(),
	}
}
