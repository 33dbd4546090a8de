package emitter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/rheed/internal/types"
)

// SampleBatch is a group of consecutive brightness samples
type SampleBatch struct {
	Instance string         `msgpack:"instance" json:"instance"`
	Batch    uint64         `msgpack:"batch" json:"batch"`
	Samples  []types.Sample `msgpack:"samples" json:"samples"`
}

// EncodeBatch marshals a batch to MsgPack
func EncodeBatch(b SampleBatch) ([]byte, error) {
	return msgpack.Marshal(b)
}

// DecodeBatch unmarshals a MsgPack batch
func DecodeBatch(data []byte) (SampleBatch, error) {
	var b SampleBatch
	err := msgpack.Unmarshal(data, &b)
	return b, err
}

// Batcher groups samples and flushes them when the batch is full or the
// interval elapses. Add never blocks: samples arriving while the inbox is
// full are counted and dropped.
type Batcher struct {
	instance string
	max      int
	interval time.Duration
	flush    func(SampleBatch)

	in      chan types.Sample
	batches atomic.Uint64
	dropped atomic.Uint64
}

// NewBatcher creates a batcher. flush runs on the batcher goroutine.
func NewBatcher(instance string, max int, interval time.Duration, flush func(SampleBatch)) *Batcher {
	if max <= 0 {
		max = 64
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Batcher{
		instance: instance,
		max:      max,
		interval: interval,
		flush:    flush,
		in:       make(chan types.Sample, max*4),
	}
}

// Add queues a sample
func (b *Batcher) Add(s types.Sample) {
	select {
	case b.in <- s:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of samples dropped at the inbox
func (b *Batcher) Dropped() uint64 { return b.dropped.Load() }

// Run flushes batches until ctx is cancelled, then flushes what is pending
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make([]types.Sample, 0, b.max)
	emit := func() {
		if len(pending) == 0 {
			return
		}
		b.flush(SampleBatch{
			Instance: b.instance,
			Batch:    b.batches.Add(1),
			Samples:  pending,
		})
		pending = make([]types.Sample, 0, b.max)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case s := <-b.in:
					pending = append(pending, s)
				default:
					emit()
					return
				}
			}
		case s := <-b.in:
			pending = append(pending, s)
			if len(pending) >= b.max {
				emit()
			}
		case <-ticker.C:
			emit()
		}
	}
}
