package framebus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/care/rheed/internal/types"
)

// ErrDropped is returned by a Sink that could not accept a frame without blocking
var ErrDropped = errors.New("frame dropped")

// Sink receives distributed frames.
//
// SendFrame must not block: a sink that cannot keep up returns an error and
// the frame is counted as dropped for that sink. Frames are handed over in
// arrival order; sinks must treat frame buffers as read-only.
type Sink interface {
	ID() string
	SendFrame(frame types.Frame) error
}

// Bus distributes frames to multiple sinks with drop policy
type Bus struct {
	sinks []Sink

	mu                sync.RWMutex
	framesDistributed uint64
	droppedBySink     map[string]uint64
}

// New creates a new FrameBus
func New() *Bus {
	return &Bus{
		sinks:         make([]Sink, 0),
		droppedBySink: make(map[string]uint64),
	}
}

// Register adds a sink to receive frames
func (b *Bus) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.sinks {
		if s.ID() == sink.ID() {
			return
		}
	}

	// Copy-on-write so Distribute can iterate without holding the lock.
	sinks := make([]Sink, 0, len(b.sinks)+1)
	sinks = append(sinks, b.sinks...)
	b.sinks = append(sinks, sink)
	b.droppedBySink[sink.ID()] = 0

	slog.Info("sink registered to framebus",
		"sink_id", sink.ID(),
		"total_sinks", len(b.sinks),
	)
}

// Unregister removes a sink from receiving frames
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sinks := make([]Sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		if s.ID() != id {
			sinks = append(sinks, s)
		}
	}
	b.sinks = sinks
	delete(b.droppedBySink, id)

	slog.Info("sink unregistered from framebus",
		"sink_id", id,
		"total_sinks", len(b.sinks),
	)
}

// Distribute sends a frame to all registered sinks
func (b *Bus) Distribute(frame types.Frame) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	var dropped []string
	for _, sink := range sinks {
		if err := sink.SendFrame(frame); err != nil {
			dropped = append(dropped, sink.ID())

			slog.Debug("frame dropped for sink",
				"sink_id", sink.ID(),
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
		}
	}

	b.mu.Lock()
	b.framesDistributed++
	for _, id := range dropped {
		if _, ok := b.droppedBySink[id]; ok {
			b.droppedBySink[id]++
		}
	}
	b.mu.Unlock()
}

// Stats returns bus statistics
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := make(map[string]uint64)
	for k, v := range b.droppedBySink {
		dropped[k] = v
	}

	return Stats{
		SinksCount:        len(b.sinks),
		FramesDistributed: b.framesDistributed,
		DroppedBySink:     dropped,
	}
}

// Stats contains bus statistics
type Stats struct {
	SinksCount        int
	FramesDistributed uint64
	DroppedBySink     map[string]uint64
}

// RunStatsLogger logs bus statistics every interval until done is closed,
// warning when a sink drops most of what it is sent.
func (b *Bus) RunStatsLogger(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevStats := b.Stats()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats := b.Stats()
			deltaDistributed := stats.FramesDistributed - prevStats.FramesDistributed

			for sinkID, dropped := range stats.DroppedBySink {
				deltaDropped := dropped - prevStats.DroppedBySink[sinkID]
				if deltaDistributed == 0 {
					continue
				}

				dropRate := float64(deltaDropped) / float64(deltaDistributed)
				if dropRate > 0.80 {
					slog.Warn("sink high drop rate detected",
						"sink_id", sinkID,
						"drop_rate_pct", int(dropRate*100),
						"dropped_last_interval", deltaDropped,
						"frames_last_interval", deltaDistributed,
					)
				}
			}

			fields := []any{
				"sinks", stats.SinksCount,
				"distributed", stats.FramesDistributed,
			}
			for sinkID, dropped := range stats.DroppedBySink {
				if dropped > 0 {
					fields = append(fields, sinkID+"_dropped", dropped)
				}
			}
			slog.Debug("framebus stats", fields...)

			prevStats = stats
		}
	}
}
