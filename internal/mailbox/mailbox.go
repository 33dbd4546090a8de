// Package mailbox provides a single-slot latest-frame cell.
//
// The producer overwrites the slot on every frame; readers copy the frame out
// under the lock and work on their private copy. A slow reader therefore never
// slows the producer and never causes unbounded buffering: frames it did not
// read are simply replaced.
package mailbox

import (
	"sync"
	"sync/atomic"

	"github.com/care/rheed/internal/types"
)

// Mailbox holds the most recent frame.
type Mailbox struct {
	mu    sync.Mutex
	frame types.Frame
	full  bool
	// unread is true until the current frame is read at least once
	unread bool

	puts      atomic.Uint64
	overwrite atomic.Uint64
	reads     atomic.Uint64
}

// New creates an empty mailbox.
func New() *Mailbox {
	return &Mailbox{}
}

// Put stores frame, replacing any previous one.
//
// Non-blocking apart from the slot lock. If the previous frame was never
// read the overwrite counter is incremented.
//
// Contract: the caller must not modify frame buffers after Put.
func (m *Mailbox) Put(frame types.Frame) {
	m.mu.Lock()
	if m.full && m.unread {
		m.overwrite.Add(1)
	}
	m.frame = frame
	m.full = true
	m.unread = true
	m.mu.Unlock()

	m.puts.Add(1)
}

// Latest returns a private copy of the newest frame. ok is false when the
// mailbox is empty.
func (m *Mailbox) Latest() (types.Frame, bool) {
	m.mu.Lock()
	if !m.full {
		m.mu.Unlock()
		return types.Frame{}, false
	}
	f := m.frame
	m.unread = false
	m.mu.Unlock()

	m.reads.Add(1)
	// Buffers are immutable by contract, so the deep copy happens outside the lock.
	return f.Clone(), true
}

// Reset empties the mailbox, e.g. when the active source changes.
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.frame = types.Frame{}
	m.full = false
	m.unread = false
	m.mu.Unlock()
}

// Stats contains mailbox counters
type Stats struct {
	Puts        uint64 `json:"puts"`
	Reads       uint64 `json:"reads"`
	Overwritten uint64 `json:"overwritten"`
}

// Stats returns mailbox counters.
func (m *Mailbox) Stats() Stats {
	return Stats{
		Puts:        m.puts.Load(),
		Reads:       m.reads.Load(),
		Overwritten: m.overwrite.Load(),
	}
}
