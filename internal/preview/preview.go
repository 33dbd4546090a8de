// Package preview polls the latest-frame mailbox at the display rate and
// keeps a JPEG rendering of the newest frame for HTTP clients.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/rheed/internal/mailbox"
	"github.com/care/rheed/internal/types"
)

// Snapshot is an encoded preview frame
type Snapshot struct {
	JPEG       []byte
	Seq        uint64
	SourceID   string
	CapturedAt time.Time
	Width      int
	Height     int
}

// Poller renders the newest mailbox frame. Frames the poller did not get to
// are never rendered; the producer is never slowed by the preview.
type Poller struct {
	mb      *mailbox.Mailbox
	fps     int
	quality int

	mu   sync.RWMutex
	snap *Snapshot

	img *image.RGBA
	buf bytes.Buffer

	encoded atomic.Uint64
	repeats atomic.Uint64
	failed  atomic.Uint64
}

// NewPoller creates a poller reading mb fps times per second
func NewPoller(mb *mailbox.Mailbox, fps, quality int) *Poller {
	if fps <= 0 {
		fps = 60
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Poller{mb: mb, fps: fps, quality: quality}
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll renders the newest frame if it changed since the last poll
func (p *Poller) Poll() {
	frame, ok := p.mb.Latest()
	if !ok {
		return
	}

	p.mu.RLock()
	prev := p.snap
	p.mu.RUnlock()
	if prev != nil && prev.Seq == frame.Seq && prev.SourceID == frame.SourceID {
		p.repeats.Add(1)
		return
	}

	data, err := p.encode(frame)
	if err != nil {
		p.failed.Add(1)
		slog.Debug("preview encode failed", "frame_seq", frame.Seq, "error", err)
		return
	}

	p.mu.Lock()
	p.snap = &Snapshot{
		JPEG:       data,
		Seq:        frame.Seq,
		SourceID:   frame.SourceID,
		CapturedAt: frame.CapturedAt,
		Width:      frame.Width,
		Height:     frame.Height,
	}
	p.mu.Unlock()
	p.encoded.Add(1)
}

// Clear forgets the current snapshot, e.g. after the source changed
func (p *Poller) Clear() {
	p.mu.Lock()
	p.snap = nil
	p.mu.Unlock()
}

// Latest returns the newest snapshot
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snap == nil {
		return Snapshot{}, false
	}
	return *p.snap, true
}

// encode runs on the poller goroutine only
func (p *Poller) encode(frame types.Frame) ([]byte, error) {
	n := frame.Width * frame.Height
	if n == 0 || len(frame.Data) != n*3 {
		return nil, fmt.Errorf("invalid BGR data size: got %d, expected %d", len(frame.Data), n*3)
	}
	if p.img == nil || p.img.Rect.Dx() != frame.Width || p.img.Rect.Dy() != frame.Height {
		p.img = image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	}

	pix := p.img.Pix
	for i := 0; i < n; i++ {
		pix[i*4+0] = frame.Data[i*3+2]
		pix[i*4+1] = frame.Data[i*3+1]
		pix[i*4+2] = frame.Data[i*3+0]
		pix[i*4+3] = 255
	}

	p.buf.Reset()
	if err := jpeg.Encode(&p.buf, p.img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}
	return bytes.Clone(p.buf.Bytes()), nil
}

// ServeHTTP serves the newest snapshot as image/jpeg
func (p *Poller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap, ok := p.Latest()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(snap.Seq, 10))
	w.Header().Set("X-Source-Id", snap.SourceID)
	w.Write(snap.JPEG)
}

// Save writes the newest snapshot into dir.
//
// Filename format: frame_{seq:06d}_{timestamp}.jpg
func (p *Poller) Save(dir string) (string, error) {
	snap, ok := p.Latest()
	if !ok {
		return "", fmt.Errorf("no frame available")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := fmt.Sprintf("frame_%06d_%s.jpg", snap.Seq, snap.CapturedAt.Format("20060102_150405.000"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, snap.JPEG, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}

// Stats contains poller counters
type Stats struct {
	Encoded uint64 `json:"encoded"`
	Repeats uint64 `json:"repeats"`
	Failed  uint64 `json:"failed"`
}

// Stats returns poller counters
func (p *Poller) Stats() Stats {
	return Stats{
		Encoded: p.encoded.Load(),
		Repeats: p.repeats.Load(),
		Failed:  p.failed.Load(),
	}
}
