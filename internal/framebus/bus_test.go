package framebus

import (
	"sync"
	"testing"

	"github.com/care/rheed/internal/types"
)

// chanSink is a test sink backed by a buffered channel.
type chanSink struct {
	id string
	ch chan types.Frame
}

func newChanSink(id string, buffer int) *chanSink {
	return &chanSink{id: id, ch: make(chan types.Frame, buffer)}
}

func (s *chanSink) ID() string { return s.id }

func (s *chanSink) SendFrame(f types.Frame) error {
	select {
	case s.ch <- f:
		return nil
	default:
		return ErrDropped
	}
}

func TestBusDistributesToAllSinks(t *testing.T) {
	bus := New()
	a := newChanSink("analysis", 10)
	r := newChanSink("recorder", 10)
	bus.Register(a)
	bus.Register(r)

	for seq := uint64(1); seq <= 5; seq++ {
		bus.Distribute(types.Frame{Seq: seq})
	}

	for _, s := range []*chanSink{a, r} {
		if len(s.ch) != 5 {
			t.Fatalf("sink %s received %d frames, want 5", s.id, len(s.ch))
		}
		for want := uint64(1); want <= 5; want++ {
			if got := (<-s.ch).Seq; got != want {
				t.Fatalf("sink %s got seq %d, want %d (arrival order)", s.id, got, want)
			}
		}
	}

	stats := bus.Stats()
	if stats.FramesDistributed != 5 || stats.SinksCount != 2 {
		t.Errorf("Stats() = %+v, want 5 frames to 2 sinks", stats)
	}
}

// A full sink drops frames without affecting the other sinks.
func TestBusDropPolicyIsPerSink(t *testing.T) {
	bus := New()
	slow := newChanSink("slow", 1)
	fast := newChanSink("fast", 100)
	bus.Register(slow)
	bus.Register(fast)

	for seq := uint64(1); seq <= 10; seq++ {
		bus.Distribute(types.Frame{Seq: seq})
	}

	stats := bus.Stats()
	if stats.DroppedBySink["slow"] != 9 {
		t.Errorf("slow dropped = %d, want 9", stats.DroppedBySink["slow"])
	}
	if stats.DroppedBySink["fast"] != 0 {
		t.Errorf("fast dropped = %d, want 0", stats.DroppedBySink["fast"])
	}
	if len(fast.ch) != 10 {
		t.Errorf("fast received %d frames, want 10", len(fast.ch))
	}
}

func TestBusRegisterUnregister(t *testing.T) {
	bus := New()
	s := newChanSink("preview", 10)
	bus.Register(s)
	bus.Register(s) // duplicate id ignored

	if got := bus.Stats().SinksCount; got != 1 {
		t.Fatalf("SinksCount = %d, want 1", got)
	}

	bus.Unregister("preview")
	bus.Distribute(types.Frame{Seq: 1})
	if len(s.ch) != 0 {
		t.Fatal("unregistered sink still received a frame")
	}
}

// Registering while distributing must be race-free.
func TestBusConcurrentRegister(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			bus.Distribute(types.Frame{Seq: uint64(i)})
		}
	}()

	for i := 0; i < 10; i++ {
		bus.Register(newChanSink(string(rune('a'+i)), 1))
	}
	wg.Wait()

	if got := bus.Stats().SinksCount; got != 10 {
		t.Errorf("SinksCount = %d, want 10", got)
	}
}
