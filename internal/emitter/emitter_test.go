package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/care/rheed/internal/config"
	"github.com/care/rheed/internal/types"
)

func TestBatcherFlushesWhenFull(t *testing.T) {
	var (
		mu      sync.Mutex
		batches []SampleBatch
	)
	b := NewBatcher("lab", 4, time.Hour, func(sb SampleBatch) {
		mu.Lock()
		batches = append(batches, sb)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		b.Add(types.Sample{T: float64(i) * 0.01, Brightness: float64(i), Seq: uint64(i)})
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d full batches, want 2", n)
		}
		time.Sleep(time.Millisecond)
	}

	// The remainder is flushed on shutdown
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	var seq uint64
	for i, sb := range batches {
		if sb.Batch != uint64(i+1) {
			t.Errorf("batch %d numbered %d", i, sb.Batch)
		}
		for _, s := range sb.Samples {
			if s.Seq != seq {
				t.Fatalf("sample seq %d, want %d", s.Seq, seq)
			}
			seq++
		}
	}
	if len(batches[2].Samples) != 2 {
		t.Errorf("final batch has %d samples, want 2", len(batches[2].Samples))
	}
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	got := make(chan SampleBatch, 1)
	b := NewBatcher("lab", 100, 10*time.Millisecond, func(sb SampleBatch) { got <- sb })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Add(types.Sample{T: 1, Brightness: 42})
	select {
	case sb := <-got:
		if len(sb.Samples) != 1 || sb.Samples[0].Brightness != 42 {
			t.Errorf("batch = %+v", sb)
		}
	case <-time.After(time.Second):
		t.Fatal("interval flush did not happen")
	}
}

func TestBatchEncoding(t *testing.T) {
	in := SampleBatch{
		Instance: "lab",
		Batch:    7,
		Samples:  []types.Sample{{T: 0.5, Brightness: 120.25, Seq: 3}},
	}
	data, err := EncodeBatch(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeBatch(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Instance != "lab" || out.Batch != 7 || len(out.Samples) != 1 || out.Samples[0] != in.Samples[0] {
		t.Errorf("decoded batch = %+v", out)
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	cfg := &config.Config{InstanceID: "lab"}
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}
	e := NewMQTTEmitter(cfg)

	if err := e.PublishStatus(map[string]string{"state": "idle"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishStatus() without connection = %v, want ErrNotConnected", err)
	}
	if err := e.PublishSamples(SampleBatch{}); err == nil {
		t.Fatal("PublishSamples() without connection succeeded")
	}
	if s := e.Stats(); s.Errors != 2 || s.Connected {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost:1883", "tcp://localhost:1883"},
		{"tcp://broker.lab:1883", "tcp://broker.lab:1883"},
		{"ssl://broker.lab:8883", "ssl://broker.lab:8883"},
		{"ws://broker.lab:9001/mqtt", "ws://broker.lab:9001/mqtt"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.in); got != tt.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
