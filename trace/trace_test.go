package trace

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
)

// countingReader returns an incrementing value per read, optionally failing
// after a set number of reads.
type countingReader struct {
	next      uint32
	failAfter int
}

var errLink = errors.New("link lost")

func (r *countingReader) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if r.failAfter > 0 {
		r.failAfter--
		if r.failAfter == 0 {
			return 0, errLink
		}
	}
	v := r.next
	r.next++
	return v, nil
}

func TestSampler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &Sampler{Addr: 0x20000000}
	out := make(chan Sample)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, &countingReader{}, out) }()
	var samples []Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, <-out)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %s", err)
	}
	for i, smp := range samples {
		if smp.Value != uint32(i) {
			t.Errorf("sample %d = %d, want %d", i, smp.Value, i)
		}
		if i > 0 && smp.Timestamp.Before(samples[i-1].Timestamp) {
			t.Errorf("sample %d timestamp went backwards", i)
		}
	}
}

func TestSamplerReadError(t *testing.T) {
	ctx := context.Background()
	s := &Sampler{Addr: 0x20000000}
	out := make(chan Sample, 16)
	err := s.Run(ctx, &countingReader{failAfter: 4}, out)
	if errors.Cause(err) != errLink {
		t.Fatalf("err = %v, want the read error", err)
	}
	if len(out) != 3 {
		t.Fatalf("%d samples delivered before the failure, want 3", len(out))
	}
}

func TestSamplerRestart(t *testing.T) {
	// A sampler carries no link state: after a failed run it picks up
	// against a fresh reader.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &Sampler{Addr: 0x20000000}
	out := make(chan Sample, 16)
	if err := s.Run(ctx, &countingReader{failAfter: 1}, out); err == nil {
		t.Fatalf("first run should have failed")
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, &countingReader{next: 100}, out) }()
	if smp := <-out; smp.Value != 100 {
		t.Fatalf("first sample after restart = %d, want 100", smp.Value)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after restart: %s", err)
	}
}

func TestSamplerInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &Sampler{Addr: 0x20000000, Interval: time.Millisecond}
	out := make(chan Sample)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, &countingReader{}, out) }()
	first := <-out
	second := <-out
	cancel()
	<-done
	if d := second.Timestamp.Sub(first.Timestamp); d < time.Millisecond/2 {
		t.Fatalf("samples %s apart, want the interval respected", d)
	}
}
