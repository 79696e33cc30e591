package trace

// Memory sampling for live tracing: repeatedly reads one word of target
// memory and emits timestamped samples. Works while the core is running,
// since MEM-AP access does not require halt. Encoding of the sample stream
// is the consumer's business.

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Sample is one observed value. Each sample is one complete, consistent
// word read at the moment it was issued.
type Sample struct {
	Timestamp time.Time
	Value     uint32
}

// WordReader is the slice of the session surface a sampler needs.
type WordReader interface {
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
}

// Sampler produces an unbounded sequence of samples of one memory address.
// A sampler holds no link state of its own: after a failure and reattach,
// calling Run again with the new session resumes sampling.
type Sampler struct {
	Addr uint32
	// Interval is the sampling cadence. Zero means sample as fast as the
	// link allows.
	Interval time.Duration
}

// Run samples until ctx is cancelled or a read fails, delivering samples
// to out in order. The channel is not closed: it is caller-owned and may
// outlive this attach. Returns nil on cancellation.
func (s *Sampler) Run(ctx context.Context, r WordReader, out chan<- Sample) error {
	glog.V(1).Infof("sampling 0x%08x every %s", s.Addr, s.Interval)
	var tick <-chan time.Time
	if s.Interval > 0 {
		t := time.NewTicker(s.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		value, err := r.ReadWord(ctx, s.Addr)
		if err != nil {
			return errors.Annotatef(err, "sample of 0x%08x failed", s.Addr)
		}
		sample := Sample{Timestamp: time.Now(), Value: value}
		select {
		case out <- sample:
		case <-ctx.Done():
			return nil
		}
		if tick == nil {
			if err := ctx.Err(); err != nil {
				return nil
			}
			continue
		}
		select {
		case <-tick:
		case <-ctx.Done():
			return nil
		}
	}
}
