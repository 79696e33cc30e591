package main

// The trace command: samples one word of target memory at a fixed cadence
// and streams (timestamp, value) records to stdout, in a text form or as
// little-endian binary records suitable for piping into a plotter.

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mdbg/session"
	"github.com/mongoose-os/mdbg/trace"
)

var (
	traceInterval = flag.Duration("trace-interval", 10*time.Millisecond, "Sampling interval")
	traceBinary   = flag.Bool("trace-binary", false, "Emit binary records (8-byte usec timestamp + 4-byte value, LE) instead of text")
)

func traceCmd(ctx context.Context, s *session.Session, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	samples := make(chan trace.Sample, 64)
	done := make(chan error, 1)
	sampler := &trace.Sampler{Addr: addr, Interval: *traceInterval}
	go func() {
		done <- sampler.Run(ctx, s, samples)
	}()
	start := time.Now()
	for {
		select {
		case sm := <-samples:
			if *traceBinary {
				binary.Write(out, binary.LittleEndian, uint64(sm.Timestamp.Sub(start)/time.Microsecond))
				binary.Write(out, binary.LittleEndian, sm.Value)
			} else {
				fmt.Fprintf(out, "%.6f %d\n", sm.Timestamp.Sub(start).Seconds(), sm.Value)
			}
		case err := <-done:
			return errors.Trace(err)
		}
	}
}
