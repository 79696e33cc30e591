package transport

import (
	"context"
)

// Transport is the capability contract a debug probe adapter must provide.
// The engine treats the probe as an opaque bit pipe: it drives bit sequences
// onto the SWD wire, samples bit sequences off it, and can reset the link.
// Probe-specific framing (HID reports, USB bulk packets, vendor command
// sets) is entirely the adapter's business.
//
// Bits are packed LSB-first into bytes, the same order they appear on the
// wire. A Transport is owned by exactly one Session at a time and all calls
// on it are strictly sequential.
type Transport interface {
	// WriteBits clocks out n bits from data, driving the data line.
	WriteBits(ctx context.Context, data []byte, n int) error
	// ReadBits clocks n cycles with the data line released and returns the
	// sampled bits. Turnaround cycles are expressed as 1-bit reads whose
	// result the caller discards.
	ReadBits(ctx context.Context, n int) ([]byte, error)
	// ResetLink re-establishes the electrical link with the target,
	// e.g. after a protocol error left the target mid-transaction.
	ResetLink(ctx context.Context) error
	// Close releases the probe.
	Close(ctx context.Context) error
}

// Info is optionally implemented by adapters that can report probe limits
// and identity. MaxTransferWords is the largest number of 32-bit words the
// probe can move in one request; the MEM-AP driver chunks block transfers
// to it.
type Info interface {
	MaxTransferWords() int
	ProbeName() string
}

// NumBytes returns the number of bytes needed to hold n bits.
func NumBytes(n int) int {
	return (n + 7) / 8
}
