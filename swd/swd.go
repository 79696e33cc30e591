package swd

// SWD wire protocol codec: assembles request frames, decodes acknowledge
// fields and moves the data phases over a transport.Transport.
// Framing per the ARM Debug Interface v5 spec, B4.2.

import (
	"context"
	"math/bits"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/transport"
)

type Port uint8

const (
	PortDP Port = iota
	PortAP
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

// Request is a single DP or AP register transaction. Reg is the byte
// address of the register; only bits [3:2] go on the wire, bank selection
// is the register engine's business.
type Request struct {
	Port Port
	Op   Op
	Reg  uint8
	Data uint32
}

// Ack is the 3-bit acknowledge field, LSB transmitted first.
type Ack uint8

const (
	AckOK    Ack = 1
	AckWait  Ack = 2
	AckFault Ack = 4
)

var (
	// ErrParity is returned when the data parity check fails on a read.
	ErrParity = errors.New("data parity mismatch")
	// ErrNoResponse is returned when the target did not drive the ack
	// field at all (line reads all ones), i.e. a protocol error.
	ErrNoResponse = errors.New("no response from target")
)

type Codec struct {
	t transport.Transport
}

func NewCodec(t transport.Transport) *Codec {
	return &Codec{t: t}
}

// header assembles the 8-bit request: start, APnDP, RnW, A[2:3], odd
// parity over the preceding four bits, stop, park.
func header(req Request) uint8 {
	var h uint8 = 1 // Start bit.
	if req.Port == PortAP {
		h |= 1 << 1
	}
	if req.Op == OpRead {
		h |= 1 << 2
	}
	h |= (req.Reg >> 2 & 1) << 3
	h |= (req.Reg >> 3 & 1) << 4
	h |= uint8(bits.OnesCount8(h>>1)&1) << 5
	// Stop bit is 0.
	h |= 1 << 7 // Park bit.
	return h
}

// Transfer performs one complete SWD transaction: request header, ack
// phase, then the data phase if the target acknowledged OK. The acknowledge
// code is returned to the caller, which owns retry and fault policy.
// For reads the returned value is only meaningful when ack is AckOK and
// err is nil.
func (c *Codec) Transfer(ctx context.Context, req Request) (uint32, Ack, error) {
	glog.V(4).Infof("transfer %s", req)
	// Two idle cycles ahead of the request, then the 8 header bits.
	hdr := []byte{header(req) << 2, header(req) >> 6}
	if err := c.t.WriteBits(ctx, hdr, 10); err != nil {
		return 0, 0, errors.Annotatef(err, "failed to send request header")
	}
	// The target takes the line after the park bit and drives the 3 ack
	// bits on the next cycles.
	ab, err := c.t.ReadBits(ctx, 3)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "failed to read ack")
	}
	ack := Ack(ab[0] & 7)
	if ack != AckOK {
		if err := c.finishAborted(ctx); err != nil {
			return 0, ack, errors.Trace(err)
		}
		if ack != AckWait && ack != AckFault {
			return 0, ack, errors.Annotatef(ErrNoResponse, "ack %03b", uint8(ack))
		}
		return 0, ack, nil
	}
	if req.Op == OpRead {
		// 32 data bits and the parity bit follow immediately, then one
		// turnaround cycle returns the line to us.
		db, err := c.t.ReadBits(ctx, 33)
		if err != nil {
			return 0, ack, errors.Annotatef(err, "failed to read data")
		}
		if _, err := c.t.ReadBits(ctx, 1); err != nil {
			return 0, ack, errors.Annotatef(err, "failed to read turnaround")
		}
		value := uint32(db[0]) | uint32(db[1])<<8 | uint32(db[2])<<16 | uint32(db[3])<<24
		parity := db[4] & 1
		if uint8(bits.OnesCount32(value)&1) != parity {
			return 0, ack, errors.Annotatef(ErrParity, "read 0x%08x parity %d", value, parity)
		}
		glog.V(4).Infof("transfer %s == 0x%08x", req, value)
		return value, ack, nil
	}
	// Writes: two turnaround cycles give the line back to us, then we
	// drive 32 data bits plus parity, plus 8 idle cycles to make sure the
	// write is actually performed (ADIv5 B4.1.1).
	if _, err := c.t.ReadBits(ctx, 2); err != nil {
		return 0, ack, errors.Annotatef(err, "failed to read turnaround")
	}
	db := []byte{
		byte(req.Data), byte(req.Data >> 8), byte(req.Data >> 16), byte(req.Data >> 24),
		byte(bits.OnesCount32(req.Data) & 1),
	}
	if err := c.t.WriteBits(ctx, db, 33); err != nil {
		return 0, ack, errors.Annotatef(err, "failed to send data")
	}
	if err := c.t.WriteBits(ctx, []byte{0}, 8); err != nil {
		return 0, ack, errors.Annotatef(err, "failed to send idle cycles")
	}
	return 0, ack, nil
}

// finishAborted returns the line to host-driven idle after a WAIT, FAULT
// or missing ack: one turnaround cycle, then idle cycles.
func (c *Codec) finishAborted(ctx context.Context) error {
	if _, err := c.t.ReadBits(ctx, 1); err != nil {
		return errors.Annotatef(err, "failed to read turnaround")
	}
	return errors.Annotatef(c.t.WriteBits(ctx, []byte{0}, 8), "failed to send idle cycles")
}

// LineReset drives at least 50 high cycles followed by idle cycles,
// returning the target's SWD state machine to its reset state.
func (c *Codec) LineReset(ctx context.Context) error {
	glog.V(3).Infof("LineReset()")
	seq := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}
	return errors.Annotatef(c.t.WriteBits(ctx, seq, 64), "line reset failed")
}

// SwitchToSWD performs the JTAG-to-SWD switch: line reset, the 0xe79e
// select sequence, then another line reset. Harmless if the target is
// already in SWD mode.
func (c *Codec) SwitchToSWD(ctx context.Context) error {
	glog.V(3).Infof("SwitchToSWD()")
	seq := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if err := c.t.WriteBits(ctx, seq, 56); err != nil {
		return errors.Annotatef(err, "failed to send line reset")
	}
	if err := c.t.WriteBits(ctx, []byte{0x9e, 0xe7}, 16); err != nil {
		return errors.Annotatef(err, "failed to send SWD select sequence")
	}
	return errors.Trace(c.LineReset(ctx))
}

func (p Port) String() string {
	if p == PortAP {
		return "AP"
	}
	return "DP"
}

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	}
	return "NACK"
}

func (r Request) String() string {
	op := "R"
	if r.Op == OpWrite {
		op = "W"
	}
	return op + r.Port.String() + "[" + hexByte(r.Reg) + "]"
}

func hexByte(b uint8) string {
	const digits = "0123456789abcdef"
	return "0x" + string([]byte{digits[b>>4], digits[b&0xf]})
}
