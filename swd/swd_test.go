package swd

import (
	"context"
	"testing"

	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/probe/simswd"
)

func TestHeader(t *testing.T) {
	// Known-good request bytes from the ADIv5 examples, LSB first.
	cases := []struct {
		req  Request
		want uint8
	}{
		{Request{Port: PortDP, Op: OpRead, Reg: 0x00}, 0xa5},  // DPIDR read
		{Request{Port: PortDP, Op: OpRead, Reg: 0x04}, 0x8d},  // CTRL/STAT read
		{Request{Port: PortDP, Op: OpRead, Reg: 0x0c}, 0xbd},  // RDBUFF read
		{Request{Port: PortDP, Op: OpWrite, Reg: 0x08}, 0xb1}, // SELECT write
		{Request{Port: PortAP, Op: OpRead, Reg: 0x00}, 0x87},  // CSW read
		{Request{Port: PortAP, Op: OpWrite, Reg: 0x04}, 0x8b}, // TAR write
		{Request{Port: PortAP, Op: OpWrite, Reg: 0x0c}, 0xbb}, // DRW write
	}
	for _, c := range cases {
		if got := header(c.req); got != c.want {
			t.Errorf("header(%s) = 0x%02x, want 0x%02x", c.req, got, c.want)
		}
	}
}

func TestTransferRead(t *testing.T) {
	ctx := context.Background()
	sim := simswd.New()
	sim.DPIDR = 0x0bc12477
	c := NewCodec(sim)
	value, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if ack != AckOK {
		t.Fatalf("ack = %s, want OK", ack)
	}
	if value != 0x0bc12477 {
		t.Fatalf("value = 0x%08x, want 0x0bc12477", value)
	}
}

func TestTransferWrite(t *testing.T) {
	ctx := context.Background()
	sim := simswd.New()
	c := NewCodec(sim)
	if _, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpWrite, Reg: 0x04, Data: 0x00001234}); err != nil || ack != AckOK {
		t.Fatalf("write failed: ack %s, err %s", ack, err)
	}
	value, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x04})
	if err != nil || ack != AckOK {
		t.Fatalf("readback failed: ack %s, err %s", ack, err)
	}
	if value != 0x00001234 {
		t.Fatalf("CTRL/STAT = 0x%08x, want 0x00001234", value)
	}
}

func TestTransferWait(t *testing.T) {
	ctx := context.Background()
	sim := simswd.New()
	sim.WaitAcks = 1
	c := NewCodec(sim)
	_, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if err != nil {
		t.Fatalf("wait ack should not be an error, got %s", err)
	}
	if ack != AckWait {
		t.Fatalf("ack = %s, want WAIT", ack)
	}
	// The codec must have returned the line to idle: the retry goes through.
	value, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if err != nil || ack != AckOK || value != sim.DPIDR {
		t.Fatalf("retry after WAIT: value 0x%08x, ack %s, err %s", value, ack, err)
	}
}

func TestTransferParityError(t *testing.T) {
	ctx := context.Background()
	sim := simswd.New()
	sim.CorruptReadParity = true
	c := NewCodec(sim)
	_, _, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if errors.Cause(err) != ErrParity {
		t.Fatalf("err = %v, want ErrParity", err)
	}
	// One corrupted transfer must not wedge the link.
	value, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if err != nil || ack != AckOK || value != sim.DPIDR {
		t.Fatalf("transfer after parity error: value 0x%08x, ack %s, err %s", value, ack, err)
	}
}

func TestTransferNoResponse(t *testing.T) {
	ctx := context.Background()
	sim := simswd.New()
	sim.Dead = true
	c := NewCodec(sim)
	_, _, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if errors.Cause(err) != ErrNoResponse {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
}

func TestSwitchToSWD(t *testing.T) {
	// The switch sequence and line resets must parse as line noise, not as
	// stray requests.
	ctx := context.Background()
	sim := simswd.New()
	c := NewCodec(sim)
	if err := c.SwitchToSWD(ctx); err != nil {
		t.Fatalf("SwitchToSWD failed: %s", err)
	}
	if sim.Transactions != 0 {
		t.Fatalf("switch sequence produced %d transactions, want 0", sim.Transactions)
	}
	value, ack, err := c.Transfer(ctx, Request{Port: PortDP, Op: OpRead, Reg: 0x00})
	if err != nil || ack != AckOK || value != sim.DPIDR {
		t.Fatalf("read after switch: value 0x%08x, ack %s, err %s", value, ack, err)
	}
}
