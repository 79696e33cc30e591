package cmsisdap

// CMSIS-DAP probe adapter: implements transport.Transport on top of a
// CMSIS-DAP firmware probe. Output cycles go through DAP_SWJ_Sequence,
// sampled cycles through an input DAP_SWD_Sequence.
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/transport"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdConnect               = 0x02
	cmdTransferConfigure     = 0x04
	cmdDisconnect            = 0x03
	cmdSWJClock              = 0x11
	cmdSWJSequence           = 0x12
	cmdSWDConfigure          = 0x13
	cmdSWDSequence           = 0x1d

	infoProduct       = 0x02
	infoMaxPacketSize = 0xff

	connectSWD = 0x01

	seqInput = 0x80
)

// dev is one wire to the probe: a single command/response exchange.
// Implemented by the HID (DAP v1) and USB bulk (DAP v2) backends.
type dev interface {
	exchange(ctx context.Context, req []byte) ([]byte, error)
	close() error
}

type Probe struct {
	d             dev
	maxPacketSize int
	product       string
}

// Options for opening a probe.
type Options struct {
	VID, PID uint16
	Serial   string
	// ClockHz sets the SWD clock. Zero keeps the probe default.
	ClockHz uint32
}

func newProbe(ctx context.Context, d dev, opts Options) (*Probe, error) {
	p := &Probe{d: d, maxPacketSize: 64} // Conservative until DAP_Info answers.
	resp, err := p.getInfo(ctx, infoMaxPacketSize)
	if err != nil {
		p.d.close()
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var mps uint16
	binary.Read(resp, binary.LittleEndian, &mps)
	if mps > 0 {
		p.maxPacketSize = int(mps)
	}
	glog.V(2).Infof("max packet size: %d", p.maxPacketSize)
	if p.product, err = p.getInfoString(ctx, infoProduct); err != nil {
		glog.V(1).Infof("no product info: %s", err)
	}
	if err := p.connect(ctx); err != nil {
		p.d.close()
		return nil, errors.Trace(err)
	}
	if opts.ClockHz > 0 {
		if err := p.swjClock(ctx, opts.ClockHz); err != nil {
			p.d.close()
			return nil, errors.Trace(err)
		}
	}
	return p, nil
}

func (p *Probe) exec(ctx context.Context, c cmd, args []byte) (*bytes.Buffer, error) {
	req := append([]byte{uint8(c)}, args...)
	glog.V(4).Infof(" => %s", hex.EncodeToString(req))
	if len(req) > p.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", p.maxPacketSize, len(req))
	}
	resp, err := p.d.exchange(ctx, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
	if len(resp) == 0 || resp[0] != uint8(c) {
		return nil, errors.Errorf("response to wrong command (want 0x%02x)", uint8(c))
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (p *Probe) execCheckStatus(ctx context.Context, c cmd, args []byte) error {
	resp, err := p.exec(ctx, c, args)
	if err != nil {
		return errors.Trace(err)
	}
	if st, err := resp.ReadByte(); err != nil || st != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", uint8(c), st)
	}
	return nil
}

func (p *Probe) getInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("getInfo(0x%02x)", info)
	resp, err := p.exec(ctx, cmdInfo, []byte{info})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get info 0x%02x", info)
	}
	var l uint8
	binary.Read(resp, binary.LittleEndian, &l)
	return resp, nil
}

func (p *Probe) getInfoString(ctx context.Context, info uint8) (string, error) {
	resp, err := p.exec(ctx, cmdInfo, []byte{info})
	if err != nil {
		return "", errors.Trace(err)
	}
	var sl uint8
	binary.Read(resp, binary.LittleEndian, &sl)
	s := make([]uint8, sl)
	resp.Read(s)
	return string(bytes.TrimRight(s, "\x00")), nil
}

func (p *Probe) connect(ctx context.Context) error {
	glog.V(3).Infof("connect(SWD)")
	resp, err := p.exec(ctx, cmdConnect, []byte{connectSWD})
	if err != nil {
		return errors.Trace(err)
	}
	if b, err := resp.ReadByte(); err != nil || b != connectSWD {
		return errors.Errorf("probe did not connect in SWD mode")
	}
	// Turnaround of 1 cycle, no data phase on WAIT/FAULT.
	if err := p.execCheckStatus(ctx, cmdSWDConfigure, []byte{0x00}); err != nil {
		return errors.Trace(err)
	}
	// No probe-side idle cycles or retries: the engine owns retry policy.
	return errors.Trace(p.execCheckStatus(ctx, cmdTransferConfigure, []byte{0, 0, 0, 0, 0}))
}

func (p *Probe) swjClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("swjClock(%d)", clockHz)
	var args bytes.Buffer
	binary.Write(&args, binary.LittleEndian, clockHz)
	return errors.Trace(p.execCheckStatus(ctx, cmdSWJClock, args.Bytes()))
}

// WriteBits drives n bits using one SWJ output sequence.
func (p *Probe) WriteBits(ctx context.Context, data []byte, n int) error {
	if n < 1 || n > 256 {
		return errors.Errorf("sequence must be 1..256 cycles, got %d", n)
	}
	args := append([]byte{uint8(n)}, data[:transport.NumBytes(n)]...) // 256 encoded as 0.
	return errors.Trace(p.execCheckStatus(ctx, cmdSWJSequence, args))
}

// ReadBits samples n bits using one input SWD sequence.
func (p *Probe) ReadBits(ctx context.Context, n int) ([]byte, error) {
	if n < 1 || n > 64 {
		return nil, errors.Errorf("sequence must be 1..64 cycles, got %d", n)
	}
	info := uint8(n&0x3f) | seqInput
	resp, err := p.exec(ctx, cmdSWDSequence, []byte{1, info})
	if err != nil {
		return nil, errors.Trace(err)
	}
	st, err := resp.ReadByte()
	if err != nil || st != 0 {
		return nil, errors.Errorf("SWD sequence failed (0x%02x)", st)
	}
	res := make([]byte, transport.NumBytes(n))
	if _, err := resp.Read(res); err != nil {
		return nil, errors.Errorf("response is too short")
	}
	return res, nil
}

// ResetLink reconnects the probe's SWD port.
func (p *Probe) ResetLink(ctx context.Context) error {
	glog.V(2).Infof("resetting link")
	if err := p.execCheckStatus(ctx, cmdDisconnect, nil); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.connect(ctx))
}

func (p *Probe) Close(ctx context.Context) error {
	if err := p.execCheckStatus(ctx, cmdDisconnect, nil); err != nil {
		glog.V(1).Infof("disconnect failed: %s", err)
	}
	return errors.Trace(p.d.close())
}

// MaxTransferWords derives a block transfer bound from the probe's packet
// size, the way a native DAP_TransferBlock user would.
func (p *Probe) MaxTransferWords() int {
	return (p.maxPacketSize - 5) / 4
}

func (p *Probe) ProbeName() string {
	if p.product == "" {
		return "CMSIS-DAP probe"
	}
	return p.product
}
