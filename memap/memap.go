package memap

// MEM-AP driver: addressed target memory access on top of the DP/AP
// register engine. Handles 8/32-bit access size selection, decomposition of
// unaligned requests, auto-increment block transfers with wrap-boundary
// handling, and chunking to the probe's transfer limit.

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/dap"
)

type Reg uint8

const (
	CSW  Reg = 0x00
	TAR  Reg = 0x04
	DRW  Reg = 0x0c
	CFG  Reg = 0xf4
	BASE Reg = 0xf8
	IDR  Reg = 0xfc
)

// CSW fields.
const (
	cswSizeByte uint32 = 0x0
	cswSizeWord uint32 = 0x2
	cswSizeMask uint32 = 0x7

	cswIncSingle uint32 = 0x10
	cswIncMask   uint32 = 0x30

	CSWDeviceEn uint32 = 0x40
)

// ErrUnaligned is returned for word accesses at non-word-aligned addresses.
// It is raised before any transaction is issued.
var ErrUnaligned = errors.New("address not word-aligned")

// BusFaultError reports a target bus fault during a memory access. Addr is
// the address of the first word or byte that did not complete.
type BusFaultError struct {
	Addr  uint32
	Flags uint32
}

func (e *BusFaultError) Error() string {
	return fmt.Sprintf("target bus fault at 0x%08x (sticky flags 0x%02x)", e.Addr, e.Flags)
}

// DefaultAutoIncWindow is the auto-increment address wrap boundary.
// ADIv5 only guarantees auto-increment on the low 10 bits of TAR; transfers
// crossing the boundary must rewrite TAR.
const DefaultAutoIncWindow = 0x400

const DefaultMaxChunkWords = 64

type Options struct {
	// APSel selects which AP behind the DP this driver talks to.
	APSel uint8
	// MaxChunkWords bounds the number of words per block request, normally
	// the probe-reported packet limit.
	MaxChunkWords int
	// AutoIncWindow is the auto-increment wrap boundary. Must be a power
	// of two.
	AutoIncWindow uint32
}

type MemAP struct {
	e    *dap.Engine
	opts Options

	// cswBase holds the CSW value with size and increment fields cleared;
	// cswCur is what the register currently holds, so repeated same-width
	// accesses don't rewrite it.
	cswBase uint32
	cswCur  uint32
	haveCSW bool
}

func New(e *dap.Engine, opts Options) *MemAP {
	if opts.MaxChunkWords <= 0 {
		opts.MaxChunkWords = DefaultMaxChunkWords
	}
	if opts.AutoIncWindow == 0 {
		opts.AutoIncWindow = DefaultAutoIncWindow
	}
	return &MemAP{e: e, opts: opts}
}

// Init verifies the AP is an enabled MEM-AP and prepares CSW.
func (m *MemAP) Init(ctx context.Context) error {
	csw, err := m.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Annotatef(err, "failed to read CSW")
	}
	if csw&CSWDeviceEn == 0 {
		return errors.Errorf("MEM-AP is disabled (CSW 0x%08x)", csw)
	}
	m.cswBase = csw &^ (cswSizeMask | cswIncMask)
	return errors.Trace(m.setCSW(ctx, cswSizeWord))
}

func (m *MemAP) ReadReg(ctx context.Context, reg Reg) (uint32, error) {
	value, err := m.e.ReadAP(ctx, m.opts.APSel, uint8(reg))
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, errors.Trace(err)
}

func (m *MemAP) WriteReg(ctx context.Context, reg Reg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return errors.Trace(m.e.WriteAP(ctx, m.opts.APSel, uint8(reg), value))
}

// setCSW switches the access size, writing CSW only when it changes.
// Auto-increment stays enabled: single-word accesses rewrite TAR anyway.
func (m *MemAP) setCSW(ctx context.Context, size uint32) error {
	csw := m.cswBase | cswIncSingle | size
	if m.haveCSW && csw == m.cswCur {
		return nil
	}
	if err := m.WriteReg(ctx, CSW, csw); err != nil {
		return errors.Trace(err)
	}
	m.cswCur = csw
	m.haveCSW = true
	return nil
}

// ReadWord reads one aligned 32-bit word.
func (m *MemAP) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, errors.Annotatef(ErrUnaligned, "0x%08x", addr)
	}
	if err := m.setCSW(ctx, cswSizeWord); err != nil {
		return 0, errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := m.ReadReg(ctx, DRW)
	if err != nil {
		return 0, errors.Trace(m.busFault(err, addr))
	}
	glog.V(4).Infof("ReadWord(0x%08x) == 0x%08x", addr, value)
	return value, nil
}

// WriteWord writes one aligned 32-bit word.
func (m *MemAP) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	if addr%4 != 0 {
		return errors.Annotatef(ErrUnaligned, "0x%08x", addr)
	}
	if err := m.setCSW(ctx, cswSizeWord); err != nil {
		return errors.Trace(err)
	}
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("WriteWord(0x%08x, 0x%08x)", addr, value)
	return errors.Trace(m.busFault(m.WriteReg(ctx, DRW, value), addr))
}

// ReadMem reads n bytes starting at addr. Unaligned requests are split
// into a byte-wide head up to the next word boundary, a word-wide
// auto-incremented body and a byte-wide tail.
func (m *MemAP) ReadMem(ctx context.Context, addr uint32, n int) ([]byte, error) {
	glog.V(3).Infof("ReadMem(0x%08x, %d)", addr, n)
	if err := checkRange(addr, n); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]byte, 0, n)
	head, body, tail := decompose(addr, n)
	if head > 0 {
		b, err := m.readBytes(ctx, addr, head)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, b...)
		addr += uint32(head)
	}
	if body > 0 {
		words, err := m.readWords(ctx, addr, body/4)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, w := range words {
			res = append(res, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
		}
		addr += uint32(body)
	}
	if tail > 0 {
		b, err := m.readBytes(ctx, addr, tail)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, b...)
	}
	return res, nil
}

// WriteMem writes data starting at addr, with the same head/body/tail
// decomposition as ReadMem. On failure the returned error carries the
// address of the first byte not written.
func (m *MemAP) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	glog.V(3).Infof("WriteMem(0x%08x, %d)", addr, len(data))
	if err := checkRange(addr, len(data)); err != nil {
		return errors.Trace(err)
	}
	head, body, tail := decompose(addr, len(data))
	if head > 0 {
		if err := m.writeBytes(ctx, addr, data[:head]); err != nil {
			return errors.Trace(err)
		}
		addr += uint32(head)
		data = data[head:]
	}
	if body > 0 {
		words := make([]uint32, body/4)
		for i := range words {
			words[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		}
		if err := m.writeWords(ctx, addr, words); err != nil {
			return errors.Trace(err)
		}
		addr += uint32(body)
		data = data[body:]
	}
	if tail > 0 {
		if err := m.writeBytes(ctx, addr, data); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// decompose splits an n-byte request at addr into a byte-wide head, a
// word-aligned body and a byte-wide tail.
func decompose(addr uint32, n int) (head, body, tail int) {
	head = int(-addr & 3)
	if head > n {
		head = n
	}
	body = (n - head) &^ 3
	tail = n - head - body
	return
}

func checkRange(addr uint32, n int) error {
	if n < 0 {
		return errors.Errorf("negative length %d", n)
	}
	if uint64(addr)+uint64(n) > 1<<32 {
		return errors.Errorf("0x%08x + %d overflows the address space", addr, n)
	}
	return nil
}

// readWords reads aligned words using auto-increment, rewriting TAR at
// every wrap-window boundary and bounding each block request to the
// probe's chunk limit.
func (m *MemAP) readWords(ctx context.Context, addr uint32, nWords int) ([]uint32, error) {
	if err := m.setCSW(ctx, cswSizeWord); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]uint32, 0, nWords)
	for nWords > 0 {
		if err := ctx.Err(); err != nil {
			return nil, errors.Annotatef(err, "read aborted at 0x%08x", addr)
		}
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		cl := m.chunkLen(addr, nWords, 4)
		values, err := m.e.ReadAPN(ctx, m.opts.APSel, uint8(DRW), cl)
		if err != nil {
			return nil, errors.Trace(m.busFault(err, addr+uint32(4*len(values))))
		}
		res = append(res, values...)
		addr += uint32(cl * 4)
		nWords -= cl
	}
	return res, nil
}

func (m *MemAP) writeWords(ctx context.Context, addr uint32, words []uint32) error {
	if err := m.setCSW(ctx, cswSizeWord); err != nil {
		return errors.Trace(err)
	}
	for len(words) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "write aborted at 0x%08x", addr)
		}
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		cl := m.chunkLen(addr, len(words), 4)
		done, err := m.e.WriteAPN(ctx, m.opts.APSel, uint8(DRW), words[:cl])
		if err != nil {
			return errors.Trace(m.busFault(err, addr+uint32(4*done)))
		}
		addr += uint32(cl * 4)
		words = words[cl:]
	}
	return nil
}

// readBytes reads with 8-bit accesses. The value travels on the byte lane
// selected by the low address bits.
func (m *MemAP) readBytes(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if err := m.setCSW(ctx, cswSizeByte); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]byte, 0, n)
	for n > 0 {
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		cl := m.chunkLen(addr, n, 1)
		values, err := m.e.ReadAPN(ctx, m.opts.APSel, uint8(DRW), cl)
		if err != nil {
			return nil, errors.Trace(m.busFault(err, addr+uint32(len(values))))
		}
		for i, w := range values {
			res = append(res, byte(w>>(8*((addr+uint32(i))&3))))
		}
		addr += uint32(cl)
		n -= cl
	}
	return res, nil
}

func (m *MemAP) writeBytes(ctx context.Context, addr uint32, data []byte) error {
	if err := m.setCSW(ctx, cswSizeByte); err != nil {
		return errors.Trace(err)
	}
	for len(data) > 0 {
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		cl := m.chunkLen(addr, len(data), 1)
		values := make([]uint32, cl)
		for i, b := range data[:cl] {
			values[i] = uint32(b) << (8 * ((addr + uint32(i)) & 3))
		}
		done, err := m.e.WriteAPN(ctx, m.opts.APSel, uint8(DRW), values)
		if err != nil {
			return errors.Trace(m.busFault(err, addr+uint32(done)))
		}
		addr += uint32(cl)
		data = data[cl:]
	}
	return nil
}

// chunkLen bounds a block transfer to both the auto-increment window and
// the probe's packet limit. stride is the access size in bytes.
func (m *MemAP) chunkLen(addr uint32, n int, stride uint32) int {
	cl := int((m.opts.AutoIncWindow - addr&(m.opts.AutoIncWindow-1)) / stride)
	if cl > n {
		cl = n
	}
	if cl > m.opts.MaxChunkWords {
		cl = m.opts.MaxChunkWords
	}
	return cl
}

// busFault converts a register-engine fault into a BusFaultError carrying
// the target address; other errors pass through unchanged.
func (m *MemAP) busFault(err error, addr uint32) error {
	if err == nil {
		return nil
	}
	if fe, ok := errors.Cause(err).(*dap.FaultError); ok {
		return &BusFaultError{Addr: addr, Flags: fe.Flags}
	}
	return err
}

func (r Reg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case CFG:
		return "CFG"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
