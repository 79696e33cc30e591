package simswd

// Simulated SWD target: a transport.Transport backed by a software model of
// a DP, a MEM-AP and a Cortex-M debug register block, with programmable
// fault injection. It speaks the same bit-level line discipline as real
// silicon: header framing, 3-bit acks, one-transaction AP read pipelining,
// sticky error flags and auto-increment wrap. Used by the protocol tests
// and usable as an offline backend.

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

type phase int

const (
	phIdle phase = iota
	phAck
	phReadData
	phReadTrn
	phWriteTrn
	phWriteData
	phAbortTrn
)

// Access records one data (DRW) access against target memory.
type Access struct {
	Addr  uint32
	Size  int // access width in bytes
	Write bool
}

type Target struct {
	// DPIDR value presented to the host. Defaults to a DPv2 ARM design.
	DPIDR uint32

	// WaitAcks makes the next N transactions answer WAIT. WaitAlways
	// answers WAIT forever.
	WaitAcks   int
	WaitAlways bool
	// Dead makes the target not drive the ack field at all.
	Dead bool
	// FaultAddrs lists word addresses whose data access raises a bus
	// fault (sticky error + FAULT ack).
	FaultAddrs map[uint32]bool
	// CorruptReadParity makes the next read data phase carry a flipped
	// parity bit.
	CorruptReadParity bool
	// HaltPolls delays the halt acknowledge by that many DHCSR reads.
	HaltPolls int

	// SelectWrites counts DP SELECT register writes, Transactions counts
	// every acknowledged-or-not transaction attempt.
	SelectWrites int
	Transactions int
	// Accesses logs every memory data access in order, TARWrites every
	// value the host writes to TAR.
	Accesses  []Access
	TARWrites []uint32

	// Line state.
	phase      phase
	hdr        uint8
	hdrBits    int
	collecting bool

	// Pending transaction, parsed from the header.
	reqAP    bool
	reqRead  bool
	reqReg   uint8
	readData uint32

	writeBits  uint64
	writeCount int

	// DP state.
	ctrlstat  uint32
	selectReg uint32
	sticky    uint32
	apLatch   uint32

	// MEM-AP state.
	csw uint32
	tar uint32

	// Core debug state.
	demcr       uint32
	halted      bool
	haltPending int
	regrdy      bool
	dcrdr       uint32
	coreRegs    [0x20]uint32

	mem map[uint32]byte
}

// CTRL/STAT sticky bits, mirrored from the DP programming model.
const (
	stickyErr  uint32 = 1 << 5
	pwrUpAcks  uint32 = 0xa0000000
	pwrUpReqs  uint32 = 0x50000000
	autoIncWin uint32 = 0x400
)

func New() *Target {
	return &Target{
		DPIDR: 0x2ba01477,
		mem:   make(map[uint32]byte),
	}
}

// Mem returns the byte at addr in the simulated memory.
func (t *Target) Mem(addr uint32) byte {
	return t.mem[addr]
}

// SetMem preloads simulated memory.
func (t *Target) SetMem(addr uint32, data []byte) {
	for i, b := range data {
		t.mem[addr+uint32(i)] = b
	}
}

// SetCoreReg preloads a core register.
func (t *Target) SetCoreReg(reg int, value uint32) {
	t.coreRegs[reg] = value
}

func (t *Target) CoreReg(reg int) uint32 {
	return t.coreRegs[reg]
}

func (t *Target) Halted() bool {
	return t.halted
}

func (t *Target) WriteBits(ctx context.Context, data []byte, n int) error {
	for i := 0; i < n; i++ {
		bit := data[i/8] >> (i % 8) & 1
		if err := t.writeBit(bit); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (t *Target) writeBit(bit uint8) error {
	switch t.phase {
	case phIdle:
		if !t.collecting {
			if bit == 1 {
				t.collecting = true
				t.hdr = 1
				t.hdrBits = 1
			}
			return nil
		}
		t.hdr |= bit << t.hdrBits
		t.hdrBits++
		if t.hdrBits < 8 {
			return nil
		}
		t.collecting = false
		if t.parseHeader(t.hdr) {
			t.phase = phAck
		}
		return nil
	case phWriteData:
		t.writeBits |= uint64(bit) << t.writeCount
		t.writeCount++
		if t.writeCount == 33 {
			value := uint32(t.writeBits)
			parity := uint8(t.writeBits >> 32)
			if uint8(bits.OnesCount32(value)&1) != parity {
				// Data parity error: the write is dropped and the
				// sticky write error flag raised.
				t.sticky |= 1 << 7
			} else {
				t.regWrite(value)
			}
			t.phase = phIdle
		}
		return nil
	default:
		return errors.Errorf("unexpected write bit in phase %d", t.phase)
	}
}

// parseHeader validates a captured 8-bit request. Invalid captures are
// noise from reset/switch sequences and are discarded.
func (t *Target) parseHeader(h uint8) bool {
	if h&1 == 0 || h>>6&1 != 0 || h>>7&1 != 1 {
		return false
	}
	if uint8(bits.OnesCount8(h>>1&0xf)&1) != h>>5&1 {
		return false
	}
	t.reqAP = h>>1&1 == 1
	t.reqRead = h>>2&1 == 1
	t.reqReg = (h >> 3 & 1 << 2) | (h >> 4 & 1 << 3) // A[2:3]
	return true
}

func (t *Target) ReadBits(ctx context.Context, n int) ([]byte, error) {
	switch t.phase {
	case phAck:
		if n != 3 {
			return nil, errors.Errorf("ack phase wants 3 bits, host asked %d", n)
		}
		return []byte{uint8(t.ack())}, nil
	case phReadData:
		if n != 33 {
			return nil, errors.Errorf("data phase wants 33 bits, host asked %d", n)
		}
		parity := uint8(bits.OnesCount32(t.readData) & 1)
		if t.CorruptReadParity {
			parity ^= 1
			t.CorruptReadParity = false
		}
		t.phase = phReadTrn
		return []byte{
			byte(t.readData), byte(t.readData >> 8), byte(t.readData >> 16), byte(t.readData >> 24), parity,
		}, nil
	case phReadTrn, phAbortTrn:
		if n != 1 {
			return nil, errors.Errorf("turnaround wants 1 bit, host asked %d", n)
		}
		t.phase = phIdle
		return []byte{0}, nil
	case phWriteTrn:
		if n != 2 {
			return nil, errors.Errorf("write turnaround wants 2 bits, host asked %d", n)
		}
		t.phase = phWriteData
		t.writeBits = 0
		t.writeCount = 0
		return []byte{0}, nil
	}
	return nil, errors.Errorf("unexpected read of %d bits in phase %d", n, t.phase)
}

// ack decides the acknowledge for the pending transaction and advances the
// line phase. OK reads also resolve their data here, honoring the
// one-transaction AP pipeline.
func (t *Target) ack() uint8 {
	t.Transactions++
	if t.Dead {
		t.phase = phAbortTrn
		return 0x7
	}
	if t.WaitAlways || t.WaitAcks > 0 {
		if t.WaitAcks > 0 {
			t.WaitAcks--
		}
		t.phase = phAbortTrn
		return 0x2 // WAIT
	}
	// Sticky errors block AP transactions until cleared via ABORT; the DP
	// stays reachable so the host can read CTRL/STAT and recover.
	if t.sticky != 0 && t.reqAP {
		t.phase = phAbortTrn
		return 0x4 // FAULT
	}
	if t.reqAP && t.faults() {
		t.sticky |= stickyErr
		t.phase = phAbortTrn
		return 0x4
	}
	if t.reqRead {
		if t.reqAP {
			// The wire carries the previous AP read result; the value
			// for this request lands in the latch, to be collected by
			// the next AP read or a RDBUFF read.
			t.readData = t.apLatch
			t.apLatch = t.apRead(t.apReg())
		} else {
			t.readData = t.dpRead(t.reqReg)
		}
		t.phase = phReadData
	} else {
		t.phase = phWriteTrn
	}
	return 0x1 // OK
}

// faults reports whether the pending transaction is a data access hitting
// a programmed bus fault address.
func (t *Target) faults() bool {
	if t.apReg() != 0x0c {
		return false
	}
	return t.FaultAddrs[t.tar&^3]
}

// apReg resolves the full AP register address from SELECT's bank field.
func (t *Target) apReg() uint8 {
	return uint8(t.selectReg>>4&0xf)<<4 | t.reqReg
}

func (t *Target) dpRead(reg uint8) uint32 {
	switch reg {
	case 0x0:
		return t.DPIDR
	case 0x4:
		stat := t.ctrlstat | t.sticky
		// Power-up requests are acknowledged immediately.
		if t.ctrlstat&pwrUpReqs == pwrUpReqs {
			stat |= pwrUpAcks
		}
		return stat
	case 0xc:
		return t.apLatch
	}
	return 0
}

// regWrite applies an acknowledged write transaction.
func (t *Target) regWrite(value uint32) {
	if t.reqAP {
		t.apWrite(t.apReg(), value)
		return
	}
	switch t.reqReg {
	case 0x0: // ABORT
		var clr uint32
		if value&(1<<1) != 0 {
			clr |= 1 << 4
		}
		if value&(1<<2) != 0 {
			clr |= 1 << 5
		}
		if value&(1<<3) != 0 {
			clr |= 1 << 7
		}
		if value&(1<<4) != 0 {
			clr |= 1 << 1
		}
		t.sticky &^= clr
	case 0x4:
		t.ctrlstat = value
	case 0x8:
		t.selectReg = value
		t.SelectWrites++
	}
}

func (t *Target) apRead(reg uint8) uint32 {
	switch reg {
	case 0x00:
		return t.csw | 0x40 // DeviceEn is always set on this model.
	case 0x04:
		return t.tar
	case 0x0c:
		value := t.memAccess(false, 0)
		return value
	case 0xfc:
		return 0x24770011 // AHB-AP IDR.
	}
	return 0
}

func (t *Target) apWrite(reg uint8, value uint32) {
	switch reg {
	case 0x00:
		t.csw = value &^ 0x40
	case 0x04:
		t.tar = value
		t.TARWrites = append(t.TARWrites, value)
	case 0x0c:
		t.memAccess(true, value)
	}
}

// memAccess performs one DRW data access at TAR with the width and
// increment mode from CSW, including the debug register block overlay and
// the hardware's auto-increment wrap within the 10-bit window.
func (t *Target) memAccess(write bool, value uint32) uint32 {
	size := 4
	if t.csw&7 == 0 {
		size = 1
	}
	addr := t.tar
	t.Accesses = append(t.Accesses, Access{Addr: addr, Size: size, Write: write})
	var res uint32
	if write {
		t.busWrite(addr, size, value)
	} else {
		res = t.busRead(addr, size)
	}
	if t.csw>>4&3 == 1 { // single increment
		t.tar = addr&^(autoIncWin-1) | (addr+uint32(size))&(autoIncWin-1)
	}
	return res
}

func (t *Target) busRead(addr uint32, size int) uint32 {
	if v, ok := t.debugRegRead(addr &^ 3); ok {
		return v
	}
	word := addr &^ 3
	v := uint32(t.mem[word]) | uint32(t.mem[word+1])<<8 | uint32(t.mem[word+2])<<16 | uint32(t.mem[word+3])<<24
	if size == 1 {
		// Byte reads still present the whole word; the lane picks the byte.
		return v
	}
	return v
}

func (t *Target) busWrite(addr uint32, size int, value uint32) {
	if size == 4 {
		if t.debugRegWrite(addr&^3, value) {
			return
		}
		word := addr &^ 3
		t.mem[word] = byte(value)
		t.mem[word+1] = byte(value >> 8)
		t.mem[word+2] = byte(value >> 16)
		t.mem[word+3] = byte(value >> 24)
		return
	}
	// 8-bit access: only the addressed byte lane is written.
	t.mem[addr] = byte(value >> (8 * (addr & 3)))
}

// Debug register block overlay (DHCSR and friends).
const (
	regCPUID uint32 = 0xE000ED00
	regAIRCR        = 0xE000ED0C
	regDHCSR        = 0xE000EDF0
	regDCRSR        = 0xE000EDF4
	regDCRDR        = 0xE000EDF8
	regDEMCR        = 0xE000EDFC
	regPID0         = 0xE000EFE0
)

func (t *Target) debugRegRead(addr uint32) (uint32, bool) {
	switch addr {
	case regDHCSR:
		var v uint32
		if t.haltPending > 0 {
			t.haltPending--
			if t.haltPending == 0 {
				t.halted = true
			}
		}
		if t.halted {
			v |= 1 << 17 // S_HALT
		}
		if t.regrdy {
			v |= 1 << 16 // S_REGRDY
		}
		return v, true
	case regDCRDR:
		return t.dcrdr, true
	case regCPUID:
		return 0x410fc241, true // Cortex-M4 r0p1.
	case regPID0:
		return 0xc, true
	}
	return 0, false
}

func (t *Target) debugRegWrite(addr, value uint32) bool {
	switch addr {
	case regDHCSR:
		if value>>16 != 0xa05f {
			return true // Bad key, write ignored.
		}
		if value&(1<<1) != 0 {
			if !t.halted {
				if t.HaltPolls > 0 {
					t.haltPending = t.HaltPolls
				} else {
					t.halted = true
				}
			}
		} else {
			t.halted = false
			t.haltPending = 0
		}
		return true
	case regDCRSR:
		reg := int(value & 0x1f)
		if value&(1<<16) != 0 {
			t.coreRegs[reg] = t.dcrdr
		} else {
			t.dcrdr = t.coreRegs[reg]
		}
		t.regrdy = true
		return true
	case regDCRDR:
		t.dcrdr = value
		return true
	case regAIRCR:
		if value>>16 == 0x05fa && value&(1<<2) != 0 {
			t.halted = t.demcrVCCoreReset()
		}
		return true
	case regDEMCR:
		t.demcr = value
		return true
	}
	return false
}

func (t *Target) demcrVCCoreReset() bool {
	return t.demcr&1 != 0
}

func (t *Target) ResetLink(ctx context.Context) error {
	glog.V(2).Infof("sim: link reset")
	t.phase = phIdle
	t.collecting = false
	return nil
}

func (t *Target) Close(ctx context.Context) error {
	return nil
}

func (t *Target) MaxTransferWords() int {
	return 64
}

func (t *Target) ProbeName() string {
	return "simulated SWD target"
}

func (t *Target) String() string {
	return fmt.Sprintf("sim(DPIDR 0x%08x, %d transactions)", t.DPIDR, t.Transactions)
}
