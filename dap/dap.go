package dap

// DP/AP register engine. Issues Debug Port and Access Port register
// transactions through the SWD codec, manages AP bank selection via the DP
// SELECT register, retries on WAIT and clears sticky errors on FAULT.
//
// All calls for one engine are strictly sequential: the ack/data handshake
// and the AP read pipeline leave no room for concurrent transactions.

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/swd"
)

type DPReg uint8

const (
	DPIDR    DPReg = 0x00 // Read-only.
	ABORT    DPReg = 0x00 // Write-only.
	CTRLSTAT DPReg = 0x04
	SELECT   DPReg = 0x08 // Write-only.
	RDBUFF   DPReg = 0x0c // Read-only.
)

// CTRL/STAT sticky error flags.
const (
	StickyOrun uint32 = 1 << 1
	StickyCmp  uint32 = 1 << 4
	StickyErr  uint32 = 1 << 5
	WDataErr   uint32 = 1 << 7

	stickyMask = StickyOrun | StickyCmp | StickyErr | WDataErr
)

// ABORT register bits.
const (
	DAPAbort    uint32 = 1 << 0
	StkCmpClr   uint32 = 1 << 1
	StkErrClr   uint32 = 1 << 2
	WDErrClr    uint32 = 1 << 3
	OrunErrClr  uint32 = 1 << 4
	abortClrAll        = StkCmpClr | StkErrClr | WDErrClr | OrunErrClr
)

// CTRL/STAT power control bits.
const (
	CDbgPwrUpReq uint32 = 1 << 28
	CDbgPwrUpAck uint32 = 1 << 29
	CSysPwrUpReq uint32 = 1 << 30
	CSysPwrUpAck uint32 = 1 << 31
)

// ErrWaitTimeout is returned when a transaction still gets WAIT after the
// configured number of attempts.
var ErrWaitTimeout = errors.New("transaction wait timeout")

// FaultError reports a FAULT acknowledge. Flags holds the CTRL/STAT sticky
// error bits captured before they were cleared.
type FaultError struct {
	Flags uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("target fault (sticky flags 0x%02x)", e.Flags)
}

type Engine struct {
	c *swd.Codec

	// Maximum number of attempts for one transaction. WAIT is a
	// hardware-signaled busy condition, so attempts are back to back with
	// no delay.
	waitRetries int

	selectValue uint32
	haveSelect  bool
}

const DefaultWaitRetries = 32

func NewEngine(c *swd.Codec, waitRetries int) *Engine {
	if waitRetries <= 0 {
		waitRetries = DefaultWaitRetries
	}
	return &Engine{c: c, waitRetries: waitRetries}
}

// transfer runs one register transaction to completion, applying the WAIT
// retry bound and the FAULT sticky-error protocol.
func (e *Engine) transfer(ctx context.Context, req swd.Request) (uint32, error) {
	for i := 0; i < e.waitRetries; i++ {
		value, ack, err := e.c.Transfer(ctx, req)
		if err != nil {
			if errors.Cause(err) == swd.ErrNoResponse {
				// The target may be stuck mid-transaction; a line reset
				// recovers the link state machine. The line reset wipes
				// the target's SELECT register, so drop the cache.
				glog.V(2).Infof("%s: no response, resetting line", req)
				e.haveSelect = false
				if rerr := e.c.LineReset(ctx); rerr != nil {
					return 0, errors.Trace(rerr)
				}
				continue
			}
			return 0, errors.Annotatef(err, "%s failed", req)
		}
		switch ack {
		case swd.AckOK:
			return value, nil
		case swd.AckWait:
			glog.V(3).Infof("%s: WAIT (attempt %d/%d)", req, i+1, e.waitRetries)
		case swd.AckFault:
			return 0, errors.Trace(e.handleFault(ctx, req))
		}
	}
	return 0, errors.Annotatef(ErrWaitTimeout, "%s: still busy after %d attempts", req, e.waitRetries)
}

// handleFault captures the sticky error flags behind a FAULT ack, clears
// them via ABORT and converts the failure into a FaultError.
func (e *Engine) handleFault(ctx context.Context, req swd.Request) error {
	stat, _, err := e.c.Transfer(ctx, swd.Request{Port: swd.PortDP, Op: swd.OpRead, Reg: uint8(CTRLSTAT)})
	if err != nil {
		return errors.Annotatef(err, "%s: fault, and CTRL/STAT read failed too", req)
	}
	glog.V(2).Infof("%s: FAULT, CTRL/STAT 0x%08x", req, stat)
	if _, _, err := e.c.Transfer(ctx, swd.Request{Port: swd.PortDP, Op: swd.OpWrite, Reg: uint8(ABORT), Data: abortClrAll}); err != nil {
		return errors.Annotatef(err, "%s: failed to clear sticky errors", req)
	}
	return &FaultError{Flags: stat & stickyMask}
}

func (e *Engine) ReadDP(ctx context.Context, reg DPReg) (uint32, error) {
	value, err := e.transfer(ctx, swd.Request{Port: swd.PortDP, Op: swd.OpRead, Reg: uint8(reg)})
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, errors.Trace(err)
}

func (e *Engine) WriteDP(ctx context.Context, reg DPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	_, err := e.transfer(ctx, swd.Request{Port: swd.PortDP, Op: swd.OpWrite, Reg: uint8(reg), Data: value})
	if err == nil && reg == SELECT {
		e.selectValue = value
		e.haveSelect = true
	}
	return errors.Trace(err)
}

// selectAP makes sure SELECT addresses the given AP and register bank,
// writing it only when the cached value differs. The cache is what keeps a
// run of same-bank accesses down to a single SELECT write.
func (e *Engine) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (e.selectValue & 0x00ffff0f) | uint32(apSel)<<24 | uint32(apBank&0xf)<<4
	if e.haveSelect && sv == e.selectValue {
		return nil
	}
	if err := e.WriteDP(ctx, SELECT, sv); err != nil {
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	return nil
}

// ReadAP reads an AP register. AP reads are pipelined: the transaction that
// issues the read returns the previous result, so the actual value is
// collected with a RDBUFF read.
func (e *Engine) ReadAP(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := e.selectAP(ctx, apSel, apReg>>4); err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := e.transfer(ctx, swd.Request{Port: swd.PortAP, Op: swd.OpRead, Reg: apReg & 0xc}); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := e.ReadDP(ctx, RDBUFF)
	glog.V(4).Infof("AP[0x%02x] == 0x%08x", apReg, value)
	return value, errors.Trace(err)
}

// ReadAPN reads the same AP register n times, e.g. DRW with auto-increment.
// The one-transaction read pipeline is folded into the sequence: request i
// delivers result i-1, and a final RDBUFF read flushes the last one.
// On error the words read so far are returned along with it.
func (e *Engine) ReadAPN(ctx context.Context, apSel, apReg uint8, n int) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := e.selectAP(ctx, apSel, apReg>>4); err != nil {
		return nil, errors.Trace(err)
	}
	req := swd.Request{Port: swd.PortAP, Op: swd.OpRead, Reg: apReg & 0xc}
	if _, err := e.transfer(ctx, req); err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]uint32, 0, n)
	for i := 1; i < n; i++ {
		value, err := e.transfer(ctx, req)
		if err != nil {
			return res, errors.Annotatef(err, "block read failed at word %d", i)
		}
		res = append(res, value)
	}
	last, err := e.ReadDP(ctx, RDBUFF)
	if err != nil {
		return res, errors.Trace(err)
	}
	return append(res, last), nil
}

func (e *Engine) WriteAP(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := e.selectAP(ctx, apSel, apReg>>4); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("AP[0x%02x] = 0x%08x", apReg, value)
	_, err := e.transfer(ctx, swd.Request{Port: swd.PortAP, Op: swd.OpWrite, Reg: apReg & 0xc, Data: value})
	return errors.Trace(err)
}

// WriteAPN writes values to the same AP register back to back and returns
// the number of words written.
func (e *Engine) WriteAPN(ctx context.Context, apSel, apReg uint8, values []uint32) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	if err := e.selectAP(ctx, apSel, apReg>>4); err != nil {
		return 0, errors.Trace(err)
	}
	for i, value := range values {
		_, err := e.transfer(ctx, swd.Request{Port: swd.PortAP, Op: swd.OpWrite, Reg: apReg & 0xc, Data: value})
		if err != nil {
			return i, errors.Annotatef(err, "block write failed at word %d", i)
		}
	}
	return len(values), nil
}

// ClearErrors clears all sticky error flags unconditionally.
func (e *Engine) ClearErrors(ctx context.Context) error {
	return errors.Trace(e.WriteDP(ctx, ABORT, abortClrAll))
}

func (r DPReg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR/ABORT"
	case CTRLSTAT:
		return "CTRLSTAT"
	case SELECT:
		return "SELECT"
	case RDBUFF:
		return "RDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
