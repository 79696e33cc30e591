package cortex

// Cortex-M core control over the memory-mapped debug registers.
// Doc: ARM v7-M Architecture Reference Manual, C1.

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	regCPUID uint32 = 0xE000ED00
	regAIRCR        = 0xE000ED0C
	regDHCSR        = 0xE000EDF0
	regDCRSR        = 0xE000EDF4
	regDCRDR        = 0xE000EDF8
	regDEMCR        = 0xE000EDFC
	regPID0         = 0xE000EFE0

	aircrKey         uint32 = 0x05FA0000
	aircrSysResetReq uint32 = 1 << 2

	dhcsrKey      uint32 = 0xA05F0000
	dhcsrCDebugEn uint32 = 1 << 0
	dhcsrCHalt    uint32 = 1 << 1
	dhcsrSRegRdy  uint32 = 1 << 16
	dhcsrSHalt    uint32 = 1 << 17

	dcrsrWrite uint32 = 1 << 16

	demcrVCCoreReset uint32 = 1 << 0
	demcrTrcEna      uint32 = 1 << 24
)

// Core register selector values for DCRSR.
const (
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 0x10
	RegMSP  = 0x11
	RegPSP  = 0x12
)

// State is the core's run/halt state as tracked by this session.
type State uint8

const (
	Unknown State = iota
	Halted
	Running
	Detached
)

var (
	// ErrHaltTimeout is returned when the core does not acknowledge a halt
	// request within the poll bound.
	ErrHaltTimeout = errors.New("core did not halt")
	// ErrNotHalted is returned for core register access while the core is
	// not halted.
	ErrNotHalted = errors.New("core is not halted")
	// ErrInvalidState is returned for an operation that is not legal in
	// the current core state.
	ErrInvalidState = errors.New("operation not valid in this core state")
)

// MemReaderWriter is the slice of the MEM-AP surface the core controller
// needs: single-word access to the debug register block.
type MemReaderWriter interface {
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	WriteWord(ctx context.Context, addr uint32, value uint32) error
}

// Core tracks and drives the run/halt state of one CPU core. It is the
// single writer of its state; everything else observes it via State().
type Core struct {
	mem MemReaderWriter

	// pollRetries bounds the status polls in halt and register-transfer
	// waits. These are hardware-state waits, not timed waits, so the loop
	// has no sleep.
	pollRetries int

	state State
}

const DefaultPollRetries = 1000

func New(mem MemReaderWriter, pollRetries int) *Core {
	if pollRetries <= 0 {
		pollRetries = DefaultPollRetries
	}
	return &Core{mem: mem, pollRetries: pollRetries, state: Unknown}
}

func (c *Core) State() State {
	return c.state
}

// Probe reads DHCSR and syncs the tracked state with the hardware,
// e.g. right after attach or when the target may have hit a breakpoint.
func (c *Core) Probe(ctx context.Context) (State, error) {
	if c.state == Detached {
		return Detached, errors.Annotatef(ErrInvalidState, "detached")
	}
	dhcsr, err := c.mem.ReadWord(ctx, regDHCSR)
	if err != nil {
		return c.state, errors.Annotatef(err, "failed to read DHCSR")
	}
	if dhcsr&dhcsrSHalt != 0 {
		c.state = Halted
	} else {
		c.state = Running
	}
	return c.state, nil
}

// Halt requests a debug halt and polls until the core acknowledges it.
func (c *Core) Halt(ctx context.Context) error {
	glog.V(3).Infof("Halt()")
	if c.state == Detached {
		return errors.Annotatef(ErrInvalidState, "detached")
	}
	if err := c.mem.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := c.waitDHCSR(ctx, dhcsrSHalt); err != nil {
		return errors.Trace(err)
	}
	c.state = Halted
	return nil
}

// Resume releases the core from halt. Valid only while Halted.
func (c *Core) Resume(ctx context.Context) error {
	glog.V(3).Infof("Resume()")
	if c.state != Halted {
		return errors.Annotatef(ErrInvalidState, "resume while %s", c.state)
	}
	if err := c.mem.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	c.state = Running
	return nil
}

// ReadReg reads a core register via DCRSR/DCRDR. The core must be halted.
func (c *Core) ReadReg(ctx context.Context, reg int) (uint32, error) {
	if c.state != Halted {
		return 0, errors.Annotatef(ErrNotHalted, "read R%d while %s", reg, c.state)
	}
	if err := c.mem.WriteWord(ctx, regDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := c.waitDHCSR(ctx, dhcsrSRegRdy); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := c.mem.ReadWord(ctx, regDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("ReadReg(%d) == 0x%08x", reg, value)
	return value, nil
}

// WriteReg writes a core register. The core must be halted.
func (c *Core) WriteReg(ctx context.Context, reg int, value uint32) error {
	if c.state != Halted {
		return errors.Annotatef(ErrNotHalted, "write R%d while %s", reg, c.state)
	}
	glog.V(4).Infof("WriteReg(%d, 0x%08x)", reg, value)
	if err := c.mem.WriteWord(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.mem.WriteWord(ctx, regDCRSR, dcrsrWrite|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(c.waitDHCSR(ctx, dhcsrSRegRdy))
}

// ResetHalt resets the system and catches the core at the reset vector.
func (c *Core) ResetHalt(ctx context.Context) error {
	glog.V(3).Infof("ResetHalt()")
	if c.state == Detached {
		return errors.Annotatef(ErrInvalidState, "detached")
	}
	if err := c.mem.WriteWord(ctx, regDHCSR, dhcsrKey|dhcsrCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := c.mem.WriteWord(ctx, regDEMCR, demcrVCCoreReset); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	if err := c.mem.WriteWord(ctx, regAIRCR, aircrKey|aircrSysResetReq); err != nil {
		return errors.Annotatef(err, "failed to request reset")
	}
	if err := c.waitDHCSR(ctx, dhcsrSHalt); err != nil {
		return errors.Trace(err)
	}
	c.state = Halted
	return nil
}

// ResetRun resets the system with the reset vector catch cleared and lets
// it run.
func (c *Core) ResetRun(ctx context.Context) error {
	glog.V(3).Infof("ResetRun()")
	if c.state == Detached {
		return errors.Annotatef(ErrInvalidState, "detached")
	}
	if err := c.mem.WriteWord(ctx, regDEMCR, 0); err != nil {
		return errors.Annotatef(err, "failed to clear DEMCR")
	}
	if err := c.mem.WriteWord(ctx, regAIRCR, aircrKey|aircrSysResetReq); err != nil {
		return errors.Annotatef(err, "failed to request reset")
	}
	c.state = Running
	return nil
}

// Detach marks the core detached. Further operations fail.
func (c *Core) Detach() {
	c.state = Detached
}

// waitDHCSR polls DHCSR until the given status bit is set, for at most
// pollRetries reads.
func (c *Core) waitDHCSR(ctx context.Context, bit uint32) error {
	for i := 0; i < c.pollRetries; i++ {
		dhcsr, err := c.mem.ReadWord(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read DHCSR")
		}
		if dhcsr&bit != 0 {
			return nil
		}
	}
	if bit == dhcsrSHalt {
		return errors.Annotatef(ErrHaltTimeout, "no ack in %d polls", c.pollRetries)
	}
	return errors.Errorf("DHCSR bit 0x%x not set after %d polls", bit, c.pollRetries)
}

// Name identifies the core from its CPUID and PID0 values.
func (c *Core) Name(ctx context.Context) (string, error) {
	cpuid, err := c.mem.ReadWord(ctx, regCPUID)
	if err != nil {
		return "", errors.Annotatef(err, "failed to read CPUID")
	}
	pid0, err := c.mem.ReadWord(ctx, regPID0)
	if err != nil {
		return "", errors.Annotatef(err, "failed to read PID0")
	}
	return coreName(cpuid, pid0), nil
}

func coreName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendor := ""
	if cpuid>>24 == 0x41 {
		vendor = "ARM "
	}
	part := ""
	switch (cpuid >> 4) & 0xfff {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	default:
		return fmt.Sprintf("unknown (CPUID 0x%08x)", cpuid)
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s%s%s r%dp%d", vendor, part, fpu, (cpuid>>20)&0xf, cpuid&0xf)
}

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Halted:
		return "halted"
	case Running:
		return "running"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}
