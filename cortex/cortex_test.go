package cortex

import (
	"context"
	"testing"

	"github.com/juju/errors"
)

// fakeDebugRegs models just the debug register block: halt control with an
// optional acknowledge delay, and the DCRSR/DCRDR register transfer window.
type fakeDebugRegs struct {
	halted      bool
	haltPending int
	ignoreHalt  bool
	regrdy      bool
	dcrdr       uint32
	demcr       uint32
	regs        [0x20]uint32

	dhcsrReads int
}

func (f *fakeDebugRegs) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	switch addr {
	case regDHCSR:
		f.dhcsrReads++
		if f.haltPending > 0 {
			f.haltPending--
			if f.haltPending == 0 {
				f.halted = true
			}
		}
		var v uint32
		if f.halted {
			v |= dhcsrSHalt
		}
		if f.regrdy {
			v |= dhcsrSRegRdy
		}
		return v, nil
	case regDCRDR:
		return f.dcrdr, nil
	case regCPUID:
		return 0x410fc241, nil
	case regPID0:
		return 0xc, nil
	}
	return 0, nil
}

func (f *fakeDebugRegs) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	switch addr {
	case regDHCSR:
		if value>>16 != dhcsrKey>>16 {
			return nil
		}
		if value&dhcsrCHalt != 0 {
			if !f.halted && !f.ignoreHalt {
				if f.haltPending == 0 {
					f.halted = true
				}
			}
		} else {
			f.halted = false
		}
	case regDCRSR:
		reg := int(value & 0x1f)
		if value&dcrsrWrite != 0 {
			f.regs[reg] = f.dcrdr
		} else {
			f.dcrdr = f.regs[reg]
		}
		f.regrdy = true
	case regDCRDR:
		f.dcrdr = value
	case regAIRCR:
		if value == aircrKey|aircrSysResetReq {
			f.halted = f.demcr&demcrVCCoreReset != 0
		}
	case regDEMCR:
		f.demcr = value
	}
	return nil
}

func TestHaltAndRegisters(t *testing.T) {
	ctx := context.Background()
	f := &fakeDebugRegs{}
	f.regs[RegPC] = 0x08000123
	c := New(f, 0)
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	if c.State() != Halted || !f.halted {
		t.Fatalf("state = %s, target halted = %v", c.State(), f.halted)
	}
	pc, err := c.ReadReg(ctx, RegPC)
	if err != nil {
		t.Fatalf("ReadReg(PC): %s", err)
	}
	if pc != 0x08000123 {
		t.Fatalf("PC = 0x%08x, want 0x08000123", pc)
	}
	if err := c.WriteReg(ctx, 2, 0x5555aaaa); err != nil {
		t.Fatalf("WriteReg(R2): %s", err)
	}
	if f.regs[2] != 0x5555aaaa {
		t.Fatalf("R2 = 0x%08x, want 0x5555aaaa", f.regs[2])
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %s", err)
	}
	if c.State() != Running || f.halted {
		t.Fatalf("state = %s, target halted = %v", c.State(), f.halted)
	}
}

func TestStateGuards(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		run  func(c *Core) error
		want error
	}{
		{"resume while unknown", func(c *Core) error { return c.Resume(ctx) }, ErrInvalidState},
		{"read reg while unknown", func(c *Core) error { _, err := c.ReadReg(ctx, 0); return err }, ErrNotHalted},
		{"write reg while unknown", func(c *Core) error { return c.WriteReg(ctx, 0, 1) }, ErrNotHalted},
	}
	for _, tc := range cases {
		c := New(&fakeDebugRegs{}, 0)
		if err := tc.run(c); errors.Cause(err) != tc.want {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	// A running core refuses register access the same way.
	f := &fakeDebugRegs{}
	c := New(f, 0)
	if _, err := c.Probe(ctx); err != nil {
		t.Fatalf("Probe: %s", err)
	}
	if c.State() != Running {
		t.Fatalf("state = %s, want running", c.State())
	}
	if _, err := c.ReadReg(ctx, 0); errors.Cause(err) != ErrNotHalted {
		t.Errorf("read reg while running: err = %v, want ErrNotHalted", err)
	}
}

func TestDetachedGuards(t *testing.T) {
	ctx := context.Background()
	c := New(&fakeDebugRegs{}, 0)
	c.Detach()
	if c.State() != Detached {
		t.Fatalf("state = %s, want detached", c.State())
	}
	ops := []struct {
		name string
		run  func() error
	}{
		{"halt", func() error { return c.Halt(ctx) }},
		{"resume", func() error { return c.Resume(ctx) }},
		{"reset-halt", func() error { return c.ResetHalt(ctx) }},
		{"reset-run", func() error { return c.ResetRun(ctx) }},
		{"probe", func() error { _, err := c.Probe(ctx); return err }},
	}
	for _, op := range ops {
		if err := op.run(); errors.Cause(err) != ErrInvalidState {
			t.Errorf("%s while detached: err = %v, want ErrInvalidState", op.name, err)
		}
	}
}

func TestHaltTimeout(t *testing.T) {
	ctx := context.Background()
	f := &fakeDebugRegs{ignoreHalt: true}
	c := New(f, 10)
	err := c.Halt(ctx)
	if errors.Cause(err) != ErrHaltTimeout {
		t.Fatalf("err = %v, want ErrHaltTimeout", err)
	}
	if f.dhcsrReads != 10 {
		t.Fatalf("%d DHCSR polls, want exactly 10", f.dhcsrReads)
	}
	if c.State() != Unknown {
		t.Fatalf("state = %s after failed halt, want unknown", c.State())
	}
}

func TestHaltDelayedAck(t *testing.T) {
	ctx := context.Background()
	f := &fakeDebugRegs{ignoreHalt: true, haltPending: 5}
	c := New(f, 10)
	if err := c.Halt(ctx); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	if c.State() != Halted {
		t.Fatalf("state = %s, want halted", c.State())
	}
}

func TestResetHalt(t *testing.T) {
	ctx := context.Background()
	f := &fakeDebugRegs{}
	c := New(f, 0)
	if err := c.ResetHalt(ctx); err != nil {
		t.Fatalf("ResetHalt: %s", err)
	}
	if c.State() != Halted || !f.halted {
		t.Fatalf("state = %s, target halted = %v", c.State(), f.halted)
	}
	if f.demcr&demcrVCCoreReset == 0 {
		t.Fatalf("DEMCR = 0x%08x, want VC_CORERESET set", f.demcr)
	}
}

func TestResetRun(t *testing.T) {
	ctx := context.Background()
	f := &fakeDebugRegs{halted: true}
	c := New(f, 0)
	if _, err := c.Probe(ctx); err != nil {
		t.Fatalf("Probe: %s", err)
	}
	if err := c.ResetRun(ctx); err != nil {
		t.Fatalf("ResetRun: %s", err)
	}
	if c.State() != Running || f.halted {
		t.Fatalf("state = %s, target halted = %v", c.State(), f.halted)
	}
	if f.demcr != 0 {
		t.Fatalf("DEMCR = 0x%08x, want reset catch cleared", f.demcr)
	}
}

func TestCoreName(t *testing.T) {
	cases := []struct {
		cpuid, pid0 uint32
		want        string
	}{
		{0x410fc241, 0xc, "ARM Cortex-M4F r0p1"},
		{0x410fc240, 0, "ARM Cortex-M4 r0p0"},
		{0x410fc231, 0, "ARM Cortex-M3 r0p1"},
		{0x410cc200, 0, "ARM Cortex-M0 r0p0"},
		{0x410cc601, 0, "ARM Cortex-M0+ r0p1"},
		{0x411fc270, 0xc, "ARM Cortex-M7F r1p0"},
		{0x12345678, 0, "unknown (CPUID 0x12345678)"},
	}
	for _, c := range cases {
		if got := coreName(c.cpuid, c.pid0); got != c.want {
			t.Errorf("coreName(0x%08x, 0x%x) = %q, want %q", c.cpuid, c.pid0, got, c.want)
		}
	}
}
