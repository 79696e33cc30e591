package session

// Session: one attached, initialized debug session over one probe.
// Performs the attach handshake, owns the protocol stack (codec, register
// engine, MEM-AP, core control) and exposes the memory and core-register
// surface to callers. A Session exclusively owns its Transport for its
// whole lifetime and serializes all transactions.

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/cortex"
	"github.com/mongoose-os/mdbg/dap"
	"github.com/mongoose-os/mdbg/memap"
	"github.com/mongoose-os/mdbg/swd"
	"github.com/mongoose-os/mdbg/transport"
)

// ErrNoResponse is returned by Attach when the target does not answer the
// DP identification read within the retry bound.
var ErrNoResponse = errors.New("no response from debug port")

// ErrDetached is returned for operations on a detached session.
var ErrDetached = errors.New("session is detached")

// Options carries every tunable of a session. Zero values select
// conservative defaults; nothing here is persisted anywhere.
type Options struct {
	// WaitRetries bounds WAIT retries per DP/AP transaction.
	WaitRetries int
	// PollRetries bounds hardware status polling (halt ack, register
	// transfer complete, power-up ack).
	PollRetries int
	// AttachRetries bounds DPIDR read attempts during the handshake.
	AttachRetries int
	// MaxChunkWords bounds block transfers. If zero and the transport
	// reports a limit, the reported limit is used.
	MaxChunkWords int
	// AutoIncWindow is the MEM-AP auto-increment wrap boundary.
	AutoIncWindow uint32
	// APSel selects the access port to use as the MEM-AP.
	APSel uint8
}

const DefaultAttachRetries = 8

type Session struct {
	t      transport.Transport
	engine *dap.Engine
	mem    *memap.MemAP
	core   *cortex.Core

	dpidr    uint32
	detached bool
	// haltedByUs notes that this session put the core into halt, so
	// Detach knows to resume it.
	haltedByUs bool
}

// Attach resets the link, validates the DP is alive, powers up the debug
// domain and initializes the MEM-AP and core control. On success the
// session has exclusive ownership of the transport until Detach.
func Attach(ctx context.Context, t transport.Transport, opts Options) (*Session, error) {
	if opts.AttachRetries <= 0 {
		opts.AttachRetries = DefaultAttachRetries
	}
	if opts.MaxChunkWords <= 0 {
		if info, ok := t.(transport.Info); ok {
			opts.MaxChunkWords = info.MaxTransferWords()
		}
	}
	codec := swd.NewCodec(t)
	engine := dap.NewEngine(codec, opts.WaitRetries)
	s := &Session{
		t:      t,
		engine: engine,
		mem:    memap.New(engine, memap.Options{APSel: opts.APSel, MaxChunkWords: opts.MaxChunkWords, AutoIncWindow: opts.AutoIncWindow}),
	}

	if err := t.ResetLink(ctx); err != nil {
		return nil, errors.Annotatef(err, "link reset failed")
	}
	if err := codec.SwitchToSWD(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	// The DP identification read both validates the link and, per the SWD
	// protocol, is required before anything else after a line reset.
	var dpidr uint32
	var err error
	for i := 0; i < opts.AttachRetries; i++ {
		dpidr, err = engine.ReadDP(ctx, dap.DPIDR)
		if err == nil {
			break
		}
		glog.V(2).Infof("DPIDR read failed (attempt %d/%d): %s", i+1, opts.AttachRetries, err)
	}
	if err != nil {
		return nil, errors.Annotatef(ErrNoResponse, "no DPIDR after %d attempts: %s", opts.AttachRetries, err)
	}
	s.dpidr = dpidr
	glog.V(1).Infof("DPIDR: 0x%08x (%s)", dpidr, DPIDRValue(dpidr))

	if err := engine.ClearErrors(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.powerUp(ctx, opts.PollRetries); err != nil {
		return nil, errors.Annotatef(err, "debug power-up failed")
	}
	if err := s.mem.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "MEM-AP init failed")
	}
	s.core = cortex.New(s.mem, opts.PollRetries)
	return s, nil
}

// powerUp requests debug and system power and polls CTRL/STAT for both
// acks, bounded by pollRetries.
func (s *Session) powerUp(ctx context.Context, pollRetries int) error {
	if pollRetries <= 0 {
		pollRetries = cortex.DefaultPollRetries
	}
	if err := s.engine.WriteDP(ctx, dap.CTRLSTAT, dap.CDbgPwrUpReq|dap.CSysPwrUpReq); err != nil {
		return errors.Trace(err)
	}
	want := dap.CDbgPwrUpAck | dap.CSysPwrUpAck
	for i := 0; i < pollRetries; i++ {
		stat, err := s.engine.ReadDP(ctx, dap.CTRLSTAT)
		if err != nil {
			return errors.Trace(err)
		}
		if stat&want == want {
			return nil
		}
	}
	return errors.Errorf("power-up not acknowledged after %d polls", pollRetries)
}

// Detach resumes the core if this session halted it (best effort), then
// releases the transport. The session is unusable afterwards.
func (s *Session) Detach(ctx context.Context) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	s.detached = true
	if s.haltedByUs && s.core.State() == cortex.Halted {
		if err := s.core.Resume(ctx); err != nil {
			glog.Warningf("could not resume core on detach: %s", err)
		}
	}
	s.core.Detach()
	return errors.Annotatef(s.t.Close(ctx), "transport close failed")
}

// DPIDR returns the DP identification register value read at attach.
func (s *Session) DPIDR() uint32 {
	return s.dpidr
}

func (s *Session) CoreState() cortex.State {
	return s.core.State()
}

// ProbeCoreState syncs the tracked core state with the hardware.
func (s *Session) ProbeCoreState(ctx context.Context) (cortex.State, error) {
	if s.detached {
		return cortex.Detached, errors.Trace(ErrDetached)
	}
	return s.core.Probe(ctx)
}

// CoreName identifies the attached core.
func (s *Session) CoreName(ctx context.Context) (string, error) {
	if s.detached {
		return "", errors.Trace(ErrDetached)
	}
	return s.core.Name(ctx)
}

func (s *Session) Halt(ctx context.Context) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	if err := s.core.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	s.haltedByUs = true
	return nil
}

func (s *Session) Resume(ctx context.Context) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	if err := s.core.Resume(ctx); err != nil {
		return errors.Trace(err)
	}
	s.haltedByUs = false
	return nil
}

func (s *Session) ResetHalt(ctx context.Context) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	if err := s.core.ResetHalt(ctx); err != nil {
		return errors.Trace(err)
	}
	s.haltedByUs = true
	return nil
}

func (s *Session) ResetRun(ctx context.Context) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	if err := s.core.ResetRun(ctx); err != nil {
		return errors.Trace(err)
	}
	s.haltedByUs = false
	return nil
}

func (s *Session) ReadCoreRegister(ctx context.Context, reg int) (uint32, error) {
	if s.detached {
		return 0, errors.Trace(ErrDetached)
	}
	return s.core.ReadReg(ctx, reg)
}

func (s *Session) WriteCoreRegister(ctx context.Context, reg int, value uint32) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	return errors.Trace(s.core.WriteReg(ctx, reg, value))
}

// ReadMemory reads n bytes of target memory. Works in any core state;
// sampling a running core is explicitly supported.
func (s *Session) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if s.detached {
		return nil, errors.Trace(ErrDetached)
	}
	return s.mem.ReadMem(ctx, addr, n)
}

func (s *Session) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	return errors.Trace(s.mem.WriteMem(ctx, addr, data))
}

func (s *Session) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	if s.detached {
		return 0, errors.Trace(ErrDetached)
	}
	return s.mem.ReadWord(ctx, addr)
}

func (s *Session) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	if s.detached {
		return errors.Trace(ErrDetached)
	}
	return errors.Trace(s.mem.WriteWord(ctx, addr, value))
}

// DPIDRValue decodes the DP identification register.
type DPIDRValue uint32

func (v DPIDRValue) Designer() uint16 { return uint16(v & 0xfff) }
func (v DPIDRValue) Version() uint8   { return uint8(v >> 12 & 0xf) }
func (v DPIDRValue) Minimal() bool    { return v>>16&1 != 0 }
func (v DPIDRValue) Revision() uint8  { return uint8(v >> 28 & 0xf) }

func (v DPIDRValue) String() string {
	designer := fmt.Sprintf("0x%03x", v.Designer())
	if v.Designer() == 0x477 {
		designer = "ARM"
	}
	return fmt.Sprintf("designer %s, DPv%d, rev %d", designer, v.Version(), v.Revision())
}
