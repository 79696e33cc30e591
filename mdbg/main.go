package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/mdbg/cortex"
	"github.com/mongoose-os/mdbg/probe/cmsisdap"
	"github.com/mongoose-os/mdbg/session"
	"github.com/mongoose-os/mdbg/transport"
	"github.com/mongoose-os/mdbg/version"
)

var (
	vid    = flag.Uint16("vid", 0x0d28, "Probe USB vendor ID")
	pid    = flag.Uint16("pid", 0x0204, "Probe USB product ID")
	serial = flag.String("serial", "", "Probe serial number; if empty, any matching probe is used")
	bulk   = flag.Bool("bulk", false, "Use the USB bulk (DAP v2) interface instead of HID")
	clock  = flag.Uint32("clock", 1000000, "SWD clock frequency, Hz")

	waitRetries = flag.Int("wait-retries", 0, "Max WAIT retries per transaction (0 = default)")
	pollRetries = flag.Int("poll-retries", 0, "Max status polls for halt/register waits (0 = default)")
	chunkWords  = flag.Int("chunk-words", 0, "Max words per block transfer (0 = probe-reported)")

	versionFlag = flag.Bool("version", false, "Print version and exit")
)

var commands = []command{
	{"info", info, `Show probe and target identification`, 0},
	{"halt", halt, `Halt the core`, 0},
	{"resume", resume, `Resume the core`, 0},
	{"reset-halt", resetHalt, `Reset the system and halt at the reset vector`, 0},
	{"reset-run", resetRun, `Reset the system and let it run`, 0},
	{"reg", regGet, `Read a core register: mdbg reg <num>`, 1},
	{"reg-set", regSet, `Write a core register: mdbg reg-set <num> <value>`, 2},
	{"dump", dump, `Hex-dump target memory: mdbg dump <addr> <len>`, 2},
	{"write-word", writeWord, `Write a 32-bit word: mdbg write-word <addr> <value>`, 2},
	{"trace", traceCmd, `Sample a memory address: mdbg trace <addr>`, 1},
}

type command struct {
	name    string
	handler func(ctx context.Context, s *session.Session, args []string) error
	short   string
	nArgs   int
}

// glog's flags, pulled in below. Working but noise in the usage text.
var hiddenFlags = []string{
	"alsologtostderr",
	"log_backtrace_at",
	"log_dir",
	"logbufsecs",
	"logtostderr",
	"stderrthreshold",
	"vmodule",
}

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
	flag.Usage = usage
}

func usage() {
	fmt.Fprintf(os.Stderr, "mdbg: ARM debug probe tool\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
	os.Exit(1)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid number %q", s)
	}
	return uint32(v), nil
}

func openTransport(ctx context.Context) (transport.Transport, error) {
	opts := cmsisdap.Options{VID: *vid, PID: *pid, Serial: *serial, ClockHz: *clock}
	if *bulk {
		return cmsisdap.OpenBulk(ctx, opts)
	}
	return cmsisdap.OpenHID(ctx, opts)
}

func info(ctx context.Context, s *session.Session, args []string) error {
	fmt.Printf("DPIDR: 0x%08x (%s)\n", s.DPIDR(), session.DPIDRValue(s.DPIDR()))
	name, err := s.CoreName(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("Core:  %s\n", name)
	return nil
}

func halt(ctx context.Context, s *session.Session, args []string) error {
	if err := s.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("Core halted\n")
	return nil
}

func resume(ctx context.Context, s *session.Session, args []string) error {
	// The core may have been halted by a previous invocation.
	if s.CoreState() == cortex.Unknown {
		if _, err := s.ProbeCoreState(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if err := s.Resume(ctx); err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("Core running\n")
	return nil
}

func resetHalt(ctx context.Context, s *session.Session, args []string) error {
	return errors.Trace(s.ResetHalt(ctx))
}

func resetRun(ctx context.Context, s *session.Session, args []string) error {
	return errors.Trace(s.ResetRun(ctx))
}

func regGet(ctx context.Context, s *session.Session, args []string) error {
	reg, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Annotatef(err, "invalid register %q", args[0])
	}
	if err := s.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	value, err := s.ReadCoreRegister(ctx, reg)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("R%d = 0x%08x\n", reg, value)
	return nil
}

func regSet(ctx context.Context, s *session.Session, args []string) error {
	reg, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Annotatef(err, "invalid register %q", args[0])
	}
	value, err := parseUint32(args[1])
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.WriteCoreRegister(ctx, reg, value))
}

func dump(ctx context.Context, s *session.Session, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Annotatef(err, "invalid length %q", args[1])
	}
	data, err := s.ReadMemory(ctx, addr, n)
	if err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%08x ", addr+uint32(i))
		for _, b := range data[i:end] {
			fmt.Printf(" %02x", b)
		}
		fmt.Printf("\n")
	}
	return nil
}

func writeWord(ctx context.Context, s *session.Session, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	value, err := parseUint32(args[1])
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.WriteWord(ctx, addr, value))
}

func run(ctx context.Context) error {
	name := flag.Arg(0)
	var cmd *command
	for i, c := range commands {
		if c.name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		usage()
	}
	args := flag.Args()[1:]
	if len(args) < cmd.nArgs {
		return errors.Errorf("%s needs %d argument(s)", cmd.name, cmd.nArgs)
	}
	t, err := openTransport(ctx)
	if err != nil {
		return errors.Annotatef(err, "failed to open probe")
	}
	s, err := session.Attach(ctx, t, session.Options{
		WaitRetries:   *waitRetries,
		PollRetries:   *pollRetries,
		MaxChunkWords: *chunkWords,
	})
	if err != nil {
		t.Close(ctx)
		return errors.Annotatef(err, "failed to attach")
	}
	defer s.Detach(ctx)
	return errors.Trace(cmd.handler(ctx, s, args))
}

func main() {
	initFlags()
	flag.Parse()
	if *versionFlag {
		fmt.Printf("mdbg %s (%s)\n", version.Version, version.BuildId)
		return
	}
	if flag.NArg() < 1 {
		usage()
	}
	if err := run(context.Background()); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
