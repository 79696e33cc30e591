package memap

import (
	"bytes"
	"context"
	"testing"

	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/dap"
	"github.com/mongoose-os/mdbg/probe/simswd"
	"github.com/mongoose-os/mdbg/swd"
)

func newTestMemAP(t *testing.T, opts Options) (*simswd.Target, *MemAP) {
	t.Helper()
	sim := simswd.New()
	m := New(dap.NewEngine(swd.NewCodec(sim), 0), opts)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %s", err)
	}
	return sim, m
}

func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func TestWordRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, m := newTestMemAP(t, Options{})
	if err := m.WriteWord(ctx, 0x20000000, 0xcafebabe); err != nil {
		t.Fatalf("WriteWord: %s", err)
	}
	value, err := m.ReadWord(ctx, 0x20000000)
	if err != nil {
		t.Fatalf("ReadWord: %s", err)
	}
	if value != 0xcafebabe {
		t.Fatalf("value = 0x%08x, want 0xcafebabe", value)
	}
}

func TestUnaligned(t *testing.T) {
	ctx := context.Background()
	sim, m := newTestMemAP(t, Options{})
	before := sim.Transactions
	if _, err := m.ReadWord(ctx, 0x20000002); errors.Cause(err) != ErrUnaligned {
		t.Fatalf("ReadWord: err = %v, want ErrUnaligned", err)
	}
	if err := m.WriteWord(ctx, 0x20000001, 1); errors.Cause(err) != ErrUnaligned {
		t.Fatalf("WriteWord: err = %v, want ErrUnaligned", err)
	}
	// Rejected before anything goes on the wire.
	if sim.Transactions != before {
		t.Fatalf("%d transactions issued for rejected accesses", sim.Transactions-before)
	}
}

func TestDecompose(t *testing.T) {
	cases := []struct {
		addr             uint32
		n                int
		head, body, tail int
	}{
		{0x1000, 8, 0, 8, 0},
		{0x1000, 3, 0, 0, 3},
		{0x1001, 5, 3, 0, 2},
		{0x1003, 5, 1, 4, 0},
		{0x1002, 3, 2, 0, 1},
		{0x1001, 2, 2, 0, 0},
		{0x1000, 0, 0, 0, 0},
		{0x1002, 13, 2, 8, 3},
	}
	for _, c := range cases {
		head, body, tail := decompose(c.addr, c.n)
		if head != c.head || body != c.body || tail != c.tail {
			t.Errorf("decompose(0x%x, %d) = (%d, %d, %d), want (%d, %d, %d)",
				c.addr, c.n, head, body, tail, c.head, c.body, c.tail)
		}
	}
}

func TestMemRoundTrip(t *testing.T) {
	cases := []struct {
		addr uint32
		n    int
	}{
		{0x20000000, 4},
		{0x20000000, 0},
		{0x20000001, 5},
		{0x20000003, 5},
		{0x20000002, 2},
		{0x20000001, 13},
		{0x200003f0, 64}, // crosses the auto-increment window boundary
	}
	for _, c := range cases {
		ctx := context.Background()
		sim, m := newTestMemAP(t, Options{})
		data := testPattern(c.n)
		if err := m.WriteMem(ctx, c.addr, data); err != nil {
			t.Errorf("WriteMem(0x%x, %d): %s", c.addr, c.n, err)
			continue
		}
		for i, b := range data {
			if got := sim.Mem(c.addr + uint32(i)); got != b {
				t.Errorf("WriteMem(0x%x, %d): byte %d = 0x%02x, want 0x%02x", c.addr, c.n, i, got, b)
			}
		}
		got, err := m.ReadMem(ctx, c.addr, c.n)
		if err != nil {
			t.Errorf("ReadMem(0x%x, %d): %s", c.addr, c.n, err)
			continue
		}
		if !bytes.Equal(got, data) {
			t.Errorf("ReadMem(0x%x, %d) = %x, want %x", c.addr, c.n, got, data)
		}
	}
}

func TestWriteDecomposition(t *testing.T) {
	cases := []struct {
		addr uint32
		n    int
		want []simswd.Access
	}{
		// One byte to the word boundary, then one full word.
		{0x1003, 5, []simswd.Access{
			{Addr: 0x1003, Size: 1, Write: true},
			{Addr: 0x1004, Size: 4, Write: true},
		}},
		// No word-aligned middle at all: bytes only.
		{0x1001, 5, []simswd.Access{
			{Addr: 0x1001, Size: 1, Write: true},
			{Addr: 0x1002, Size: 1, Write: true},
			{Addr: 0x1003, Size: 1, Write: true},
			{Addr: 0x1004, Size: 1, Write: true},
			{Addr: 0x1005, Size: 1, Write: true},
		}},
		// Head, body, tail.
		{0x1002, 9, []simswd.Access{
			{Addr: 0x1002, Size: 1, Write: true},
			{Addr: 0x1003, Size: 1, Write: true},
			{Addr: 0x1004, Size: 4, Write: true},
			{Addr: 0x1008, Size: 1, Write: true},
			{Addr: 0x1009, Size: 1, Write: true},
			{Addr: 0x100a, Size: 1, Write: true},
		}},
	}
	for _, c := range cases {
		ctx := context.Background()
		sim, m := newTestMemAP(t, Options{})
		sim.Accesses = nil
		if err := m.WriteMem(ctx, c.addr, testPattern(c.n)); err != nil {
			t.Errorf("WriteMem(0x%x, %d): %s", c.addr, c.n, err)
			continue
		}
		if len(sim.Accesses) != len(c.want) {
			t.Errorf("WriteMem(0x%x, %d): %d accesses %v, want %d", c.addr, c.n, len(sim.Accesses), sim.Accesses, len(c.want))
			continue
		}
		for i, a := range sim.Accesses {
			if a != c.want[i] {
				t.Errorf("WriteMem(0x%x, %d): access %d = %+v, want %+v", c.addr, c.n, i, a, c.want[i])
			}
		}
	}
}

func TestAutoIncWrap(t *testing.T) {
	ctx := context.Background()
	sim, m := newTestMemAP(t, Options{})
	data := testPattern(32)
	sim.SetMem(0x200003f0, data)
	sim.TARWrites = nil
	got, err := m.ReadMem(ctx, 0x200003f0, 32)
	if err != nil {
		t.Fatalf("ReadMem: %s", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadMem = %x, want %x", got, data)
	}
	// TAR is written once per chunk: at the start and again exactly at the
	// wrap boundary.
	want := []uint32{0x200003f0, 0x20000400}
	if len(sim.TARWrites) != len(want) || sim.TARWrites[0] != want[0] || sim.TARWrites[1] != want[1] {
		t.Fatalf("TAR writes %#x, want %#x", sim.TARWrites, want)
	}
}

func TestChunking(t *testing.T) {
	ctx := context.Background()
	sim, m := newTestMemAP(t, Options{MaxChunkWords: 2})
	sim.TARWrites = nil
	if err := m.WriteMem(ctx, 0x20000000, testPattern(24)); err != nil {
		t.Fatalf("WriteMem: %s", err)
	}
	// 6 words, 2 per chunk.
	want := []uint32{0x20000000, 0x20000008, 0x20000010}
	if len(sim.TARWrites) != len(want) {
		t.Fatalf("TAR writes %#x, want %#x", sim.TARWrites, want)
	}
	for i, w := range want {
		if sim.TARWrites[i] != w {
			t.Fatalf("TAR write %d = 0x%08x, want 0x%08x", i, sim.TARWrites[i], w)
		}
	}
}

func TestBusFaultWrite(t *testing.T) {
	ctx := context.Background()
	sim, m := newTestMemAP(t, Options{})
	sim.FaultAddrs = map[uint32]bool{0x1008: true}
	data := testPattern(16)
	err := m.WriteMem(ctx, 0x1000, data)
	bf, ok := errors.Cause(err).(*BusFaultError)
	if !ok {
		t.Fatalf("err = %v, want *BusFaultError", err)
	}
	if bf.Addr != 0x1008 {
		t.Fatalf("fault address 0x%08x, want 0x1008", bf.Addr)
	}
	// Everything before the fault landed.
	for i := 0; i < 8; i++ {
		if got := sim.Mem(0x1000 + uint32(i)); got != data[i] {
			t.Errorf("byte %d = 0x%02x, want 0x%02x", i, got, data[i])
		}
	}
	// The sticky error was cleared: the MEM-AP stays usable.
	if err := m.WriteWord(ctx, 0x2000, 1); err != nil {
		t.Fatalf("WriteWord after fault: %s", err)
	}
}

func TestBusFaultRead(t *testing.T) {
	ctx := context.Background()
	sim, m := newTestMemAP(t, Options{})
	sim.FaultAddrs = map[uint32]bool{0x1000: true}
	_, err := m.ReadMem(ctx, 0x1000, 16)
	bf, ok := errors.Cause(err).(*BusFaultError)
	if !ok {
		t.Fatalf("err = %v, want *BusFaultError", err)
	}
	if bf.Addr != 0x1000 {
		t.Fatalf("fault address 0x%08x, want 0x1000", bf.Addr)
	}
}
