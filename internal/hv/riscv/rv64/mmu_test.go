package rv64

import (
	"errors"
	"testing"
)

const (
	testRoot   = RAMBase + 0x10000
	testL1     = RAMBase + 0x11000
	testHigh   = 0xffff_ffff_8000_0000
	leafRWX    = PteV | PteR | PteW | PteX
	satpSv39   = uint64(SatpModeSv39) << 60
	highTarget = RAMBase + 0x20_0000
)

func pte(pa uint64, flags uint64) uint64 { return (pa>>PageShift)<<10 | flags }

// newPagedMachine identity-maps the first GiB of RAM with a giga leaf and
// maps testHigh to highTarget with a 2 MiB leaf.
func newPagedMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(8 << 20)
	writes := []struct{ addr, val uint64 }{
		{testRoot + 2*8, pte(RAMBase, leafRWX)},
		{testRoot + 510*8, pte(testL1, PteV)},
		{testL1, pte(highTarget, leafRWX)},
	}
	for _, w := range writes {
		if err := m.Bus.Write64(w.addr, w.val); err != nil {
			t.Fatalf("write pte: %v", err)
		}
	}
	m.CPU.Satp = satpSv39 | testRoot>>PageShift
	return m
}

func expectFault(t *testing.T, err error, cause uint64) {
	t.Helper()
	var exc ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected exception, got %v", err)
	}
	if exc.Cause != cause {
		t.Fatalf("cause = %s, want %s", CauseName(exc.Cause), CauseName(cause))
	}
}

func TestSv39Translate(t *testing.T) {
	m := newPagedMachine(t)

	tests := []struct {
		vaddr uint64
		want  uint64
	}{
		{testHigh, highTarget},
		{testHigh + 0x1234, highTarget + 0x1234},
		{testHigh + 0x1f_ffff, highTarget + 0x1f_ffff},
		{RAMBase + 0x42, RAMBase + 0x42},
		{RAMBase + 0x3fff_fff8, RAMBase + 0x3fff_fff8},
	}
	for _, tt := range tests {
		got, err := m.MMU.Translate(tt.vaddr, AccessRead)
		if err != nil {
			t.Fatalf("translate %#x: %v", tt.vaddr, err)
		}
		if got != tt.want {
			t.Fatalf("translate %#x = %#x, want %#x", tt.vaddr, got, tt.want)
		}
	}
}

func TestSv39AccessedDirtyWriteBack(t *testing.T) {
	m := newPagedMachine(t)

	if _, err := m.MMU.Translate(testHigh, AccessRead); err != nil {
		t.Fatal(err)
	}
	leaf, _ := m.Bus.Read64(testL1)
	if leaf&PteA == 0 || leaf&PteD != 0 {
		t.Fatalf("after read leaf = %#x, want A set and D clear", leaf)
	}

	if _, err := m.MMU.Translate(testHigh+8, AccessWrite); err != nil {
		t.Fatal(err)
	}
	leaf, _ = m.Bus.Read64(testL1)
	if leaf&PteD == 0 {
		t.Fatalf("after write leaf = %#x, want D set", leaf)
	}
}

func TestSv39StaleUntilFlush(t *testing.T) {
	m := newPagedMachine(t)
	if _, err := m.MMU.Translate(testHigh, AccessRead); err != nil {
		t.Fatal(err)
	}

	moved := RAMBase + 0x40_0000
	if err := m.Bus.Write64(testL1, pte(moved, leafRWX)); err != nil {
		t.Fatal(err)
	}
	got, _ := m.MMU.Translate(testHigh, AccessRead)
	if got != highTarget {
		t.Fatalf("cached translation = %#x, want stale %#x", got, highTarget)
	}

	m.MMU.FlushTLB()
	got, _ = m.MMU.Translate(testHigh, AccessRead)
	if got != moved {
		t.Fatalf("flushed translation = %#x, want %#x", got, moved)
	}
}

func TestSv39Faults(t *testing.T) {
	m := newPagedMachine(t)
	// Misaligned 2 MiB superpage at L1 index 1.
	if err := m.Bus.Write64(testL1+8, pte(RAMBase+0x1000, leafRWX)); err != nil {
		t.Fatal(err)
	}
	// Read-only page at L1 index 2.
	if err := m.Bus.Write64(testL1+16, pte(RAMBase+0x60_0000, PteV|PteR)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		vaddr  uint64
		access Access
		cause  uint64
	}{
		{"unmapped root entry", 0xffff_ffff_4000_0000, AccessRead, CauseLoadPageFault},
		{"non-canonical", 0x0000_0040_0000_0000, AccessFetch, CauseInsnPageFault},
		{"misaligned superpage", testHigh + 0x20_0000, AccessRead, CauseLoadPageFault},
		{"write to read-only", testHigh + 0x40_0000, AccessWrite, CauseStorePageFault},
		{"fetch from non-executable", testHigh + 0x40_0000, AccessFetch, CauseInsnPageFault},
		{"missing L1 entry", testHigh + 0x60_0000, AccessWrite, CauseStorePageFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.MMU.Translate(tt.vaddr, tt.access)
			expectFault(t, err, tt.cause)
		})
	}
}

func TestPagedExecution(t *testing.T) {
	m := newPagedMachine(t)
	loadProgram(t, m, RAMBase, []uint32{
		0x0002b503, // ld a0, 0(t0)
		0x00b2b023, // sd a1, 0(t0)
		0x0000006f, // j .
	})
	if err := m.Bus.Write64(highTarget+0x100, 0xdead_beef); err != nil {
		t.Fatal(err)
	}
	m.CPU.X[5] = testHigh + 0x100
	m.CPU.X[11] = 0x1234

	expectSpin(t, runUntilStop(t, m), RAMBase+8)
	if m.CPU.X[10] != 0xdead_beef {
		t.Fatalf("a0 = %#x, want 0xdeadbeef", m.CPU.X[10])
	}
	if got, _ := m.Bus.Read64(highTarget + 0x100); got != 0x1234 {
		t.Fatalf("stored %#x, want 0x1234", got)
	}
}

func TestFetchFaultsAfterSatpWithoutIdentity(t *testing.T) {
	m := NewMachine(8 << 20)
	if err := m.Bus.Write64(testRoot+510*8, pte(testL1, PteV)); err != nil {
		t.Fatal(err)
	}
	loadProgram(t, m, RAMBase, []uint32{
		0x18029073, // csrw satp, t0
		0x00000013, // nop
	})
	m.CPU.X[5] = satpSv39 | testRoot>>PageShift

	if err := m.Step(); err != nil {
		t.Fatalf("csrw satp: %v", err)
	}
	var trap *TrapError
	if err := m.Step(); !errors.As(err, &trap) {
		t.Fatalf("expected trap, got %v", err)
	}
	if trap.Cause != CauseInsnPageFault || trap.PC != RAMBase+4 {
		t.Fatalf("trap = %v, want instruction page fault at %#x", trap, RAMBase+4)
	}
}
