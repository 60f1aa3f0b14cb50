package sv39

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

func TestIndexDerivation(t *testing.T) {
	tests := []struct {
		addr             uint64
		vpn2, vpn1, vpn0 int
	}{
		{0x8020_0000, 2, 1, 0},
		{0x8020_1000, 2, 1, 1},
		{HighHalfBase, HighHalfRootIndex, 0, 0},
		{0xFFFF_FFFF_8020_0000, 510, 1, 0},
		{0xFFFF_FFFF_C000_0000, 511, 0, 0},
		{0x0000_007F_FFFF_F000, 511, 511, 511},
	}
	for _, tt := range tests {
		got := [3]int{VPN2(tt.addr), VPN1(tt.addr), VPN0(tt.addr)}
		want := [3]int{tt.vpn2, tt.vpn1, tt.vpn0}
		if got != want {
			t.Errorf("indices(%#x) = %v, want %v", tt.addr, got, want)
		}
		if Index(2, tt.addr) != tt.vpn2 || Index(1, tt.addr) != tt.vpn1 || Index(0, tt.addr) != tt.vpn0 {
			t.Errorf("Index disagrees with VPNx for %#x", tt.addr)
		}
	}
}

func TestIndexDerivationIgnoresOtherBits(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	fields := []struct {
		name  string
		fn    func(uint64) int
		shift uint
	}{
		{"vpn2", VPN2, 30},
		{"vpn1", VPN1, 21},
		{"vpn0", VPN0, 12},
	}
	for _, f := range fields {
		own := uint64(0x1ff) << f.shift
		for i := 0; i < 10000; i++ {
			addr := rng.Uint64()
			noise := rng.Uint64() &^ own
			if got, want := f.fn(addr^noise), f.fn(addr); got != want {
				t.Fatalf("%s(%#x) = %d, but %s(%#x) = %d", f.name, addr^noise, got, f.name, addr, want)
			}
			if got := f.fn(addr); uint64(got) != (addr&own)>>f.shift {
				t.Fatalf("%s(%#x) = %d, not bits %d..%d", f.name, addr, got, f.shift+8, f.shift)
			}
		}
	}
}

func TestPTEEncoding(t *testing.T) {
	for _, pa := range []uint64{0, 0x1000, 0x8020_0000, 0x8020_1000, 0x40_0000_0000, 0xF_FFFF_FFFF_F000} {
		pte := NewPTE(pa, DefaultLeafFlags)
		canonical := PTE((pa>>PageShift)<<10) | DefaultLeafFlags
		if pte != canonical {
			t.Errorf("NewPTE(%#x) = %#x, want %#x", pa, uint64(pte), uint64(canonical))
		}
		if pte.Physical() != pa {
			t.Errorf("NewPTE(%#x).Physical() = %#x", pa, pte.Physical())
		}
	}

	if got := NewPTE(0x8020_0000, DefaultLeafFlags); got != 0x2008_000F {
		t.Errorf("scenario leaf = %#x, want 0x2008000f", uint64(got))
	}

	leaf := NewPTE(0x8020_0000, FlagV|FlagR)
	ptr := Pointer(0x8040_0000)
	if !leaf.IsLeaf() || leaf.IsPointer() {
		t.Errorf("%v should be a leaf", leaf)
	}
	if !ptr.IsPointer() || ptr.IsLeaf() {
		t.Errorf("%v should be a pointer", ptr)
	}
	if PTE(0).Valid() {
		t.Error("zero entry is valid")
	}
	if got := (DefaultLeafFlags | FlagA | FlagD).FlagString(); got != "DA--XWRV" {
		t.Errorf("FlagString = %q", got)
	}
}

func TestSelectGranularity(t *testing.T) {
	all := NewGranularitySet(Giga1G, Mega2M, Page4K)
	tests := []struct {
		name  string
		set   GranularitySet
		paddr uint64
		vaddr uint64
		want  Granularity
		fails bool
	}{
		{"2MiB boundary", DefaultGranularities, 0x8020_0000, 0xFFFF_FFFF_8020_0000, Mega2M, false},
		{"one page below 2MiB", DefaultGranularities, 0x801F_F000, 0xFFFF_FFFF_801F_F000, Page4K, false},
		{"one byte below 2MiB", DefaultGranularities, 0x801F_FFFF, 0xFFFF_FFFF_801F_FFFF, 0, true},
		{"virtual misaligned only", DefaultGranularities, 0x8020_0000, 0xFFFF_FFFF_8020_1000, Page4K, false},
		{"large only rejects 4K", NewGranularitySet(Mega2M), 0x801F_F000, 0xFFFF_FFFF_801F_F000, 0, true},
		{"giga and large reject 4K", NewGranularitySet(Giga1G, Mega2M), 0x8020_1000, 0xFFFF_FFFF_8020_1000, 0, true},
		{"giga preferred", all, 0x8000_0000, HighHalfBase, Giga1G, false},
		{"giga not enabled", DefaultGranularities, 0x8000_0000, HighHalfBase, Mega2M, false},
		{"empty set", 0, 0x8000_0000, HighHalfBase, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectGranularity(tt.set, tt.paddr, tt.vaddr)
			if tt.fails {
				if !errors.Is(err, ErrUnsupportedAlignment) {
					t.Fatalf("expected ErrUnsupportedAlignment, got %v (%v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGranularityScratchPages(t *testing.T) {
	want := map[Granularity]int{Giga1G: 1, Mega2M: 3, Page4K: 5}
	for g, n := range want {
		if got := g.ScratchPages(); got != n {
			t.Errorf("%v.ScratchPages() = %d, want %d", g, got, n)
		}
	}
	if g, ok := DefaultGranularities.Finest(); !ok || g != Page4K {
		t.Errorf("finest default = %v %v", g, ok)
	}
	if s := DefaultGranularities.String(); s != "{2M,4K}" {
		t.Errorf("String = %q", s)
	}
}

func buildBoot(t *testing.T, p BootParams, scratchBase uint64, pages int) (*FrameMemory, *BootTables) {
	t.Helper()
	mem := NewFrameMemory()
	scratch, err := NewScratch(scratchBase, pages)
	if err != nil {
		t.Fatal(err)
	}
	bt, err := BuildBoot(mem, scratch, p)
	if err != nil {
		t.Fatalf("BuildBoot: %v", err)
	}
	return mem, bt
}

func TestScenarioLargeLeaf(t *testing.T) {
	const (
		paddr   = 0x8020_0000
		vaddr   = 0xFFFF_FFFF_8020_0000
		scratch = 0x8040_0000
	)
	mem, bt := buildBoot(t, BootParams{Physical: paddr, Virtual: vaddr, Size: 2 * mib}, scratch, 3)

	if bt.Granularity != Mega2M {
		t.Fatalf("granularity = %v, want 2M", bt.Granularity)
	}
	wantTables := []TableRef{
		{Addr: scratch, Level: 2},
		{Addr: scratch + PageSize, Level: 1},
		{Addr: scratch + 2*PageSize, Level: 1},
	}
	if diff := cmp.Diff(wantTables, bt.Tree.Tables); diff != "" {
		t.Fatalf("tables mismatch (-want +got):\n%s", diff)
	}

	root, err := ReadTable(mem, bt.Tree.Root)
	if err != nil {
		t.Fatal(err)
	}
	if root[510] != Pointer(scratch+2*PageSize) {
		t.Fatalf("root[510] = %v, want pointer to relocation L1", root[510])
	}
	if root[2] != Pointer(scratch+PageSize) {
		t.Fatalf("root[2] = %v, want pointer to identity L1", root[2])
	}

	for _, addr := range []uint64{vaddr, paddr} {
		tr, err := Translate(mem, bt.Tree.Root, addr)
		if err != nil {
			t.Fatalf("translate %#x: %v", addr, err)
		}
		if tr.Physical != paddr || tr.Level != 1 || tr.Leaf.Flags() != DefaultLeafFlags {
			t.Fatalf("translate %#x = %+v", addr, tr)
		}
		if len(tr.Path) != 2 || !tr.Path[0].IsPointer() {
			t.Fatalf("translate %#x did not pass through one pointer level: %v", addr, tr.Path)
		}
	}
	if len(bt.Tree.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", bt.Tree.Conflicts)
	}
	if want := Satp(scratch); bt.Tree.Satp() != want || want != 8<<60|0x80400 {
		t.Fatalf("satp = %#x", bt.Tree.Satp())
	}
}

func checkRoundTrip(t *testing.T, mem Memory, root uint64, w Window) {
	t.Helper()
	stride := uint64(1)
	if testing.Short() {
		stride = 61
	}
	for off := uint64(0); off < w.Covered(); off += stride {
		tr, err := Translate(mem, root, w.Virtual+off)
		if err != nil {
			t.Fatalf("%s: translate %#x: %v", w.Name, w.Virtual+off, err)
		}
		if tr.Physical != w.Physical+off {
			t.Fatalf("%s: translate %#x = %#x, want %#x", w.Name, w.Virtual+off, tr.Physical, w.Physical+off)
		}
	}
}

func TestRoundTripEveryByte(t *testing.T) {
	tests := []struct {
		name  string
		p     BootParams
		pages int
	}{
		{
			name:  "large leaf",
			p:     BootParams{Physical: 0x8020_0000, Virtual: 0xFFFF_FFFF_8020_0000, Size: 2 * mib},
			pages: 3,
		},
		{
			name:  "small leaf",
			p:     BootParams{Physical: 0x8020_1000, Virtual: 0xFFFF_FFFF_8020_1000, Size: 64 << 10},
			pages: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, bt := buildBoot(t, tt.p, 0x8100_0000, tt.pages)
			if len(bt.Tree.Windows) != 2 {
				t.Fatalf("got %d windows", len(bt.Tree.Windows))
			}
			for _, cov := range bt.Tree.Windows {
				if cov.Covered < tt.p.Size {
					t.Fatalf("%s covers %#x, want at least %#x", cov.Window.Name, cov.Covered, tt.p.Size)
				}
				checkRoundTrip(t, mem, bt.Tree.Root, cov.Window)
			}
		})
	}
}

func TestSmallLeafLayout(t *testing.T) {
	const (
		paddr   = 0x8020_1000
		vaddr   = 0xFFFF_FFFF_8020_1000
		scratch = 0x8100_0000
	)
	mem, bt := buildBoot(t, BootParams{Physical: paddr, Virtual: vaddr, Size: 64 << 10}, scratch, 5)
	if bt.Granularity != Page4K {
		t.Fatalf("granularity = %v", bt.Granularity)
	}
	if len(bt.Tree.Tables) != 5 {
		t.Fatalf("tables = %v, want 5", bt.Tree.Tables)
	}

	l0, err := ReadTable(mem, scratch+4*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 16; k++ {
		want := NewPTE(paddr+uint64(k)*PageSize, DefaultLeafFlags)
		if l0[1+k] != want {
			t.Fatalf("relocation L0[%d] = %v, want %v", 1+k, l0[1+k], want)
		}
	}
	if l0[17].Valid() || l0[0].Valid() {
		t.Fatalf("sweep wrote outside the window: [0]=%v [17]=%v", l0[0], l0[17])
	}

	if _, err := Translate(mem, bt.Tree.Root, vaddr+64<<10); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("address past window: %v", err)
	}
}

func TestGigaLeaf(t *testing.T) {
	p := BootParams{
		Physical:      0x8000_0000,
		Virtual:       HighHalfBase,
		Size:          gib,
		Granularities: NewGranularitySet(Giga1G, Mega2M, Page4K),
	}
	mem, bt := buildBoot(t, p, 0x8100_0000, 1)
	if bt.Granularity != Giga1G || len(bt.Tree.Tables) != 1 {
		t.Fatalf("granularity %v tables %v", bt.Granularity, bt.Tree.Tables)
	}
	tr, err := Translate(mem, bt.Tree.Root, HighHalfBase+0x1234_5678)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Physical != 0x8000_0000+0x1234_5678 || tr.Level != 2 {
		t.Fatalf("translation = %+v", tr)
	}
}

func TestRootIndexFollowsLinkAddress(t *testing.T) {
	const vaddr = 0xFFFF_FFFF_C020_0000
	mem, bt := buildBoot(t, BootParams{Physical: 0x8020_0000, Virtual: vaddr, Size: 2 * mib}, 0x8100_0000, 3)
	root, _ := ReadTable(mem, bt.Tree.Root)
	if root[HighHalfRootIndex].Valid() {
		t.Fatalf("root[%d] set for a link address in root slot 511", HighHalfRootIndex)
	}
	if !root[511].IsPointer() {
		t.Fatalf("root[511] = %v, want pointer", root[511])
	}
}

func TestWindowCollisions(t *testing.T) {
	leaf := func(pa uint64) PTE { return NewPTE(pa, DefaultLeafFlags) }

	tests := []struct {
		name      string
		windows   []Window
		tables    int
		conflicts []Conflict
		checks    map[uint64]uint64
	}{
		{
			name:    "shared root index",
			windows: BootWindows(0x8020_0000, 0x80A0_0000, 2*mib, Mega2M, 0),
			tables:  2,
			checks: map[uint64]uint64{
				0x8020_0000: 0x8020_0000,
				0x80A0_0000: 0x8020_0000,
			},
		},
		{
			name:    "shared leaf index with different targets",
			windows: BootWindows(0x8020_0000, 0x8040_0000, 4*mib, Mega2M, 0),
			tables:  2,
			conflicts: []Conflict{{
				Window:   "relocation",
				Level:    1,
				Index:    2,
				Table:    0x8100_1000,
				Existing: leaf(0x8040_0000),
				Wanted:   leaf(0x8020_0000),
			}},
			checks: map[uint64]uint64{
				0x8020_0000: 0x8020_0000,
				0x8040_0000: 0x8040_0000, // identity kept
				0x8060_0000: 0x8040_0000,
			},
		},
		{
			name:    "full overlap",
			windows: BootWindows(0x8020_0000, 0x8020_0000, 2*mib, Mega2M, 0),
			tables:  2,
			checks:  map[uint64]uint64{0x8020_0000: 0x8020_0000},
		},
		{
			name:    "full overlap small",
			windows: BootWindows(0x8020_1000, 0x8020_1000, 8<<10, Page4K, 0),
			tables:  3,
			checks:  map[uint64]uint64{0x8020_2000: 0x8020_2000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewFrameMemory()
			scratch, _ := NewScratch(0x8100_0000, 5)
			tree, err := Build(mem, scratch, PolicyMerge, tt.windows...)
			if err != nil {
				t.Fatal(err)
			}
			if len(tree.Tables) != tt.tables {
				t.Fatalf("tables = %v, want %d", tree.Tables, tt.tables)
			}
			if diff := cmp.Diff(tt.conflicts, tree.Conflicts); diff != "" {
				t.Fatalf("conflicts mismatch (-want +got):\n%s", diff)
			}
			for va, pa := range tt.checks {
				tr, err := Translate(mem, tree.Root, va)
				if err != nil {
					t.Fatalf("translate %#x: %v", va, err)
				}
				if tr.Physical != pa {
					t.Fatalf("translate %#x = %#x, want %#x", va, tr.Physical, pa)
				}
			}

			scratch, _ = NewScratch(0x8100_0000, 5)
			_, err = Build(NewFrameMemory(), scratch, PolicyDetect, tt.windows...)
			if len(tt.conflicts) == 0 {
				if err != nil {
					t.Fatalf("detect policy: %v", err)
				}
				return
			}
			var ce *ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("detect policy: expected ConflictError, got %v", err)
			}
			if diff := cmp.Diff(tt.conflicts[0], ce.Conflict); diff != "" {
				t.Fatalf("detected conflict mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLeafOverPointerIsAConflict(t *testing.T) {
	mem := NewFrameMemory()
	scratch, _ := NewScratch(0x8100_0000, 5)
	tree, err := Build(mem, scratch, PolicyMerge,
		Window{Name: "giga", Virtual: 0x8000_0000, Physical: 0x8000_0000, Size: gib, Granularity: Giga1G},
		Window{Name: "large", Virtual: 0x8020_0000, Physical: 0x9000_0000, Size: 2 * mib, Granularity: Mega2M},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Conflicts) != 1 || tree.Conflicts[0].Level != 2 || tree.Conflicts[0].Window != "large" {
		t.Fatalf("conflicts = %v", tree.Conflicts)
	}
	if tree.Windows[1].Entries != 0 {
		t.Fatalf("blocked window reported %d entries", tree.Windows[1].Entries)
	}
}

func TestLeafSweepClipsAtTableEnd(t *testing.T) {
	const virt = 0x8000_0000 + 510*2*mib
	for _, size := range []uint64{8 * mib, 0} {
		w := Window{Name: "tail", Virtual: virt, Physical: virt, Size: size, Granularity: Mega2M}
		if got := w.LeafCount(); got != 2 {
			t.Fatalf("size %#x: LeafCount = %d, want 2", size, got)
		}
		mem := NewFrameMemory()
		scratch, _ := NewScratch(0x8100_0000, 3)
		tree, err := Build(mem, scratch, PolicyMerge, w)
		if err != nil {
			t.Fatal(err)
		}
		if tree.Windows[0].Covered != 4*mib {
			t.Fatalf("covered = %#x", tree.Windows[0].Covered)
		}
		if _, err := Translate(mem, tree.Root, virt+4*mib); !errors.Is(err, ErrNotMapped) {
			t.Fatalf("next root slot should be unmapped: %v", err)
		}
	}

	w := Window{Virtual: 0x8020_0000, Size: 1, Granularity: Mega2M}
	if got := w.LeafCount(); got != 1 {
		t.Fatalf("partial leaf rounds up: LeafCount = %d", got)
	}
}

func TestScratchExhausted(t *testing.T) {
	mem := NewFrameMemory()
	scratch, _ := NewScratch(0x8100_0000, 3)
	_, err := BuildBoot(mem, scratch, BootParams{Physical: 0x8020_1000, Virtual: 0xFFFF_FFFF_8020_1000, Size: 4096})
	if !errors.Is(err, ErrScratchExhausted) {
		t.Fatalf("expected ErrScratchExhausted, got %v", err)
	}
}

func TestBuildZeroesScratch(t *testing.T) {
	mem := NewFrameMemory()
	const base = 0x8100_0000
	for off := uint64(0); off < 3*PageSize; off += 8 {
		_ = mem.Write64(base+off, 0xffff_ffff_ffff_ffff)
	}
	scratch, _ := NewScratch(base, 3)
	tree, err := Build(mem, scratch, PolicyMerge, BootWindows(0x8020_0000, HighHalfBase+0x20_0000, 2*mib, Mega2M, 0)...)
	if err != nil {
		t.Fatal(err)
	}
	leaves, err := Leaves(mem, tree.Root)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]uint64, 0, len(leaves))
	for _, l := range leaves {
		got = append(got, l.Virtual)
	}
	want := []uint64{0x8020_0000, HighHalfBase + 0x20_0000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowValidate(t *testing.T) {
	tests := []struct {
		name string
		w    Window
		is   error
	}{
		{"misaligned", Window{Virtual: 0x8020_1000, Physical: 0x8020_1000, Granularity: Mega2M}, ErrUnsupportedAlignment},
		{"non-canonical", Window{Virtual: 0x40_0000_0000, Physical: 0x8020_0000, Granularity: Mega2M}, nil},
		{"no access", Window{Virtual: 0x8020_0000, Physical: 0x8020_0000, Granularity: Mega2M, Flags: FlagG}, nil},
	}
	for _, tt := range tests {
		err := tt.w.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if tt.is != nil && !errors.Is(err, tt.is) {
			t.Errorf("%s: error %v is not %v", tt.name, err, tt.is)
		}
	}
}

func TestFrameMemory(t *testing.T) {
	m := NewFrameMemory()
	if v, err := m.Read64(0x1000); err != nil || v != 0 {
		t.Fatalf("untouched read = %#x, %v", v, err)
	}
	if err := m.Write64(0x2004, 1); err == nil {
		t.Fatal("unaligned write accepted")
	}
	_ = m.Write64(0x3ff8, 7)
	_ = m.Write64(0x1000, 9)
	if v, _ := m.Read64(0x3ff8); v != 7 {
		t.Fatalf("read back %#x", v)
	}
	if diff := cmp.Diff([]uint64{0x1000, 0x3000}, m.Frames()); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}
