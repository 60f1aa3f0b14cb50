package main

import (
	"bytes"
	"context"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/sv39boot/internal/boot/riscv64"
	"github.com/tinyrange/sv39boot/internal/sv39"
)

func rvboot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUnknownCommand(t *testing.T) {
	if _, err := rvboot(t, "frobnicate"); err == nil || !strings.Contains(err.Error(), "frobnicate") {
		t.Fatalf("unknown command = %v", err)
	}
	if _, err := rvboot(t); err == nil {
		t.Fatal("no command succeeded")
	}
}

func TestBuildELF(t *testing.T) {
	out := filepath.Join(t.TempDir(), "boot.elf")
	if _, err := rvboot(t, "build", "-o", out); err != nil {
		t.Fatalf("build: %v", err)
	}
	f, err := elf.Open(out)
	if err != nil {
		t.Fatalf("open ELF: %v", err)
	}
	defer f.Close()
	if f.Machine != elf.EM_RISCV || f.Entry != riscv64.DefaultLinkAddress {
		t.Errorf("machine %v entry %#x", f.Machine, f.Entry)
	}
}

func TestBuildFlatToPipe(t *testing.T) {
	data, err := rvboot(t, "build", "-o", "-", "-format", "flat")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	img, err := riscv64.Link(riscv64.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal([]byte(data), img.Flat()) {
		t.Errorf("flat output is %d bytes, want the %d-byte image", len(data), img.Layout.Size)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := [][]string{
		{"build"},
		{"build", "-o", "-", "-format", "srec"},
		{"build", "-o", "x.bin", "-config", filepath.Join(t.TempDir(), "missing.yaml")},
	}
	for _, args := range tests {
		if _, err := rvboot(t, args...); err == nil {
			t.Errorf("rvboot %v succeeded", args)
		}
	}
}

func TestPlan(t *testing.T) {
	out, err := rvboot(t, "plan", "-load", "0x80201000")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, want := range []string{"path       4K", "identity", "relocation", "L0 @", "conflicts", "none"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output lacks %q:\n%s", want, out)
		}
	}
}

func TestPlanHalt(t *testing.T) {
	cfg := writeConfig(t, "granularities: [2M]\n")
	out, err := rvboot(t, "plan", "-config", cfg, "-load", "0x80201000")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(out, "halts") {
		t.Errorf("plan output does not mention the halt:\n%s", out)
	}
}

func TestRun(t *testing.T) {
	out, err := rvboot(t, "run", "-trace", "4")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"handoff", "<_park>", "trace (last 4", "tables match the model"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output lacks %q:\n%s", want, out)
		}
	}
}

func TestRunConflict(t *testing.T) {
	cfg := writeConfig(t, "link_address: 0x80400000\nimage_size: 4MiB\nram_size: 16MiB\n")
	out, err := rvboot(t, "run", "-config", cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"trapped", "illegal instruction", "relocation"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output lacks %q:\n%s", want, out)
		}
	}
}

func TestSweep(t *testing.T) {
	out, err := rvboot(t, "sweep", "-from", "0x801fe000", "-to", "0x80202000", "-step", "2KiB", "-jobs", "2", "-ram", "16MiB")
	if err != nil {
		t.Fatalf("sweep: %v\n%s", err, out)
	}
	for _, want := range []string{"sweep of 9 load addresses", "halted", "2M path", "4K path", "matches the table model"} {
		if !strings.Contains(out, want) {
			t.Errorf("sweep output lacks %q:\n%s", want, out)
		}
	}
}

func TestTableRunsFoldConsecutiveLeaves(t *testing.T) {
	var table sv39.Table
	for i := 1; i <= 3; i++ {
		table[i] = sv39.NewPTE(0x8020_0000+uint64(i-1)*sv39.PageSize, sv39.DefaultLeafFlags)
	}
	table[7] = sv39.Pointer(0x8100_0000)
	table[9] = sv39.NewPTE(0x9000_0000, sv39.DefaultLeafFlags)

	got := tableRuns(table, 0)
	want := []string{
		"[  1-  3]   0x80200000 " + sv39.DefaultLeafFlags.FlagString(),
		"[  7]       -> table 0x81000000",
		"[  9]       0x90000000 " + sv39.DefaultLeafFlags.FlagString(),
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("tableRuns =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestPrinterTableAlignsStyledCells(t *testing.T) {
	var plain, styled bytes.Buffer
	rows := [][]string{{"identity", "0x80200000"}, {"relocation", "0xffffffff80200000"}}

	(&printer{w: &plain}).table([]string{"WINDOW", "VIRTUAL"}, rows)
	sp := &printer{w: &styled, color: true}
	styledRows := [][]string{
		{sp.styled(styleHeading, rows[0][0]), rows[0][1]},
		{rows[1][0], rows[1][1]},
	}
	sp.table([]string{"WINDOW", "VIRTUAL"}, styledRows)

	if got := ansi.Strip(styled.String()); got != plain.String() {
		t.Errorf("styled table differs once stripped:\n%s\nplain:\n%s", got, plain.String())
	}
}

func TestSymbolizer(t *testing.T) {
	img, err := riscv64.Link(riscv64.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	const load = 0x8020_0000
	s := newSymbolizer(img, load)
	abs, _ := img.Symbol(riscv64.SymAbsStart)

	tests := map[uint64]string{
		load:                   "_stext",
		load + 4:               "_stext+0x4",
		abs:                    "_abs_start",
		load + img.Layout.Text: "?",
		0x1000:                 "?",
	}
	for pc, want := range tests {
		if got := s.name(pc); got != want {
			t.Errorf("name(%#x) = %q, want %q", pc, got, want)
		}
	}
}
