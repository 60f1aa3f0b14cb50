package riscv

import (
	"bytes"
	"debug/elf"
	"io"
	"strings"
	"testing"

	"github.com/tinyrange/sv39boot/internal/asm"
)

func TestELFSegment(t *testing.T) {
	prog, err := EmitProgram(asm.Group{
		LoadAbsolute(T0, "bss"),
		JumpReg(T0),
		Reserve("bss", 4096, 4096),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}

	cfg := ELFConfig{LinkAddress: 0xffffffff80200000, LoadAddress: 0x80200000}
	image, err := ELF(prog, cfg)
	if err != nil {
		t.Fatalf("ELF: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV || f.Type != elf.ET_EXEC {
		t.Errorf("header class=%v machine=%v type=%v", f.Class, f.Machine, f.Type)
	}
	if f.Entry != cfg.LinkAddress {
		t.Errorf("entry = %#x, want %#x", f.Entry, cfg.LinkAddress)
	}
	if len(f.Progs) != 1 {
		t.Fatalf("got %d program headers, want 1", len(f.Progs))
	}
	p := f.Progs[0]
	if p.Type != elf.PT_LOAD || p.Vaddr != cfg.LinkAddress || p.Paddr != cfg.LoadAddress {
		t.Errorf("segment type=%v vaddr=%#x paddr=%#x", p.Type, p.Vaddr, p.Paddr)
	}
	if p.Filesz != uint64(len(prog.Bytes())) || p.Memsz != uint64(prog.Size()) {
		t.Errorf("filesz=%d memsz=%d, want %d and %d", p.Filesz, p.Memsz, len(prog.Bytes()), prog.Size())
	}
	if p.Flags != elf.PF_R|elf.PF_W|elf.PF_X || p.Align != 0x1000 || p.Off != 0x1000 {
		t.Errorf("flags=%v align=%#x off=%#x", p.Flags, p.Align, p.Off)
	}

	data, err := io.ReadAll(p.Open())
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if !bytes.Equal(data, prog.RelocatedCopy(cfg.LinkAddress)) {
		t.Error("segment bytes are not the program relocated to the link address")
	}
}

func TestELFLoadDefaultsToLink(t *testing.T) {
	prog, err := EmitProgram(Halt())
	if err != nil {
		t.Fatal(err)
	}
	image, err := ELF(prog, ELFConfig{LinkAddress: 0x80000000})
	if err != nil {
		t.Fatalf("ELF: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := f.Progs[0].Paddr; got != 0x80000000 {
		t.Errorf("paddr = %#x, want the link address", got)
	}
}

func TestELFRejectsBadLayout(t *testing.T) {
	prog, err := EmitProgram(Halt())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		cfg  ELFConfig
		want string
	}{
		{"misaligned link", ELFConfig{LinkAddress: 0x80000800}, "link address"},
		{"misaligned load", ELFConfig{LinkAddress: 0x80000000, LoadAddress: 0x80000010}, "load address"},
		{"offset inside headers", ELFConfig{LinkAddress: 0x80000000, SegmentOffset: 64, SegmentAlignment: 64}, "too small"},
		{"odd alignment", ELFConfig{LinkAddress: 0x80000000, SegmentAlignment: 0x1800}, "power of two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ELF(prog, tt.cfg); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ELF error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
