package testutil

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// riscvDisassemblers lists tools tried in order by DisassembleRISCV. A host
// objdump rarely understands RISC-V, so the cross and LLVM variants come first.
var riscvDisassemblers = []struct {
	tool string
	args []string
}{
	{tool: "riscv64-linux-gnu-objdump", args: []string{"-d", "--no-show-raw-insn", "-M", "no-aliases"}},
	{tool: "riscv64-unknown-elf-objdump", args: []string{"-d", "--no-show-raw-insn", "-M", "no-aliases"}},
	{tool: "llvm-objdump", args: []string{"-d", "--no-show-raw-insn", "--triple=riscv64", "-M", "no-aliases"}},
}

// DisasmLine represents a single instruction line emitted by objdump.
// Operands has all whitespace removed, so "t2, t0, t1" reads "t2,t0,t1".
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
	Operands   string
}

// Contains reports whether the operands contain substr, ignoring whitespace.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Operands, strings.Join(strings.Fields(substr), ""))
}

// DisassembleRISCV disassembles RV64 code with the first available
// RISC-V capable disassembler, skipping the test when none is installed.
func DisassembleRISCV(t *testing.T, code []byte) []DisasmLine {
	t.Helper()
	for _, d := range riscvDisassemblers {
		path, err := exec.LookPath(d.tool)
		if err != nil {
			continue
		}
		return disassemble(t, path, code, d.args...)
	}
	t.Skip("no RISC-V disassembler found")
	return nil
}

func disassemble(t *testing.T, tool string, code []byte, args ...string) []DisasmLine {
	t.Helper()

	obj, err := textObject(code)
	if err != nil {
		t.Fatalf("build ELF wrapper: %v", err)
	}
	path := t.TempDir() + "/text.elf"
	if err := os.WriteFile(path, obj, 0o644); err != nil {
		t.Fatalf("write ELF wrapper: %v", err)
	}

	output, err := exec.Command(tool, append(args, path)...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s failed: %v\n\n%s", tool, err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

// textObject wraps code in a relocatable-looking ELF64 EM_RISCV file with a
// single executable .text section, which is all objdump -d needs.
func textObject(code []byte) ([]byte, error) {
	const (
		headerSize  = 64
		sectionSize = 64
		textAlign   = 16
	)
	shstrtab := []byte("\x00.text\x00.shstrtab\x00")

	textOff := uint64(headerSize)
	shstrOff := textOff + alignUp(uint64(len(code)), textAlign)
	shOff := shstrOff + alignUp(uint64(len(shstrtab)), 8)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    headerSize,
		Shentsize: sectionSize,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:       textOff,
			Size:      uint64(len(code)),
			Addralign: textAlign,
		},
		{
			Name:      uint32(len("\x00.text\x00")),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	buf.Write(code)
	buf.Write(make([]byte, shstrOff-uint64(buf.Len())))
	buf.Write(shstrtab)
	buf.Write(make([]byte, shOff-uint64(buf.Len())))
	if err := binary.Write(&buf, binary.LittleEndian, sections); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		if text == "" || strings.HasPrefix(text, "<") || strings.HasPrefix(text, ".") ||
			strings.HasPrefix(text, "file format") {
			continue
		}
		fields := strings.Fields(text)
		lines = append(lines, DisasmLine{
			Text:       text,
			Normalized: strings.Join(fields, " "),
			Mnemonic:   strings.ToLower(fields[0]),
			Operands:   strings.Join(fields[1:], ""),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}

func alignUp(v, boundary uint64) uint64 {
	return (v + boundary - 1) &^ (boundary - 1)
}
