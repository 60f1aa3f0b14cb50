package riscv

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/sv39boot/internal/asm"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

var defaultELFConfig = ELFConfig{
	LinkAddress:      0xffffffff80000000,
	LoadAddress:      0x80200000,
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
	SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
}

// ELFConfig places a program in a single PT_LOAD segment whose virtual
// address is the link address and whose physical address is where a loader
// should put it.
type ELFConfig struct {
	LinkAddress      uint64
	LoadAddress      uint64
	SegmentOffset    uint64
	SegmentAlignment uint64
	SegmentFlags     elf.ProgFlag
}

func DefaultELFConfig() ELFConfig {
	return defaultELFConfig
}

// ELF wraps prog in an ELF64 EM_RISCV executable. Literal slots are
// relocated against cfg.LinkAddress and the entry point is the first byte
// of the program.
func ELF(prog asm.Program, cfg ELFConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	code := prog.RelocatedCopy(cfg.LinkAddress)
	fileSize := uint64(len(code))
	memSize := fileSize + uint64(prog.BSSSize())

	prefix := make([]byte, int(cfg.SegmentOffset))
	headerLimit := elfHeaderSize + elfProgramHeaderSize
	fillELFHeader(prefix[:elfHeaderSize], cfg)
	fillProgramHeader(prefix[elfHeaderSize:headerLimit], cfg, fileSize, memSize)

	return append(prefix, code...), nil
}

func (cfg ELFConfig) withDefaults() ELFConfig {
	def := DefaultELFConfig()
	if cfg.LinkAddress == 0 {
		cfg.LinkAddress = def.LinkAddress
	}
	if cfg.LoadAddress == 0 {
		cfg.LoadAddress = cfg.LinkAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = def.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = def.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = def.SegmentFlags
	}
	return cfg
}

func (cfg ELFConfig) validate() error {
	headerSize := uint64(elfHeaderSize + elfProgramHeaderSize)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.LinkAddress%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("link address %#x must be aligned to %#x", cfg.LinkAddress, cfg.SegmentAlignment)
	}
	if cfg.LoadAddress%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("load address %#x must be aligned to %#x", cfg.LoadAddress, cfg.SegmentAlignment)
	}
	return nil
}

func fillELFHeader(buf []byte, cfg ELFConfig) {
	clear(buf)
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], cfg.LinkAddress)
	binary.LittleEndian.PutUint64(buf[32:], uint64(elfHeaderSize))
	binary.LittleEndian.PutUint64(buf[40:], 0) // no section headers
	binary.LittleEndian.PutUint32(buf[48:], 0) // soft-float, no RVC
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(elfProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[56:], 1)
}

func fillProgramHeader(buf []byte, cfg ELFConfig, fileSize, memSize uint64) {
	clear(buf)
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint64(buf[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], cfg.LinkAddress)
	binary.LittleEndian.PutUint64(buf[24:], cfg.LoadAddress)
	binary.LittleEndian.PutUint64(buf[32:], fileSize)
	binary.LittleEndian.PutUint64(buf[40:], memSize)
	binary.LittleEndian.PutUint64(buf[48:], cfg.SegmentAlignment)
}
