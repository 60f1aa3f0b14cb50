package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/sv39boot/internal/asm"
)

// Major opcodes used by the boot subset.
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1b
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

const insnNop uint32 = 0x00000013

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func putInsn(code []byte, pos int, insn uint32) {
	binary.LittleEndian.PutUint32(code[pos:pos+4], insn)
}

func fitsSigned(v int64, bits uint) bool {
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return v >= lo && v <= hi
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func encodeR(funct7 uint32, rs2 uint32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeB(offset int64, rs1 uint32, rs2 uint32, funct3 uint32) (uint32, error) {
	if offset%2 != 0 {
		return 0, fmt.Errorf("riscv: branch offset %d is not 2-byte aligned", offset)
	}
	if !fitsSigned(offset, 13) {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", offset)
	}
	imm := uint32(offset) & 0x1fff
	insn := ((imm >> 12) & 0x1) << 31
	insn |= ((imm >> 5) & 0x3f) << 25
	insn |= rs2 << 20
	insn |= rs1 << 15
	insn |= funct3 << 12
	insn |= ((imm >> 1) & 0xf) << 8
	insn |= ((imm >> 11) & 0x1) << 7
	return insn | opBranch, nil
}

func encodeJ(offset int64, rd uint32) (uint32, error) {
	if offset%2 != 0 {
		return 0, fmt.Errorf("riscv: jump offset %d is not 2-byte aligned", offset)
	}
	if !fitsSigned(offset, 21) {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", offset)
	}
	imm := uint32(offset) & 0x1fffff
	insn := ((imm >> 20) & 0x1) << 31
	insn |= ((imm >> 1) & 0x3ff) << 21
	insn |= ((imm >> 11) & 0x1) << 20
	insn |= ((imm >> 12) & 0xff) << 12
	insn |= rd << 7
	return insn | opJal, nil
}

// splitPCRel splits a PC-relative displacement into the AUIPC upper part and
// the sign-extended low 12 bits consumed by the paired I-type instruction.
func splitPCRel(rel int64) (hi int32, lo int32, err error) {
	if !fitsSigned(rel, 32) {
		return 0, 0, fmt.Errorf("riscv: pc-relative offset %d out of range", rel)
	}
	h := (rel + 0x800) >> 12
	l := rel - (h << 12)
	return int32(h), int32(l), nil
}

func mustEncodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) uint32 {
	insn, err := encodeI(imm, rs1, funct3, rd, opcode)
	if err != nil {
		panic(err)
	}
	return insn
}
