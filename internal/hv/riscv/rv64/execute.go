package rv64

// Opcode constants
const (
	OpLoad    = 0b0000011
	OpMiscMem = 0b0001111
	OpOpImm   = 0b0010011
	OpAuipc   = 0b0010111
	OpOpImm32 = 0b0011011
	OpStore   = 0b0100011
	OpOp      = 0b0110011
	OpLui     = 0b0110111
	OpOp32    = 0b0111011
	OpBranch  = 0b1100011
	OpJalr    = 0b1100111
	OpJal     = 0b1101111
	OpSystem  = 0b1110011
)

func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func immI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 {
	return signExtend(uint64(insn&0xfffff000), 32)
}

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

// Execute runs one instruction located at cpu.PC. On success cpu.PC holds
// the address of the next instruction; on error it is left unchanged.
func (cpu *CPU) Execute(insn uint32) error {
	cpu.nextPC = cpu.PC + 4

	var err error
	switch opcode(insn) {
	case OpLui:
		cpu.WriteReg(rd(insn), uint64(immU(insn)))
	case OpAuipc:
		cpu.WriteReg(rd(insn), uint64(int64(cpu.PC)+immU(insn)))
	case OpJal:
		err = cpu.jump(insn, uint64(int64(cpu.PC)+immJ(insn)))
	case OpJalr:
		if funct3(insn) != 0 {
			return Exception(CauseIllegalInsn, uint64(insn))
		}
		target := uint64(int64(cpu.ReadReg(rs1(insn)))+immI(insn)) &^ 1
		err = cpu.jump(insn, target)
	case OpBranch:
		err = cpu.execBranch(insn)
	case OpLoad:
		err = cpu.execLoad(insn)
	case OpStore:
		err = cpu.execStore(insn)
	case OpOpImm:
		err = cpu.execOpImm(insn)
	case OpOpImm32:
		err = cpu.execOpImm32(insn)
	case OpOp:
		err = cpu.execOp(insn)
	case OpOp32:
		err = cpu.execOp32(insn)
	case OpMiscMem:
		err = cpu.execMiscMem(insn)
	case OpSystem:
		err = cpu.execSystem(insn)
	default:
		err = Exception(CauseIllegalInsn, uint64(insn))
	}
	if err != nil {
		return err
	}

	cpu.PC = cpu.nextPC
	return nil
}

func (cpu *CPU) jump(insn uint32, target uint64) error {
	if target&3 != 0 {
		return Exception(CauseInsnAddrMisaligned, target)
	}
	cpu.WriteReg(rd(insn), cpu.PC+4)
	cpu.nextPC = target
	return nil
}

func (cpu *CPU) execBranch(insn uint32) error {
	r1 := cpu.ReadReg(rs1(insn))
	r2 := cpu.ReadReg(rs2(insn))

	var taken bool
	switch funct3(insn) {
	case 0b000: // BEQ
		taken = r1 == r2
	case 0b001: // BNE
		taken = r1 != r2
	case 0b100: // BLT
		taken = int64(r1) < int64(r2)
	case 0b101: // BGE
		taken = int64(r1) >= int64(r2)
	case 0b110: // BLTU
		taken = r1 < r2
	case 0b111: // BGEU
		taken = r1 >= r2
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if taken {
		target := uint64(int64(cpu.PC) + immB(insn))
		if target&3 != 0 {
			return Exception(CauseInsnAddrMisaligned, target)
		}
		cpu.nextPC = target
	}
	return nil
}

func (cpu *CPU) execLoad(insn uint32) error {
	vaddr := uint64(int64(cpu.ReadReg(rs1(insn))) + immI(insn))
	f3 := funct3(insn)

	size := 1 << (f3 & 3)
	if f3 == 0b111 {
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	if vaddr&uint64(size-1) != 0 {
		return Exception(CauseLoadAddrMisaligned, vaddr)
	}

	paddr, err := cpu.MMU.Translate(vaddr, AccessRead)
	if err != nil {
		return err
	}
	raw, err := cpu.Bus.Read(paddr, size)
	if err != nil {
		return Exception(CauseLoadAccessFault, vaddr)
	}

	var val uint64
	switch f3 {
	case 0b000: // LB
		val = uint64(int8(raw))
	case 0b001: // LH
		val = uint64(int16(raw))
	case 0b010: // LW
		val = uint64(int32(raw))
	default: // LD, LBU, LHU, LWU
		val = raw
	}

	cpu.WriteReg(rd(insn), val)
	return nil
}

func (cpu *CPU) execStore(insn uint32) error {
	vaddr := uint64(int64(cpu.ReadReg(rs1(insn))) + immS(insn))
	f3 := funct3(insn)
	if f3 > 0b011 {
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	size := 1 << f3
	if vaddr&uint64(size-1) != 0 {
		return Exception(CauseStoreAddrMisaligned, vaddr)
	}

	paddr, err := cpu.MMU.Translate(vaddr, AccessWrite)
	if err != nil {
		return err
	}
	if err := cpu.Bus.Write(paddr, size, cpu.ReadReg(rs2(insn))); err != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}
	return nil
}

func (cpu *CPU) execOpImm(insn uint32) error {
	r1 := cpu.ReadReg(rs1(insn))
	imm := immI(insn)
	sh := (insn >> 20) & 0x3f

	var val uint64
	switch funct3(insn) {
	case 0b000: // ADDI
		val = uint64(int64(r1) + imm)
	case 0b001: // SLLI
		if insn>>26 != 0 {
			return Exception(CauseIllegalInsn, uint64(insn))
		}
		val = r1 << sh
	case 0b010: // SLTI
		if int64(r1) < imm {
			val = 1
		}
	case 0b011: // SLTIU
		if r1 < uint64(imm) {
			val = 1
		}
	case 0b100: // XORI
		val = r1 ^ uint64(imm)
	case 0b101: // SRLI/SRAI
		switch insn >> 26 {
		case 0b000000:
			val = r1 >> sh
		case 0b010000:
			val = uint64(int64(r1) >> sh)
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}
	case 0b110: // ORI
		val = r1 | uint64(imm)
	case 0b111: // ANDI
		val = r1 & uint64(imm)
	}

	cpu.WriteReg(rd(insn), val)
	return nil
}

func (cpu *CPU) execOpImm32(insn uint32) error {
	r1 := uint32(cpu.ReadReg(rs1(insn)))
	imm := int32(immI(insn))
	sh := (insn >> 20) & 0x1f

	var val int32
	switch funct3(insn) {
	case 0b000: // ADDIW
		val = int32(r1) + imm
	case 0b001: // SLLIW
		val = int32(r1 << sh)
	case 0b101: // SRLIW/SRAIW
		if (insn>>30)&1 == 1 {
			val = int32(r1) >> sh
		} else {
			val = int32(r1 >> sh)
		}
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	cpu.WriteReg(rd(insn), uint64(int64(val)))
	return nil
}

func (cpu *CPU) execOp(insn uint32) error {
	r1 := cpu.ReadReg(rs1(insn))
	r2 := cpu.ReadReg(rs2(insn))
	f7 := funct7(insn)
	if f7 != 0 && f7 != 0b0100000 {
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	var val uint64
	switch funct3(insn) {
	case 0b000: // ADD/SUB
		if f7 == 0b0100000 {
			val = r1 - r2
		} else {
			val = r1 + r2
		}
	case 0b001: // SLL
		val = r1 << (r2 & 0x3f)
	case 0b010: // SLT
		if int64(r1) < int64(r2) {
			val = 1
		}
	case 0b011: // SLTU
		if r1 < r2 {
			val = 1
		}
	case 0b100: // XOR
		val = r1 ^ r2
	case 0b101: // SRL/SRA
		if f7 == 0b0100000 {
			val = uint64(int64(r1) >> (r2 & 0x3f))
		} else {
			val = r1 >> (r2 & 0x3f)
		}
	case 0b110: // OR
		val = r1 | r2
	case 0b111: // AND
		val = r1 & r2
	}

	cpu.WriteReg(rd(insn), val)
	return nil
}

func (cpu *CPU) execOp32(insn uint32) error {
	r1 := uint32(cpu.ReadReg(rs1(insn)))
	r2 := uint32(cpu.ReadReg(rs2(insn)))
	f7 := funct7(insn)

	var val int32
	switch {
	case funct3(insn) == 0b000 && f7 == 0: // ADDW
		val = int32(r1 + r2)
	case funct3(insn) == 0b000 && f7 == 0b0100000: // SUBW
		val = int32(r1 - r2)
	case funct3(insn) == 0b001 && f7 == 0: // SLLW
		val = int32(r1 << (r2 & 0x1f))
	case funct3(insn) == 0b101 && f7 == 0: // SRLW
		val = int32(r1 >> (r2 & 0x1f))
	case funct3(insn) == 0b101 && f7 == 0b0100000: // SRAW
		val = int32(r1) >> (r2 & 0x1f)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	cpu.WriteReg(rd(insn), uint64(int64(val)))
	return nil
}

func (cpu *CPU) execMiscMem(insn uint32) error {
	switch funct3(insn) {
	case 0b000, 0b001: // FENCE, FENCE.I
		return nil
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
}

func (cpu *CPU) execSystem(insn uint32) error {
	f3 := funct3(insn)
	if f3 == 0 {
		switch {
		case insn == 0x00000073: // ECALL
			if cpu.Priv == PrivUser {
				return Exception(CauseEcallFromU, 0)
			}
			return Exception(CauseEcallFromS, 0)
		case insn == 0x00100073: // EBREAK
			return Exception(CauseBreakpoint, cpu.PC)
		case insn == 0x10500073: // WFI
			return nil
		case insn>>25 == 0b0001001 && rd(insn) == 0: // SFENCE.VMA
			if cpu.Priv == PrivUser {
				return Exception(CauseIllegalInsn, uint64(insn))
			}
			if rs1(insn) == 0 {
				cpu.MMU.FlushTLB()
			} else {
				cpu.MMU.FlushTLBEntry(cpu.ReadReg(rs1(insn)), uint16(cpu.ReadReg(rs2(insn))))
			}
			return nil
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}
	}
	return cpu.execCSR(insn)
}
