package rv64

func (cpu *CPU) execCSR(insn uint32) error {
	csr := uint16(insn >> 20)
	f3 := funct3(insn)
	rs1Reg := rs1(insn)

	src := cpu.ReadReg(rs1Reg)
	if f3 >= 5 {
		src = uint64(rs1Reg)
	}

	old, err := cpu.csrRead(csr, insn)
	if err != nil {
		return err
	}

	var (
		val     uint64
		doWrite bool
	)
	switch f3 & 3 {
	case 1: // CSRRW(I)
		val, doWrite = src, true
	case 2: // CSRRS(I)
		val, doWrite = old|src, rs1Reg != 0
	case 3: // CSRRC(I)
		val, doWrite = old&^src, rs1Reg != 0
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if doWrite {
		if err := cpu.csrWrite(csr, val, insn); err != nil {
			return err
		}
	}
	cpu.WriteReg(rd(insn), old)
	return nil
}

func (cpu *CPU) csrRead(csr uint16, insn uint32) (uint64, error) {
	if uint16(cpu.Priv) < (csr>>8)&3 {
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}

	switch csr {
	case CSRCycle, CSRTime:
		return cpu.Cycle, nil
	case CSRInstret:
		return cpu.Instret, nil
	case CSRSstatus:
		return cpu.Sstatus & sstatusMask, nil
	case CSRSie:
		return cpu.Sie, nil
	case CSRStvec:
		return cpu.Stvec, nil
	case CSRSscratch:
		return cpu.Sscratch, nil
	case CSRSepc:
		return cpu.Sepc, nil
	case CSRScause:
		return cpu.Scause, nil
	case CSRStval:
		return cpu.Stval, nil
	case CSRSip:
		return 0, nil
	case CSRSatp:
		return cpu.Satp, nil
	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

func (cpu *CPU) csrWrite(csr uint16, val uint64, insn uint32) error {
	if csr>>10 == 3 {
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	switch csr {
	case CSRSstatus:
		cpu.Sstatus = val & sstatusMask
	case CSRSie:
		cpu.Sie = val
	case CSRStvec:
		cpu.Stvec = val
	case CSRSscratch:
		cpu.Sscratch = val
	case CSRSepc:
		cpu.Sepc = val &^ 3
	case CSRScause:
		cpu.Scause = val
	case CSRStval:
		cpu.Stval = val
	case CSRSip:
	case CSRSatp:
		// Unsupported modes leave satp unchanged.
		if mode := val >> 60; mode == SatpModeOff || mode == SatpModeSv39 {
			cpu.Satp = val
		}
	}
	return nil
}
