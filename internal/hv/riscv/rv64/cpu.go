// Package rv64 implements a single-hart RV64I supervisor-mode interpreter
// with an Sv39 MMU. It exists to execute boot code from an arbitrary
// physical load address and observe what that code did to memory and CSRs.
package rv64

import (
	"fmt"
)

// RAMBase is where physical RAM starts.
const RAMBase uint64 = 0x8000_0000

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// sstatus bits
const (
	SstatusSIE  uint64 = 1 << 1
	SstatusSPIE uint64 = 1 << 5
	SstatusSPP  uint64 = 1 << 8
	SstatusSUM  uint64 = 1 << 18
	SstatusMXR  uint64 = 1 << 19
)

const sstatusMask = SstatusSIE | SstatusSPIE | SstatusSPP | SstatusSUM | SstatusMXR

// Exception causes
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

var causeNames = map[uint64]string{
	CauseInsnAddrMisaligned:  "instruction address misaligned",
	CauseInsnAccessFault:     "instruction access fault",
	CauseIllegalInsn:         "illegal instruction",
	CauseBreakpoint:          "breakpoint",
	CauseLoadAddrMisaligned:  "load address misaligned",
	CauseLoadAccessFault:     "load access fault",
	CauseStoreAddrMisaligned: "store address misaligned",
	CauseStoreAccessFault:    "store access fault",
	CauseEcallFromU:          "ecall from U-mode",
	CauseEcallFromS:          "ecall from S-mode",
	CauseInsnPageFault:       "instruction page fault",
	CauseLoadPageFault:       "load page fault",
	CauseStorePageFault:      "store page fault",
}

// CauseName returns a readable name for an exception cause.
func CauseName(cause uint64) string {
	if name, ok := causeNames[cause]; ok {
		return name
	}
	return fmt.Sprintf("cause %d", cause)
}

// CSR addresses
const (
	CSRCycle    uint16 = 0xC00
	CSRTime     uint16 = 0xC01
	CSRInstret  uint16 = 0xC02
	CSRSstatus  uint16 = 0x100
	CSRSie      uint16 = 0x104
	CSRStvec    uint16 = 0x105
	CSRSscratch uint16 = 0x140
	CSRSepc     uint16 = 0x141
	CSRScause   uint16 = 0x142
	CSRStval    uint16 = 0x143
	CSRSip      uint16 = 0x144
	CSRSatp     uint16 = 0x180
)

// CPU holds the architectural state of the hart.
type CPU struct {
	X  [32]uint64
	PC uint64

	Priv uint8

	Cycle   uint64
	Instret uint64

	Sstatus  uint64
	Sie      uint64
	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
	Satp     uint64

	Bus *Bus
	MMU *MMU

	// nextPC is where execution continues after the current instruction.
	nextPC uint64
}

// NewCPU creates a hart in S-mode with the PC at the start of RAM.
func NewCPU(bus *Bus) *CPU {
	cpu := &CPU{
		Bus:  bus,
		Priv: PrivSupervisor,
		PC:   RAMBase,
	}
	cpu.MMU = NewMMU(cpu)
	return cpu
}

// Reset returns the hart to its power-on state.
func (cpu *CPU) Reset() {
	clear(cpu.X[:])
	cpu.PC = RAMBase
	cpu.Priv = PrivSupervisor
	cpu.Cycle = 0
	cpu.Instret = 0
	cpu.Sstatus = 0
	cpu.Sie = 0
	cpu.Stvec = 0
	cpu.Sscratch = 0
	cpu.Sepc = 0
	cpu.Scause = 0
	cpu.Stval = 0
	cpu.Satp = 0
	cpu.MMU.FlushTLB()
}

// ReadReg reads an integer register (x0 always returns 0)
func (cpu *CPU) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored)
func (cpu *CPU) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// ExceptionError is a synchronous exception raised while executing one
// instruction. Machine.Step turns it into a *TrapError.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: %s tval=%#x", CauseName(e.Cause), e.Tval)
}

// Exception creates an exception with the given cause and tval
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}
