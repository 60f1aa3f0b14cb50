package rv64

import (
	"context"
	"errors"
	"fmt"
)

// ErrStepLimit is returned by Run when the instruction budget is exhausted
// before the hart trapped or parked itself.
var ErrStepLimit = errors.New("rv64: step limit reached")

// TrapError reports an exception. There is no trap vector, so the first
// exception ends execution.
type TrapError struct {
	Cause uint64
	Tval  uint64
	PC    uint64
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("rv64: %s at pc=%#x tval=%#x", CauseName(e.Cause), e.PC, e.Tval)
}

// SpinError reports that the hart reached a jump-to-self and will make no
// further progress.
type SpinError struct {
	PC uint64
}

func (e *SpinError) Error() string {
	return fmt.Sprintf("rv64: hart parked at pc=%#x", e.PC)
}

// Machine is a single hart attached to RAM.
type Machine struct {
	CPU *CPU
	Bus *Bus
	MMU *MMU

	// Trace, when non-nil, records every fetched PC.
	Trace *Trace
}

// NewMachine creates a machine with ramSize bytes of RAM at RAMBase.
func NewMachine(ramSize uint64) *Machine {
	bus := NewBus(ramSize)
	cpu := NewCPU(bus)
	return &Machine{
		CPU: cpu,
		Bus: bus,
		MMU: cpu.MMU,
	}
}

// Reset resets the machine to initial state
func (m *Machine) Reset() {
	m.CPU.Reset()
	if m.Trace != nil {
		m.Trace.Reset()
	}
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.Size()
}

// Step executes a single instruction. It returns *TrapError if the
// instruction raised an exception and *SpinError if it jumped to itself; in
// both cases the PC is left at the offending instruction.
func (m *Machine) Step() error {
	pc := m.CPU.PC
	if m.Trace != nil {
		m.Trace.Record(pc)
	}

	if pc&3 != 0 {
		return m.trap(ExceptionError{Cause: CauseInsnAddrMisaligned, Tval: pc}, pc)
	}

	paddr, err := m.MMU.Translate(pc, AccessFetch)
	if err != nil {
		return m.trap(err, pc)
	}
	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		return m.trap(Exception(CauseInsnAccessFault, pc), pc)
	}

	if err := m.CPU.Execute(insn); err != nil {
		return m.trap(err, pc)
	}

	m.CPU.Cycle++
	m.CPU.Instret++

	if m.CPU.PC == pc {
		return &SpinError{PC: pc}
	}
	return nil
}

func (m *Machine) trap(err error, pc uint64) error {
	var exc ExceptionError
	if !errors.As(err, &exc) {
		return err
	}
	m.CPU.Scause = exc.Cause
	m.CPU.Stval = exc.Tval
	m.CPU.Sepc = pc
	return &TrapError{Cause: exc.Cause, Tval: exc.Tval, PC: pc}
}

// Run steps the machine until it traps, parks, exhausts maxSteps (when
// positive) or ctx is cancelled.
func (m *Machine) Run(ctx context.Context, maxSteps int64) error {
	const batch = 4096

	var steps int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < batch; i++ {
			if maxSteps > 0 && steps >= maxSteps {
				return ErrStepLimit
			}
			if err := m.Step(); err != nil {
				return err
			}
			steps++
		}
	}
}
