package riscv64

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/sv39boot/internal/hv/riscv/rv64"
)

// DefaultMaxSteps bounds one emulated boot. The trampoline needs a few
// thousand instructions on its slowest path.
const DefaultMaxSteps = 1 << 20

// Outcome is how an emulated boot ended.
type Outcome int

const (
	// OutcomeHandoff: paging is on and the hart reached the placeholder loop
	// after _abs_start.
	OutcomeHandoff Outcome = iota
	// OutcomeHalted: no enabled granularity fits the load address.
	OutcomeHalted
	// OutcomeTrapped: the hart raised an exception.
	OutcomeTrapped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandoff:
		return "handoff"
	case OutcomeHalted:
		return "halted"
	case OutcomeTrapped:
		return "trapped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type RunOptions struct {
	// RAMSize overrides the configured ram_size.
	RAMSize uint64
	// MaxSteps defaults to DefaultMaxSteps.
	MaxSteps int64
	// TraceDepth keeps the last TraceDepth PCs when positive.
	TraceDepth int
}

// Result is the state of the hart when an emulated boot stopped.
type Result struct {
	Load    uint64
	Outcome Outcome
	PC      uint64
	SP      uint64
	Satp    uint64
	Steps   uint64
	Trap    *rv64.TrapError
	Trace   []uint64

	Machine *rv64.Machine
}

// Prepare creates a machine with the image copied to load and the PC on
// its first instruction. BSS is left as the machine's RAM had it.
func (img *Image) Prepare(load uint64, opts RunOptions) (*rv64.Machine, error) {
	ramSize := opts.RAMSize
	if ramSize == 0 {
		ramSize = uint64(img.Config.RAMSize)
	}
	m := rv64.NewMachine(ramSize)
	if !m.Bus.Contains(load, img.Layout.Size) {
		return nil, fmt.Errorf("load address %#x: %d-byte image does not fit in RAM [%#x, %#x)",
			load, img.Layout.Size, m.MemoryBase(), m.MemoryBase()+m.MemorySize())
	}
	if err := m.LoadBytes(load, img.Program.RelocatedCopy(uint64(img.Config.LinkAddress))); err != nil {
		return nil, fmt.Errorf("load image at %#x: %w", load, err)
	}
	if opts.TraceDepth > 0 {
		m.Trace = rv64.NewTrace(opts.TraceDepth)
	}
	m.SetPC(load)
	return m, nil
}

// Boot runs a prepared machine until the trampoline parks or traps.
func (img *Image) Boot(ctx context.Context, m *rv64.Machine, load uint64, opts RunOptions) (*Result, error) {
	maxSteps := opts.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}

	err := m.Run(ctx, maxSteps)
	res := &Result{
		Load:    load,
		PC:      m.GetPC(),
		SP:      m.CPU.X[2],
		Satp:    m.CPU.Satp,
		Steps:   m.CPU.Instret,
		Machine: m,
	}
	if m.Trace != nil {
		res.Trace = m.Trace.PCs()
	}

	var spin *rv64.SpinError
	var trap *rv64.TrapError
	switch {
	case errors.As(err, &spin):
		switch spin.PC {
		case uint64(img.Config.LinkAddress) + img.Layout.Park:
			res.Outcome = OutcomeHandoff
		case load + img.Layout.Halt:
			res.Outcome = OutcomeHalted
		default:
			return res, fmt.Errorf("load address %#x: hart parked at unexpected pc %#x", load, spin.PC)
		}
	case errors.As(err, &trap):
		res.Outcome = OutcomeTrapped
		res.Trap = trap
	default:
		return res, fmt.Errorf("load address %#x: %w", load, err)
	}
	return res, nil
}

// Run emulates one boot from load.
func (img *Image) Run(ctx context.Context, load uint64, opts RunOptions) (*Result, error) {
	m, err := img.Prepare(load, opts)
	if err != nil {
		return nil, err
	}
	return img.Boot(ctx, m, load, opts)
}
