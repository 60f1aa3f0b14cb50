package riscv

import (
	"fmt"

	"github.com/tinyrange/sv39boot/internal/asm"
)

// EmitProgram lowers the provided fragment into an asm.Program. Labels,
// literal slots and reservations are resolved before returning.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	if frag == nil {
		return asm.Program{}, fmt.Errorf("riscv: fragment must be non-nil")
	}

	c := newContext()
	if err := frag.Emit(c); err != nil {
		return asm.Program{}, err
	}

	return c.finalize()
}

// EmitBytes lowers frag and returns its text relocated to base.
func EmitBytes(frag asm.Fragment, base uint64) ([]byte, error) {
	prog, err := EmitProgram(frag)
	if err != nil {
		return nil, err
	}
	return prog.RelocatedCopy(base), nil
}
