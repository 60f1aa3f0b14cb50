// Package riscv64 generates the position-independent entry trampoline of a
// RISC-V64 image. The trampoline finds out where it was loaded, builds Sv39
// tables for an identity window and a relocation window in scratch pages
// that follow the text, enables paging and jumps to the link address.
package riscv64

import (
	"fmt"

	"github.com/tinyrange/sv39boot/internal/asm"
	"github.com/tinyrange/sv39boot/internal/asm/riscv"
	"github.com/tinyrange/sv39boot/internal/sv39"
)

// Symbols every image defines.
const (
	SymText      asm.Label = "_stext"
	SymStartFree asm.Label = "_start_free"
	SymStack     asm.Label = "_sstack"
	SymAbsStart  asm.Label = "_abs_start"

	symStackBottom asm.Label = "_stack_bottom"
	symHalt        asm.Label = "_halt"
	symPark        asm.Label = "_park"
	symZero        asm.Label = "_zero_scratch"
	symCommit      asm.Label = "_commit"
)

// Register plan. Nothing here is live across the jump to _abs_start except
// what the next stage is told about (sp and the paging state).
const (
	regPhys    = riscv.T0 // image physical base
	regVirt    = riscv.T1 // image link base
	regNext    = riscv.S1 // next free scratch page
	regRoot    = riscv.S2 // root table
	regPage    = riscv.S3 // PageSize
	regWinVirt = riscv.A0
	regWinPhys = riscv.A1
	regTable   = riscv.A2
)

const vpnMask = sv39.EntriesPerTable - 1

func pathLabel(g sv39.Granularity) asm.Label {
	return asm.Label("_path_" + g.String())
}

// trampoline emits the whole entry sequence: address discovery, path
// selection, table construction, the satp switch and the jump into the
// relocated image.
func trampoline(cfg Config, scratchPages int) asm.Fragment {
	set := cfg.Set()
	flags := cfg.LeafFlags.Flags()
	size := uint64(cfg.ImageSize)

	selection := asm.Group{
		asm.MarkLabel(SymText),
		riscv.Auipc(regPhys, 0),
		riscv.LoadAbsolute(regVirt, SymText),
		riscv.Or(riscv.T2, regPhys, regVirt),
	}
	var paths asm.Group
	for _, g := range set.Ordered() {
		selection = append(selection,
			riscv.MovImmediate(riscv.T3, int64(g.Size()-1)),
			riscv.And(riscv.T3, riscv.T2, riscv.T3),
			riscv.Beqz(riscv.T3, pathLabel(g)),
		)
		paths = append(paths, buildPath(g, size, flags))
	}
	// No granularity fits this load address. Park here for good.
	selection = append(selection, asm.MarkLabel(symHalt), riscv.Halt())

	return asm.Group{
		selection,
		paths,
		zeroScratch(scratchPages),
		commit(),

		riscv.Reserve(SymStartFree, scratchPages*sv39.PageSize, sv39.PageSize),
		riscv.Reserve(symStackBottom, int(cfg.StackSize), 16),
		riscv.Reserve(SymStack, 0, 16),
	}
}

// buildPath builds both boot windows at granularity g and falls into the
// commit sequence.
func buildPath(g sv39.Granularity, size uint64, flags sv39.PTE) asm.Fragment {
	prefix := "_" + g.String()
	return asm.Group{
		asm.MarkLabel(pathLabel(g)),
		riscv.LoadAddress(regRoot, SymStartFree),
		riscv.MovImmediate(regPage, sv39.PageSize),
		riscv.Call(symZero),
		riscv.Add(regNext, regRoot, regPage),

		riscv.Mv(regWinVirt, regPhys),
		riscv.Mv(regWinPhys, regPhys),
		buildWindow(prefix+"_identity", g, size, flags),

		riscv.Mv(regWinVirt, regVirt),
		riscv.Mv(regWinPhys, regPhys),
		buildWindow(prefix+"_relocation", g, size, flags),

		riscv.Jump(symCommit),
	}
}

// tableIndex leaves the index of regWinVirt at level in T2.
func tableIndex(level int) asm.Fragment {
	return asm.Group{
		riscv.Srli(riscv.T2, regWinVirt, uint32(sv39.PageShift+9*level)),
		riscv.Andi(riscv.T2, riscv.T2, vpnMask),
	}
}

// buildWindow maps [a0, a0+size) to a1 with leaves of granularity g. Valid
// pointer entries are followed and valid leaves are left alone, so the
// first window to claim an entry keeps it.
func buildWindow(prefix string, g sv39.Granularity, size uint64, flags sv39.PTE) asm.Fragment {
	label := func(name string) asm.Label { return asm.Label(prefix + "_" + name) }

	out := asm.Group{riscv.Mv(regTable, regRoot)}
	for level := sv39.Levels - 1; level > g.Level(); level-- {
		descend := label(fmt.Sprintf("l%d_descend", level))
		done := label(fmt.Sprintf("l%d_done", level))
		out = append(out,
			tableIndex(level),
			riscv.Slli(riscv.T2, riscv.T2, 3),
			riscv.Add(riscv.T2, regTable, riscv.T2),
			riscv.MovFromMemory(riscv.T3, riscv.T2, 0),
			riscv.Andi(riscv.T4, riscv.T3, int32(sv39.FlagV)),
			riscv.Bnez(riscv.T4, descend),

			// Miss: take the next scratch page and point at it.
			riscv.Mv(riscv.T3, regNext),
			riscv.Add(regNext, regNext, regPage),
			riscv.Srli(riscv.T4, riscv.T3, 2),
			riscv.Ori(riscv.T4, riscv.T4, int32(sv39.FlagV)),
			riscv.MovToMemory(riscv.T2, riscv.T4, 0),
			riscv.Mv(regTable, riscv.T3),
			riscv.Jump(done),

			asm.MarkLabel(descend),
			riscv.Srli(riscv.T3, riscv.T3, 10),
			riscv.Slli(regTable, riscv.T3, sv39.PageShift),
			asm.MarkLabel(done),
		)
	}

	leafSize := g.Size()
	want := uint64(sv39.EntriesPerTable)
	if size != 0 {
		want = min((size+leafSize-1)/leafSize, want)
	}
	sweep, taken, clipped := label("sweep"), label("taken"), label("clipped")

	return append(out,
		// T3 = min(want, entries left in the table)
		tableIndex(g.Level()),
		riscv.Addi(riscv.T3, riscv.Zero, sv39.EntriesPerTable),
		riscv.Sub(riscv.T3, riscv.T3, riscv.T2),
		riscv.MovImmediate(riscv.T4, int64(want)),
		riscv.Bgeu(riscv.T4, riscv.T3, clipped),
		riscv.Mv(riscv.T3, riscv.T4),
		asm.MarkLabel(clipped),

		// T2 = first slot, T3 = end slot
		riscv.Slli(riscv.T2, riscv.T2, 3),
		riscv.Add(riscv.T2, regTable, riscv.T2),
		riscv.Slli(riscv.T3, riscv.T3, 3),
		riscv.Add(riscv.T3, riscv.T2, riscv.T3),

		// T4 = leaf entry, T5 = step between consecutive leaves
		riscv.Srli(riscv.T4, regWinPhys, 2),
		riscv.Ori(riscv.T4, riscv.T4, int32(flags)),
		riscv.MovImmediate(riscv.T5, int64(leafSize>>2)),

		asm.MarkLabel(sweep),
		riscv.MovFromMemory(riscv.T6, riscv.T2, 0),
		riscv.Andi(riscv.T6, riscv.T6, int32(sv39.FlagV)),
		riscv.Bnez(riscv.T6, taken),
		riscv.MovToMemory(riscv.T2, riscv.T4, 0),
		asm.MarkLabel(taken),
		riscv.Add(riscv.T4, riscv.T4, riscv.T5),
		riscv.Addi(riscv.T2, riscv.T2, 8),
		riscv.Bltu(riscv.T2, riscv.T3, sweep),
	)
}

// zeroScratch clears every scratch page starting at the root. Called with
// jal ra.
func zeroScratch(pages int) asm.Fragment {
	loop := asm.Label(string(symZero) + "_loop")
	return asm.Group{
		asm.MarkLabel(symZero),
		riscv.MovImmediate(riscv.T3, int64(pages)*sv39.PageSize),
		riscv.Add(riscv.T3, regRoot, riscv.T3),
		riscv.Mv(riscv.T2, regRoot),
		asm.MarkLabel(loop),
		riscv.MovToMemory(riscv.T2, riscv.Zero, 0),
		riscv.Addi(riscv.T2, riscv.T2, 8),
		riscv.Bltu(riscv.T2, riscv.T3, loop),
		riscv.Ret(),
	}
}

// commit turns on Sv39 and continues at the link address. The instruction
// after csrw satp is fetched through the identity window.
func commit() asm.Fragment {
	return asm.Group{
		asm.MarkLabel(symCommit),
		riscv.Srli(riscv.T2, regRoot, sv39.PageShift),
		riscv.Addi(riscv.T3, riscv.Zero, sv39.ModeSv39),
		riscv.Slli(riscv.T3, riscv.T3, 60),
		riscv.Or(riscv.T2, riscv.T2, riscv.T3),
		riscv.CSRWrite(riscv.CSRSatp, riscv.T2),
		riscv.SfenceVMA(),
		riscv.LoadAbsolute(riscv.T2, SymAbsStart),
		riscv.JumpReg(riscv.T2),

		asm.MarkLabel(SymAbsStart),
		riscv.LoadAbsolute(riscv.SP, SymStack),
		// Placeholder for the next stage.
		asm.MarkLabel(symPark),
		riscv.Halt(),
	}
}
