package riscv64

import (
	"fmt"

	"github.com/tinyrange/sv39boot/internal/asm"
	"github.com/tinyrange/sv39boot/internal/asm/riscv"
	"github.com/tinyrange/sv39boot/internal/sv39"
)

// Layout gives image-relative offsets of the parts of a linked image.
type Layout struct {
	Text         uint64 // code plus literal pool
	StartFree    uint64
	ScratchPages int
	StackBottom  uint64
	Stack        uint64
	AbsStart     uint64
	Halt         uint64
	Park         uint64
	Size         uint64
}

func (l Layout) ScratchSize() uint64 { return uint64(l.ScratchPages) * sv39.PageSize }

// Image is a linked trampoline ready to be written out or emulated.
type Image struct {
	Config  Config
	Program asm.Program
	Layout  Layout
}

// Link assembles the trampoline for cfg.
func Link(cfg Config) (*Image, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	finest, ok := cfg.Set().Finest()
	if !ok {
		return nil, fmt.Errorf("granularities: at least one leaf size is required")
	}
	pages := finest.ScratchPages()

	prog, err := riscv.EmitProgram(trampoline(cfg, pages))
	if err != nil {
		return nil, fmt.Errorf("assemble trampoline: %w", err)
	}

	layout := Layout{
		Text:         uint64(len(prog.Bytes())),
		ScratchPages: pages,
		Size:         uint64(prog.Size()),
	}
	for label, dst := range map[asm.Label]*uint64{
		SymStartFree:   &layout.StartFree,
		symStackBottom: &layout.StackBottom,
		SymStack:       &layout.Stack,
		SymAbsStart:    &layout.AbsStart,
		symHalt:        &layout.Halt,
		symPark:        &layout.Park,
	} {
		off, ok := prog.Symbol(label)
		if !ok {
			return nil, fmt.Errorf("assemble trampoline: missing symbol %s", label)
		}
		*dst = uint64(off)
	}

	// The relocation window must reach _sstack, or the next stage starts
	// with an unmapped stack.
	if size := uint64(cfg.ImageSize); size != 0 && size < layout.Size {
		return nil, fmt.Errorf("image_size: %s does not cover the %d-byte image", cfg.ImageSize, layout.Size)
	}

	return &Image{Config: cfg, Program: prog, Layout: layout}, nil
}

// Symbol returns the link-time address of a label.
func (img *Image) Symbol(label asm.Label) (uint64, bool) {
	off, ok := img.Program.Symbol(label)
	if !ok {
		return 0, false
	}
	return uint64(img.Config.LinkAddress) + uint64(off), true
}

// Flat returns the image as it should sit in memory: code relocated to the
// link address followed by zeroed scratch and stack.
func (img *Image) Flat() []byte {
	out := make([]byte, img.Layout.Size)
	copy(out, img.Program.RelocatedCopy(uint64(img.Config.LinkAddress)))
	return out
}

// ELF returns an EM_RISCV executable whose single segment is linked at the
// link address and loaded at the configured load address.
func (img *Image) ELF() ([]byte, error) {
	return riscv.ELF(img.Program, riscv.ELFConfig{
		LinkAddress: uint64(img.Config.LinkAddress),
		LoadAddress: uint64(img.Config.LoadAddress),
	})
}

// Windows returns the identity and relocation windows the trampoline
// builds when loaded at load.
func (img *Image) Windows(load uint64) ([]sv39.Window, error) {
	g, err := sv39.SelectGranularity(img.Config.Set(), load, uint64(img.Config.LinkAddress))
	if err != nil {
		return nil, err
	}
	return sv39.BootWindows(load, uint64(img.Config.LinkAddress), uint64(img.Config.ImageSize), g, img.Config.LeafFlags.Flags()), nil
}

// Plan builds, on the host, the tables the trampoline should leave behind
// when loaded at load. The scratch region sits where the image's would.
func (img *Image) Plan(load uint64, policy sv39.Policy) (*sv39.FrameMemory, *sv39.BootTables, error) {
	if _, err := sv39.SelectGranularity(img.Config.Set(), load, uint64(img.Config.LinkAddress)); err != nil {
		return nil, nil, err
	}
	mem := sv39.NewFrameMemory()
	scratch, err := sv39.NewScratch(load+img.Layout.StartFree, img.Layout.ScratchPages)
	if err != nil {
		return nil, nil, err
	}
	tables, err := sv39.BuildBoot(mem, scratch, sv39.BootParams{
		Physical:      load,
		Virtual:       uint64(img.Config.LinkAddress),
		Size:          uint64(img.Config.ImageSize),
		Granularities: img.Config.Set(),
		Flags:         img.Config.LeafFlags.Flags(),
		Policy:        policy,
	})
	if err != nil {
		return nil, nil, err
	}
	return mem, tables, nil
}
