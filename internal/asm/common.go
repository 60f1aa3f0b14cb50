package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Variable names a machine register. Architecture packages define the
// concrete register numbers.
type Variable int

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is position-independent machine code plus the offsets of 64-bit
// words that hold image-relative addresses. RelocatedCopy turns those words
// into absolute addresses for a given link base.
type Program struct {
	code        []byte
	relocations []int
	bssSize     int
	symbols     map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

func (p Program) BSSSize() int {
	return p.bssSize
}

// Size is the loaded size of the program: code followed by BSS.
func (p Program) Size() int {
	return len(p.code) + p.bssSize
}

// Symbol returns the image-relative offset of label.
func (p Program) Symbol(label Label) (int, bool) {
	off, ok := p.symbols[label]
	return off, ok
}

// Symbols returns every label sorted by offset.
func (p Program) Symbols() []SymbolOffset {
	out := make([]SymbolOffset, 0, len(p.symbols))
	for label, off := range p.symbols {
		out = append(out, SymbolOffset{Label: label, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// SymbolOffset pairs a label with its image-relative offset.
type SymbolOffset struct {
	Label  Label
	Offset int
}

func (p Program) RelocatedCopy(base uint64) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+base)
	}
	return out
}

func NewProgram(code []byte, relocations []int, bss int, symbols map[Label]int) Program {
	copied := make(map[Label]int, len(symbols))
	for k, v := range symbols {
		copied[k] = v
	}
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
		bssSize:     bss,
		symbols:     copied,
	}
}
