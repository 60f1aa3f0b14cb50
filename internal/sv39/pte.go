// Package sv39 models RISC-V Sv39 page tables: entries, tables, mapping
// windows and a builder that lays out a small table tree in a scratch
// region of physical memory.
package sv39

import (
	"fmt"
	"strings"
)

// PTE is a 64-bit Sv39 page table entry.
type PTE uint64

const (
	FlagV PTE = 1 << iota
	FlagR
	FlagW
	FlagX
	FlagU
	FlagG
	FlagA
	FlagD
)

const (
	flagMask = FlagV | FlagR | FlagW | FlagX | FlagU | FlagG | FlagA | FlagD
	ppnShift = 10
	ppnBits  = 44
)

// DefaultLeafFlags is the permission set installed on every leaf unless a
// window overrides it.
const DefaultLeafFlags = FlagV | FlagR | FlagW | FlagX

// NewPTE encodes an entry for a page-aligned physical target. For such a
// target pa>>2 equals ppn<<10, so the two encodings are interchangeable.
func NewPTE(pa uint64, flags PTE) PTE {
	return PTE(pa>>2) | flags
}

// Pointer returns a non-leaf entry referencing the table at pa.
func Pointer(pa uint64) PTE { return NewPTE(pa, FlagV) }

func (p PTE) Valid() bool { return p&FlagV != 0 }

// IsLeaf reports whether p terminates a walk.
func (p PTE) IsLeaf() bool { return p.Valid() && p&(FlagR|FlagW|FlagX) != 0 }

// IsPointer reports whether p references a next-level table.
func (p PTE) IsPointer() bool { return p.Valid() && p&(FlagR|FlagW|FlagX) == 0 }

func (p PTE) PPN() uint64 { return uint64(p>>ppnShift) & (1<<ppnBits - 1) }

// Physical is the physical address the entry points at.
func (p PTE) Physical() uint64 { return p.PPN() << PageShift }

func (p PTE) Flags() PTE { return p & flagMask }

// WithoutAD clears the accessed and dirty bits, which hardware may set on
// its own after the entry was written.
func (p PTE) WithoutAD() PTE { return p &^ (FlagA | FlagD) }

var flagLetters = []struct {
	flag   PTE
	letter byte
}{
	{FlagD, 'D'}, {FlagA, 'A'}, {FlagG, 'G'}, {FlagU, 'U'},
	{FlagX, 'X'}, {FlagW, 'W'}, {FlagR, 'R'}, {FlagV, 'V'},
}

// FlagString renders flags in the conventional DAGUXWRV column form.
func (p PTE) FlagString() string {
	var b strings.Builder
	for _, f := range flagLetters {
		if p&f.flag != 0 {
			b.WriteByte(f.letter)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (p PTE) String() string {
	switch {
	case !p.Valid():
		return "invalid"
	case p.IsLeaf():
		return fmt.Sprintf("leaf pa=%#x %s", p.Physical(), p.FlagString())
	default:
		return fmt.Sprintf("table pa=%#x", p.Physical())
	}
}

// ParseFlag maps a single flag name (V, R, W, X, U, G, A, D) to its bit.
func ParseFlag(name string) (PTE, error) {
	for _, f := range flagLetters {
		if strings.EqualFold(name, string(f.letter)) {
			return f.flag, nil
		}
	}
	return 0, fmt.Errorf("sv39: unknown PTE flag %q", name)
}
