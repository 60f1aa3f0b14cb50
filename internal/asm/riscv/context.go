package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/sv39boot/internal/asm"
)

// Context accumulates RV64 machine code. Branches, PC-relative address
// computations and literal loads are recorded as patches and resolved by
// finalize once every label, the literal pool and the BSS layout are known.
type Context struct {
	text     []byte
	labels   map[asm.Label]int
	branches []branchPatch
	pcrel    []pcrelPatch
	literals []asm.Label
	pool     map[asm.Label]int
	reserves []reservation
}

type branchKind uint8

const (
	branchCond branchKind = iota
	branchJal
)

type branchPatch struct {
	label  asm.Label
	pos    int
	kind   branchKind
	rd     uint32
	rs1    uint32
	rs2    uint32
	funct3 uint32
}

type pcrelKind uint8

const (
	// pcrelAddress is AUIPC+ADDI producing the address of a label.
	pcrelAddress pcrelKind = iota
	// pcrelLiteral is AUIPC+LD reading a 64-bit literal pool slot.
	pcrelLiteral
)

type pcrelPatch struct {
	kind   pcrelKind
	pos    int
	rd     uint32
	target asm.Label
	slot   int
}

type reservation struct {
	label asm.Label
	size  int
	align int
}

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
		pool:   make(map[asm.Label]int),
	}
}

func requireContext(ctx asm.Context) (*Context, error) {
	if c, ok := ctx.(*Context); ok {
		return c, nil
	}
	return nil, fmt.Errorf("riscv: unsupported context %T", ctx)
}

// EmitBytes implements asm.Context.
func (c *Context) EmitBytes(data []byte) {
	c.text = append(c.text, data...)
}

// GetLabel implements asm.Context.
func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

// SetLabel implements asm.Context.
func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) emit32(insn uint32) int {
	pos := len(c.text)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	c.text = append(c.text, buf[:]...)
	return pos
}

func (c *Context) emitBranch(label asm.Label, funct3 uint32, rs1, rs2 asm.Variable) {
	pos := c.emit32(0)
	c.branches = append(c.branches, branchPatch{
		label:  label,
		pos:    pos,
		kind:   branchCond,
		rs1:    uint32(rs1),
		rs2:    uint32(rs2),
		funct3: funct3,
	})
}

func (c *Context) emitJal(label asm.Label, rd asm.Variable) {
	pos := c.emit32(0)
	c.branches = append(c.branches, branchPatch{
		label: label,
		pos:   pos,
		kind:  branchJal,
		rd:    uint32(rd),
	})
}

func (c *Context) emitAddress(rd asm.Variable, target asm.Label) {
	pos := c.emit32(0)
	c.emit32(0)
	c.pcrel = append(c.pcrel, pcrelPatch{
		kind:   pcrelAddress,
		pos:    pos,
		rd:     uint32(rd),
		target: target,
	})
}

func (c *Context) emitLiteralLoad(rd asm.Variable, target asm.Label) {
	slot, ok := c.pool[target]
	if !ok {
		slot = len(c.literals)
		c.literals = append(c.literals, target)
		c.pool[target] = slot
	}
	pos := c.emit32(0)
	c.emit32(0)
	c.pcrel = append(c.pcrel, pcrelPatch{
		kind: pcrelLiteral,
		pos:  pos,
		rd:   uint32(rd),
		slot: slot,
	})
}

func (c *Context) reserve(label asm.Label, size, align int) error {
	if size < 0 {
		return fmt.Errorf("riscv: reservation %q has negative size", label)
	}
	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("riscv: reservation %q alignment %d is not a power of two", label, align)
	}
	if _, exists := c.labels[label]; exists {
		return fmt.Errorf("label %q already defined", label)
	}
	for _, r := range c.reserves {
		if r.label == label {
			return fmt.Errorf("label %q already defined", label)
		}
	}
	c.reserves = append(c.reserves, reservation{label: label, size: size, align: align})
	return nil
}

func (c *Context) finalize() (asm.Program, error) {
	// Literal pool follows the text, 8-byte aligned so LD never traps.
	// Without literals the text is left unpadded.
	poolBase := len(c.text)
	if len(c.literals) > 0 {
		poolBase = alignTo(poolBase, 8)
	}
	code := make([]byte, poolBase+8*len(c.literals))
	copy(code, c.text)

	relocations := make([]int, 0, len(c.literals))
	for i, target := range c.literals {
		off, ok := c.labels[target]
		if !ok {
			off, ok = c.reservedOffset(target, len(code))
		}
		if !ok {
			return asm.Program{}, fmt.Errorf("riscv: undefined literal target %q", target)
		}
		slot := poolBase + 8*i
		binary.LittleEndian.PutUint64(code[slot:], uint64(off))
		relocations = append(relocations, slot)
	}

	end := len(code)
	for _, r := range c.reserves {
		start := alignTo(end, r.align)
		c.labels[r.label] = start
		end = start + r.size
	}

	for _, br := range c.branches {
		if err := c.patchBranch(code, br); err != nil {
			return asm.Program{}, err
		}
	}
	for _, p := range c.pcrel {
		if err := c.patchPCRel(code, poolBase, p); err != nil {
			return asm.Program{}, err
		}
	}

	return asm.NewProgram(code, relocations, end-len(code), c.labels), nil
}

// reservedOffset computes where a reservation will land without committing
// the layout, so literals can refer to BSS labels.
func (c *Context) reservedOffset(label asm.Label, codeLen int) (int, bool) {
	end := codeLen
	for _, r := range c.reserves {
		start := alignTo(end, r.align)
		if r.label == label {
			return start, true
		}
		end = start + r.size
	}
	return 0, false
}

func (c *Context) patchBranch(code []byte, p branchPatch) error {
	target, ok := c.labels[p.label]
	if !ok {
		return fmt.Errorf("riscv: undefined label %q", p.label)
	}
	rel := int64(target - p.pos)
	var (
		insn uint32
		err  error
	)
	switch p.kind {
	case branchCond:
		insn, err = encodeB(rel, p.rs1, p.rs2, p.funct3)
	case branchJal:
		insn, err = encodeJ(rel, p.rd)
	default:
		return fmt.Errorf("riscv: unsupported branch kind %d", p.kind)
	}
	if err != nil {
		return fmt.Errorf("riscv: branch to %q: %w", p.label, err)
	}
	putInsn(code, p.pos, insn)
	return nil
}

func (c *Context) patchPCRel(code []byte, poolBase int, p pcrelPatch) error {
	var target int
	switch p.kind {
	case pcrelAddress:
		off, ok := c.labels[p.target]
		if !ok {
			return fmt.Errorf("riscv: undefined label %q", p.target)
		}
		target = off
	case pcrelLiteral:
		target = poolBase + 8*p.slot
	default:
		return fmt.Errorf("riscv: unsupported pc-relative kind %d", p.kind)
	}

	hi, lo, err := splitPCRel(int64(target - p.pos))
	if err != nil {
		return err
	}
	auipc, err := encodeU(hi, p.rd, opAuipc)
	if err != nil {
		return err
	}
	var second uint32
	if p.kind == pcrelAddress {
		second, err = encodeI(lo, p.rd, 0, p.rd, opOpImm)
	} else {
		second, err = encodeI(lo, p.rd, 3, p.rd, opLoad)
	}
	if err != nil {
		return err
	}
	putInsn(code, p.pos, auipc)
	putInsn(code, p.pos+4, second)
	return nil
}

func alignTo(value, align int) int {
	if align <= 0 {
		return value
	}
	if rem := value % align; rem != 0 {
		return value + (align - rem)
	}
	return value
}
