package riscv

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/sv39boot/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI register names.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
	S2   = X18
	S3   = X19
	S4   = X20
	S5   = X21
	S6   = X22
	S7   = X23
	S8   = X24
	S9   = X25
	S10  = X26
	S11  = X27
	T3   = X28
	T4   = X29
	T5   = X30
	T6   = X31
)

// Supervisor CSRs touched by boot code.
const (
	CSRSstatus  = 0x100
	CSRStvec    = 0x105
	CSRSscratch = 0x140
	CSRSepc     = 0x141
	CSRScause   = 0x142
	CSRStval    = 0x143
	CSRSatp     = 0x180
)

type fragmentFunc func(c *Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	c, err := requireContext(ctx)
	if err != nil {
		return err
	}
	return f(c)
}

func checkReg(regs ...asm.Variable) error {
	for _, r := range regs {
		if r < X0 || r > X31 {
			return fmt.Errorf("riscv: invalid register %d", r)
		}
	}
	return nil
}

type immOp struct {
	rd     asm.Variable
	rs1    asm.Variable
	imm    int32
	funct3 uint32
	op     uint32
}

func (i immOp) Emit(ctx asm.Context) error {
	if err := checkReg(i.rd, i.rs1); err != nil {
		return err
	}
	insn, err := encodeI(i.imm, uint32(i.rs1), i.funct3, uint32(i.rd), i.op)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

// Addi emits ADDI rd, rs1, imm.
func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return immOp{rd: rd, rs1: rs1, imm: imm, op: opOpImm}
}

// AddRegImm emits ADDI rd, rd, imm.
func AddRegImm(rd asm.Variable, imm int32) asm.Fragment {
	return Addi(rd, rd, imm)
}

// Addiw emits ADDIW rd, rs1, imm.
func Addiw(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return immOp{rd: rd, rs1: rs1, imm: imm, op: opOpImm32}
}

// Mv copies rs into rd.
func Mv(rd, rs asm.Variable) asm.Fragment { return Addi(rd, rs, 0) }

func Andi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return immOp{rd: rd, rs1: rs1, imm: imm, funct3: 7, op: opOpImm}
}

func Ori(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return immOp{rd: rd, rs1: rs1, imm: imm, funct3: 6, op: opOpImm}
}

func Xori(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return immOp{rd: rd, rs1: rs1, imm: imm, funct3: 4, op: opOpImm}
}

type shiftImmediate struct {
	rd     asm.Variable
	rs1    asm.Variable
	shamt  uint32
	funct3 uint32
	arith  bool
}

// Slli shifts rs1 left by shamt bits into rd.
func Slli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, rs1: rs1, shamt: shamt, funct3: 1}
}

// Srli shifts rs1 right logically by shamt bits into rd.
func Srli(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, rs1: rs1, shamt: shamt, funct3: 5}
}

// Srai shifts rs1 right arithmetically by shamt bits into rd.
func Srai(rd, rs1 asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, rs1: rs1, shamt: shamt, funct3: 5, arith: true}
}

func (s shiftImmediate) Emit(ctx asm.Context) error {
	if err := checkReg(s.rd, s.rs1); err != nil {
		return err
	}
	if s.shamt > 63 {
		return fmt.Errorf("riscv: shift amount %d out of range", s.shamt)
	}
	imm := s.shamt
	if s.arith {
		imm |= 0x400
	}
	emitInsn(ctx, mustEncodeI(int32(imm), uint32(s.rs1), s.funct3, uint32(s.rd), opOpImm))
	return nil
}

type regOp struct {
	rd, rs1, rs2 asm.Variable
	funct3       uint32
	funct7       uint32
}

func (r regOp) Emit(ctx asm.Context) error {
	if err := checkReg(r.rd, r.rs1, r.rs2); err != nil {
		return err
	}
	emitInsn(ctx, encodeR(r.funct7, uint32(r.rs2), uint32(r.rs1), r.funct3, uint32(r.rd), opOp))
	return nil
}

func Add(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2} }
func Sub(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct7: 0x20} }
func Sll(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct3: 1} }
func Sltu(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct3: 3} }
func Xor(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct3: 4} }
func Srl(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct3: 5} }
func Or(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct3: 6} }
func And(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd: rd, rs1: rs1, rs2: rs2, funct3: 7} }

type upperImmediate struct {
	rd  asm.Variable
	imm int32
	op  uint32
}

func (u upperImmediate) Emit(ctx asm.Context) error {
	if err := checkReg(u.rd); err != nil {
		return err
	}
	if u.imm < -(1<<19) || u.imm >= 1<<20 {
		return fmt.Errorf("riscv: upper immediate %#x out of range", u.imm)
	}
	insn, err := encodeU(u.imm, uint32(u.rd), u.op)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

// Lui emits LUI rd, imm20.
func Lui(rd asm.Variable, imm20 int32) asm.Fragment {
	return upperImmediate{rd: rd, imm: imm20, op: opLui}
}

// Auipc emits AUIPC rd, imm20.
func Auipc(rd asm.Variable, imm20 int32) asm.Fragment {
	return upperImmediate{rd: rd, imm: imm20, op: opAuipc}
}

// MovImmediate materialises an arbitrary 64-bit constant in rd. Values that
// fit in 12 bits use ADDI, 32-bit values use LUI+ADDIW, and wider values are
// built recursively from their upper bits followed by SLLI and ADDI.
func MovImmediate(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	if err := checkReg(l.rd); err != nil {
		return err
	}
	if l.rd == X0 {
		return fmt.Errorf("riscv: cannot load immediate into x0")
	}
	for _, insn := range immediateSequence(uint32(l.rd), l.value) {
		emitInsn(ctx, insn)
	}
	return nil
}

func immediateSequence(rd uint32, value int64) []uint32 {
	if fitsSigned(value, 12) {
		return []uint32{mustEncodeI(int32(value), 0, 0, rd, opOpImm)}
	}
	if fitsSigned(value, 32) {
		hi := (value + 0x800) >> 12
		lo := value - (hi << 12)
		lui, _ := encodeU(int32(hi), rd, opLui)
		seq := []uint32{lui}
		if lo != 0 {
			seq = append(seq, mustEncodeI(int32(lo), rd, 0, rd, opOpImm32))
		}
		return seq
	}

	lo12 := int64(uint64(value)<<52) >> 52
	upper := (uint64(value) + 0x800) >> 12
	shift := 12 + bits.TrailingZeros64(upper)
	upper >>= uint(shift - 12)
	hi := int64(upper<<uint(shift)) >> uint(shift)

	seq := immediateSequence(rd, hi)
	seq = append(seq, mustEncodeI(int32(shift), rd, 1, rd, opOpImm))
	if lo12 != 0 {
		seq = append(seq, mustEncodeI(int32(lo12), rd, 0, rd, opOpImm))
	}
	return seq
}

type store64 struct {
	rs2 asm.Variable
	rs1 asm.Variable
	imm int32
}

// MovToMemory writes src to [base+imm] using SD.
func MovToMemory(base asm.Variable, src asm.Variable, imm int32) asm.Fragment {
	return store64{rs1: base, rs2: src, imm: imm}
}

func (s store64) Emit(ctx asm.Context) error {
	if err := checkReg(s.rs1, s.rs2); err != nil {
		return err
	}
	insn, err := encodeS(s.imm, uint32(s.rs1), uint32(s.rs2), 3, opStore)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

// MovFromMemory loads [base+imm] into rd using LD.
func MovFromMemory(rd asm.Variable, base asm.Variable, imm int32) asm.Fragment {
	return immOp{rd: rd, rs1: base, imm: imm, funct3: 3, op: opLoad}
}

// Conditional branch funct3 values.
const (
	condEq  = 0
	condNe  = 1
	condLt  = 4
	condGe  = 5
	condLtu = 6
	condGeu = 7
)

func branch(funct3 uint32, rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if err := checkReg(rs1, rs2); err != nil {
			return err
		}
		c.emitBranch(target, funct3, rs1, rs2)
		return nil
	})
}

func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch(condEq, rs1, rs2, target)
}

func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch(condNe, rs1, rs2, target)
}

func Blt(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch(condLt, rs1, rs2, target)
}

func Bge(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch(condGe, rs1, rs2, target)
}

func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch(condLtu, rs1, rs2, target)
}

func Bgeu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return branch(condGeu, rs1, rs2, target)
}

func Beqz(rs asm.Variable, target asm.Label) asm.Fragment { return Beq(rs, X0, target) }
func Bnez(rs asm.Variable, target asm.Label) asm.Fragment { return Bne(rs, X0, target) }

// Jump emits JAL x0, target.
func Jump(target asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.emitJal(target, X0)
		return nil
	})
}

// Call emits JAL ra, target.
func Call(target asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		c.emitJal(target, RA)
		return nil
	})
}

// JumpReg emits JALR x0, 0(rs).
func JumpReg(rs asm.Variable) asm.Fragment {
	return immOp{rd: X0, rs1: rs, op: opJalr}
}

// Ret returns through ra.
func Ret() asm.Fragment { return JumpReg(RA) }

type halt struct{}

// Halt parks the hart in a jump-to-self loop.
func Halt() asm.Fragment { return halt{} }

func (halt) Emit(ctx asm.Context) error {
	insn, err := encodeJ(0, uint32(X0))
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

type csrOp struct {
	rd     asm.Variable
	rs1    asm.Variable
	csr    uint32
	funct3 uint32
}

func (o csrOp) Emit(ctx asm.Context) error {
	if err := checkReg(o.rd, o.rs1); err != nil {
		return err
	}
	if o.csr > 0xfff {
		return fmt.Errorf("riscv: csr %#x out of range", o.csr)
	}
	emitInsn(ctx, (o.csr<<20)|(uint32(o.rs1)<<15)|(o.funct3<<12)|(uint32(o.rd)<<7)|opSystem)
	return nil
}

// CSRWrite emits CSRRW x0, csr, rs.
func CSRWrite(csr uint32, rs asm.Variable) asm.Fragment {
	return csrOp{rd: X0, rs1: rs, csr: csr, funct3: 1}
}

// CSRRead emits CSRRS rd, csr, x0.
func CSRRead(rd asm.Variable, csr uint32) asm.Fragment {
	return csrOp{rd: rd, rs1: X0, csr: csr, funct3: 2}
}

// CSRSwap emits CSRRW rd, csr, rs.
func CSRSwap(rd asm.Variable, csr uint32, rs asm.Variable) asm.Fragment {
	return csrOp{rd: rd, rs1: rs, csr: csr, funct3: 1}
}

type rawInsn uint32

func (r rawInsn) Emit(ctx asm.Context) error {
	emitInsn(ctx, uint32(r))
	return nil
}

// SfenceVMA flushes every cached translation.
func SfenceVMA() asm.Fragment {
	return rawInsn(encodeR(0x09, 0, 0, 0, 0, opSystem))
}

// Fence emits FENCE iorw, iorw.
func Fence() asm.Fragment { return rawInsn(0x0ff0000f) }

func Nop() asm.Fragment { return rawInsn(insnNop) }

// Word emits a raw 32-bit instruction word.
func Word(insn uint32) asm.Fragment { return rawInsn(insn) }

// LoadAddress sets rd to the run-time address of target using AUIPC+ADDI.
func LoadAddress(rd asm.Variable, target asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if err := checkReg(rd); err != nil {
			return err
		}
		c.emitAddress(rd, target)
		return nil
	})
}

// LoadAbsolute loads the link-time address of target from a relocated
// literal pool slot using AUIPC+LD.
func LoadAbsolute(rd asm.Variable, target asm.Label) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if err := checkReg(rd); err != nil {
			return err
		}
		c.emitLiteralLoad(rd, target)
		return nil
	})
}

// Reserve places size zero bytes at the end of the image under label.
// Reservations are laid out in declaration order after the literal pool.
func Reserve(label asm.Label, size, align int) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		return c.reserve(label, size, align)
	})
}

// Align pads the text with NOPs up to a multiple of align bytes.
func Align(align int) asm.Fragment {
	return fragmentFunc(func(c *Context) error {
		if align < 4 || align&(align-1) != 0 {
			return fmt.Errorf("riscv: text alignment %d must be a power of two >= 4", align)
		}
		for len(c.text)%align != 0 {
			c.emit32(insnNop)
		}
		return nil
	})
}
