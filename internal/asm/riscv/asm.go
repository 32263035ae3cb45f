// Package riscv emits the RV64I instructions used by guest workloads.
package riscv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/guestaspace/internal/asm"
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

// ABI names.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	T0   = X5
	T1   = X6
	A0   = X10
	A1   = X11
	A6   = X16
	A7   = X17
)

const (
	opLoad   = 0x03
	opOpImm  = 0x13
	opStore  = 0x23
	opLui    = 0x37
	opJal    = 0x6f
	opSystem = 0x73
)

type addImmediate struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

type shiftImmediate struct {
	rd    asm.Variable
	shamt uint32
	f3    uint32
}

// AddRegImm emits ADDI rd, rd, imm.
func AddRegImm(rd asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rd, imm: imm}
}

// MovImmediate loads an immediate into rd, using ADDI when possible and LUI+ADDI
// for wider values. When emitting values with bit 31 set, the result is
// zero-extended to avoid LUI sign-extension on RV64.
func MovImmediate(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

// Slli shifts rd left by shamt bits.
func Slli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 1}
}

// Srli shifts rd right logically by shamt bits.
func Srli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 5}
}

type memOp struct {
	reg  asm.Variable
	base asm.Variable
	imm  int32
	f3   uint32
	op   uint32
}

// LoadWord emits LW rd, imm(base).
func LoadWord(rd, base asm.Variable, imm int32) asm.Fragment {
	return memOp{reg: rd, base: base, imm: imm, f3: 2, op: opLoad}
}

// MovFromMemory loads [base+imm] into rd using LD.
func MovFromMemory(rd, base asm.Variable, imm int32) asm.Fragment {
	return memOp{reg: rd, base: base, imm: imm, f3: 3, op: opLoad}
}

// StoreWord emits SW src, imm(base).
func StoreWord(base, src asm.Variable, imm int32) asm.Fragment {
	return memOp{reg: src, base: base, imm: imm, f3: 2, op: opStore}
}

// MovToMemory writes src to [base+imm] using SD.
func MovToMemory(base, src asm.Variable, imm int32) asm.Fragment {
	return memOp{reg: src, base: base, imm: imm, f3: 3, op: opStore}
}

// Ecall traps to the next privilege level.
func Ecall() asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		emitInsn(ctx, opSystem)
		return nil
	})
}

// Jump emits JAL x0 to a label bound earlier in the program.
func Jump(label asm.Label) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		disp, err := asm.BackwardDisplacement(ctx, label)
		if err != nil {
			return fmt.Errorf("riscv: %w", err)
		}
		insn, err := encodeJ(int32(disp), uint32(X0), opJal)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
		return nil
	})
}

func (l addImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), 0, uint32(l.rd), opOpImm)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	// If the value fits in a 12-bit signed immediate, a single ADDI is enough.
	if l.value >= -2048 && l.value <= 2047 {
		insn, err := encodeI(int32(l.value), uint32(X0), 0, uint32(l.rd), opOpImm)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
		return nil
	}
	if l.value < math.MinInt32 || l.value > math.MaxUint32 {
		return fmt.Errorf("riscv: immediate %#x wider than 32 bits", l.value)
	}

	zeroExtend := l.value > math.MaxInt32

	hi := (l.value + (1 << 11)) >> 12
	lo := l.value - (hi << 12)

	lui, err := encodeU(int32(hi), uint32(l.rd), opLui)
	if err != nil {
		return err
	}
	addi, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), opOpImm)
	if err != nil {
		return err
	}

	emitInsn(ctx, lui)
	emitInsn(ctx, addi)
	if zeroExtend {
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 1))
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 5))
	}
	return nil
}

func (m memOp) Emit(ctx asm.Context) error {
	var (
		insn uint32
		err  error
	)
	if m.op == opStore {
		insn, err = encodeS(m.imm, uint32(m.base), uint32(m.reg), m.f3, m.op)
	} else {
		insn, err = encodeI(m.imm, uint32(m.base), m.f3, uint32(m.reg), m.op)
	}
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s shiftImmediate) Emit(ctx asm.Context) error {
	if s.shamt > 63 {
		return fmt.Errorf("riscv: shift amount %d out of range", s.shamt)
	}
	emitInsn(ctx, mustEncodeShift(s.rd, s.shamt, s.f3))
	return nil
}

// EmitProgram lowers the provided fragment into an asm.Program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	prog, err := asm.Emit(frag)
	if err != nil {
		return asm.Program{}, fmt.Errorf("riscv: %w", err)
	}
	return prog, nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func encodeJ(imm int32, rd uint32, opcode uint32) (uint32, error) {
	if imm%2 != 0 || imm < -(1<<20) || imm >= 1<<20 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", imm)
	}
	u := uint32(imm)
	bits := ((u>>20)&1)<<31 | ((u>>1)&0x3ff)<<21 | ((u>>11)&1)<<20 | ((u>>12)&0xff)<<12
	return bits | (rd << 7) | opcode, nil
}

func mustEncodeShift(rd asm.Variable, shamt uint32, f3 uint32) uint32 {
	insn, err := encodeI(int32(shamt), uint32(rd), f3, uint32(rd), opOpImm)
	if err != nil {
		panic(err)
	}
	return insn
}
