// Package amd64 emits the 16-bit real-mode x86 instructions used by guest
// workloads. Operands wider than 16 bits use the 0x66/0x67 size prefixes.
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/guestaspace/internal/asm"
)

// Reg is a 32-bit general-purpose register encoding.
type Reg uint8

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

var regNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg%d", r)
}

const (
	prefixOperandSize = 0x66
	prefixAddressSize = 0x67
)

// MovImmediate emits MOV r32, imm32.
func MovImmediate(dst Reg, value uint32) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		if dst > EDI {
			return fmt.Errorf("amd64 asm: invalid register %s", dst)
		}
		buf := []byte{prefixOperandSize, 0xB8 + byte(dst), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[2:], value)
		ctx.EmitBytes(buf)
		return nil
	})
}

// Load emits MOV dst, [base] with 32-bit operand and address size.
func Load(dst, base Reg) asm.Fragment {
	return modrmIndirect(0x8B, dst, base)
}

// Store emits MOV [base], src with 32-bit operand and address size.
func Store(base, src Reg) asm.Fragment {
	return modrmIndirect(0x89, src, base)
}

func modrmIndirect(opcode byte, reg, base Reg) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		// ESP needs a SIB byte and EBP means disp32; neither is needed here.
		if base == ESP || base == EBP || base > EDI || reg > EDI {
			return fmt.Errorf("amd64 asm: unsupported operands %s, [%s]", reg, base)
		}
		ctx.EmitBytes([]byte{prefixOperandSize, prefixAddressSize, opcode, byte(reg)<<3 | byte(base)})
		return nil
	})
}

// VMMCall emits the SVM hypercall instruction.
func VMMCall() asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes([]byte{0x0F, 0x01, 0xD9})
		return nil
	})
}

// Hlt emits HLT.
func Hlt() asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes([]byte{0xF4})
		return nil
	})
}

// Jump emits a short JMP to a label bound earlier in the program.
func Jump(label asm.Label) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		disp, err := asm.BackwardDisplacement(ctx, label)
		if err != nil {
			return fmt.Errorf("amd64 asm: %w", err)
		}
		// rel8 is relative to the end of the two-byte instruction.
		rel := disp - 2
		if rel < -128 || rel > 127 {
			return fmt.Errorf("amd64 asm: short jump offset %d out of range", rel)
		}
		ctx.EmitBytes([]byte{0xEB, byte(int8(rel))})
		return nil
	})
}

// EmitProgram lowers the provided fragment into an asm.Program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	prog, err := asm.Emit(frag)
	if err != nil {
		return asm.Program{}, fmt.Errorf("amd64 asm: %w", err)
	}
	return prog, nil
}
