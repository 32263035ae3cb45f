// Package arm64 emits the A64 instructions used by guest workloads.
package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/guestaspace/internal/asm"
)

// Reg is a general-purpose register with an access width.
type Reg struct {
	id   uint8
	wide bool
}

func X(n uint8) Reg { return Reg{id: n, wide: true} }
func W(n uint8) Reg { return Reg{id: n} }

var (
	X0 = X(0)
	X1 = X(1)
	X2 = X(2)
	W0 = W(0)
	W1 = W(1)
	W2 = W(2)
)

func (r Reg) validate() error {
	if r.id > 30 {
		return fmt.Errorf("arm64 asm: register %d out of range", r.id)
	}
	return nil
}

func (r Reg) String() string {
	if r.wide {
		return fmt.Sprintf("x%d", r.id)
	}
	return fmt.Sprintf("w%d", r.id)
}

// MovImmediate materialises value with MOVZ followed by MOVK for every
// non-zero 16-bit chunk.
func MovImmediate(dst Reg, value uint64) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		if err := dst.validate(); err != nil {
			return err
		}
		movz, movk, width := uint32(0xD2800000), uint32(0xF2800000), uint32(64)
		if !dst.wide {
			movz, movk, width = 0x52800000, 0x72800000, 32
		}
		first := true
		for shift := uint32(0); shift < width; shift += 16 {
			chunk := uint16(value >> shift)
			if !first && chunk == 0 {
				continue
			}
			op := movk
			if first {
				op = movz
				first = false
			}
			emit32(ctx, op|(shift/16)<<21|uint32(chunk)<<5|uint32(dst.id))
		}
		return nil
	})
}

// Load emits LDR dst, [base, #offset] with an unsigned scaled offset.
func Load(dst, base Reg, offset uint32) asm.Fragment {
	return loadStore(dst, base, offset, 0xB9400000, 0xF9400000)
}

// Store emits STR src, [base, #offset] with an unsigned scaled offset.
func Store(src, base Reg, offset uint32) asm.Fragment {
	return loadStore(src, base, offset, 0xB9000000, 0xF9000000)
}

func loadStore(rt, base Reg, offset uint32, op32, op64 uint32) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		if err := rt.validate(); err != nil {
			return err
		}
		if base.id > 31 || !base.wide {
			return fmt.Errorf("arm64 asm: base register must be a 64-bit register")
		}
		op, scale := op32, uint32(4)
		if rt.wide {
			op, scale = op64, 8
		}
		if offset%scale != 0 || offset/scale > 0xFFF {
			return fmt.Errorf("arm64 asm: offset %d not encodable for %s", offset, rt)
		}
		emit32(ctx, op|(offset/scale)<<10|uint32(base.id)<<5|uint32(rt.id))
		return nil
	})
}

// SVC emits a supervisor call with the given immediate.
func SVC(imm uint16) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		emit32(ctx, 0xD4000001|uint32(imm)<<5)
		return nil
	})
}

// Branch emits B to a label bound earlier in the program.
func Branch(label asm.Label) asm.Fragment {
	return asm.FragmentFunc(func(ctx asm.Context) error {
		disp, err := asm.BackwardDisplacement(ctx, label)
		if err != nil {
			return fmt.Errorf("arm64 asm: %w", err)
		}
		words := int32(disp / 4)
		if words < -(1<<25) || words >= 1<<25 {
			return fmt.Errorf("arm64 asm: branch offset %d out of range", disp)
		}
		emit32(ctx, 0x14000000|uint32(words)&0x03FFFFFF)
		return nil
	})
}

// EmitProgram lowers the provided fragment into an asm.Program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	prog, err := asm.Emit(frag)
	if err != nil {
		return asm.Program{}, fmt.Errorf("arm64 asm: %w", err)
	}
	return prog, nil
}

func emit32(ctx asm.Context, word uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	ctx.EmitBytes(buf[:])
}
