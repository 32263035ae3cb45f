package asm_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/guestaspace/internal/asm"
	"github.com/tinyrange/guestaspace/internal/asm/amd64"
	"github.com/tinyrange/guestaspace/internal/asm/arm64"
	"github.com/tinyrange/guestaspace/internal/asm/riscv"
)

func words(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func TestRISCVEncoding(t *testing.T) {
	prog, err := riscv.EmitProgram(asm.Group{
		riscv.MovImmediate(riscv.T0, 0x2200_0000),
		riscv.LoadWord(riscv.T1, riscv.T0, 0),
		riscv.Ecall(),
		asm.MarkLabel("hang"),
		riscv.Jump("hang"),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	want := []uint32{0x220002B7, 0x00028293, 0x0002A303, 0x00000073, 0x0000006F}
	got := words(prog.Bytes())
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("insn %d = %#08x, want %#08x", i, got[i], want[i])
		}
	}
	if off, ok := prog.LabelOffset("hang"); !ok || off != 16 {
		t.Fatalf("label offset = %d, %v", off, ok)
	}
}

func TestRISCVWideImmediate(t *testing.T) {
	prog, err := riscv.EmitProgram(riscv.MovImmediate(riscv.A7, 0x53525354))
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	if n := len(prog.Bytes()) / 4; n != 2 {
		t.Fatalf("expected LUI+ADDI, got %d instructions", n)
	}
	if _, err := riscv.EmitProgram(riscv.MovImmediate(riscv.A7, 1<<40)); err == nil {
		t.Fatalf("expected error for 40-bit immediate")
	}
}

func TestForwardJumpRejected(t *testing.T) {
	if _, err := riscv.EmitProgram(riscv.Jump("later")); err == nil {
		t.Fatalf("expected error for unbound label")
	}
	if _, err := asm.Emit(asm.Group{asm.MarkLabel("a"), asm.MarkLabel("a")}); err == nil {
		t.Fatalf("expected error for duplicate label")
	}
}

func TestARM64Encoding(t *testing.T) {
	prog, err := arm64.EmitProgram(asm.Group{
		arm64.MovImmediate(arm64.X1, 0x4020_2000),
		arm64.Load(arm64.W2, arm64.X1, 0),
		arm64.SVC(0),
		asm.MarkLabel("hang"),
		arm64.Branch("hang"),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	want := []uint32{0xD2840001, 0xF2A80401, 0xB9400022, 0xD4000001, 0x14000000}
	got := words(prog.Bytes())
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("insn %d = %#08x, want %#08x", i, got[i], want[i])
		}
	}

	code := prog.Bytes()
	for i, op := range map[int]arm64asm.Op{1: arm64asm.MOVK, 2: arm64asm.LDR, 3: arm64asm.SVC, 4: arm64asm.B} {
		inst, err := arm64asm.Decode(code[i*4:])
		if err != nil {
			t.Fatalf("decode insn %d: %v", i, err)
		}
		if inst.Op != op {
			t.Errorf("insn %d decoded as %v, want %v", i, inst.Op, op)
		}
	}
}

func TestARM64RejectsUnalignedOffset(t *testing.T) {
	if _, err := arm64.EmitProgram(arm64.Load(arm64.W2, arm64.X1, 2)); err == nil {
		t.Fatalf("expected error for unaligned offset")
	}
}

func TestAMD64Encoding(t *testing.T) {
	prog, err := amd64.EmitProgram(asm.Group{
		amd64.MovImmediate(amd64.EBX, 0x2_0000),
		amd64.Load(amd64.EAX, amd64.EBX),
		amd64.MovImmediate(amd64.EAX, 0x84000008),
		amd64.VMMCall(),
		asm.MarkLabel("hang"),
		amd64.Jump("hang"),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	want := []byte{
		0x66, 0xBB, 0x00, 0x00, 0x02, 0x00,
		0x66, 0x67, 0x8B, 0x03,
		0x66, 0xB8, 0x08, 0x00, 0x00, 0x84,
		0x0F, 0x01, 0xD9,
		0xEB, 0xFE,
	}
	if !bytes.Equal(prog.Bytes(), want) {
		t.Fatalf("code = % x\nwant % x", prog.Bytes(), want)
	}

	code := prog.Bytes()
	inst, err := x86asm.Decode(code[6:], 16)
	if err != nil {
		t.Fatalf("decode load: %v", err)
	}
	if inst.Op != x86asm.MOV || inst.Args[0] != x86asm.EAX {
		t.Fatalf("load decoded as %v", inst)
	}
	mem, ok := inst.Args[1].(x86asm.Mem)
	if !ok || mem.Base != x86asm.EBX {
		t.Fatalf("load source = %v", inst.Args[1])
	}

	inst, err = x86asm.Decode(code[19:], 16)
	if err != nil || inst.Op != x86asm.JMP {
		t.Fatalf("jump decoded as %v, %v", inst, err)
	}
}
