// Package payload builds the fixed guest workload each backend boots when no
// image file is supplied: read one word from the device page, then request
// shutdown, then spin.
package payload

import (
	"fmt"

	"github.com/tinyrange/guestaspace/internal/asm"
	"github.com/tinyrange/guestaspace/internal/asm/amd64"
	"github.com/tinyrange/guestaspace/internal/asm/arm64"
	"github.com/tinyrange/guestaspace/internal/asm/riscv"
	"github.com/tinyrange/guestaspace/internal/hv"
)

// Options selects the addresses the workload touches.
type Options struct {
	DevicePage hv.GuestPhysAddr

	// Hypercall overrides the shutdown call arguments. Nil emits the
	// recognised shutdown signature.
	Hypercall *Hypercall
}

// Hypercall is the register tuple the workload passes to the hypervisor.
// RISC-V uses all four fields; AArch64 and x86 only Function.
type Hypercall struct {
	Extension uint64
	Function  uint64
	Arg0      uint64
	Arg1      uint64
}

const hangLabel asm.Label = "hang"

// Build returns the workload for arch.
func Build(arch hv.CpuArchitecture, opts Options) ([]byte, error) {
	var (
		prog asm.Program
		err  error
	)
	switch arch {
	case hv.ArchitectureRISCV64:
		prog, err = riscv.EmitProgram(riscvWorkload(opts))
	case hv.ArchitectureARM64:
		prog, err = arm64.EmitProgram(arm64Workload(opts))
	case hv.ArchitectureX86_64:
		prog, err = amd64.EmitProgram(amd64Workload(opts))
	default:
		return nil, fmt.Errorf("payload: unsupported architecture %q", arch)
	}
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return prog.Bytes(), nil
}

func hypercall(opts Options, def Hypercall) Hypercall {
	if opts.Hypercall != nil {
		return *opts.Hypercall
	}
	return def
}

func riscvWorkload(opts Options) asm.Fragment {
	call := hypercall(opts, Hypercall{
		Extension: hv.SBIExtSRST,
		Function:  hv.SBISRSTSystemReset,
		Arg0:      hv.SBIResetTypeShutdown,
	})
	return asm.Group{
		riscv.MovImmediate(riscv.T0, int64(opts.DevicePage)),
		riscv.LoadWord(riscv.T1, riscv.T0, 0),
		riscv.MovImmediate(riscv.A7, int64(call.Extension)),
		riscv.MovImmediate(riscv.A6, int64(call.Function)),
		riscv.MovImmediate(riscv.A0, int64(call.Arg0)),
		riscv.MovImmediate(riscv.A1, int64(call.Arg1)),
		riscv.Ecall(),
		asm.MarkLabel(hangLabel),
		riscv.Jump(hangLabel),
	}
}

func arm64Workload(opts Options) asm.Fragment {
	call := hypercall(opts, Hypercall{Function: hv.PSCISystemOff})
	return asm.Group{
		arm64.MovImmediate(arm64.X1, uint64(opts.DevicePage)),
		arm64.Load(arm64.W2, arm64.X1, 0),
		arm64.MovImmediate(arm64.X0, call.Function),
		arm64.SVC(0),
		asm.MarkLabel(hangLabel),
		arm64.Branch(hangLabel),
	}
}

func amd64Workload(opts Options) asm.Fragment {
	call := hypercall(opts, Hypercall{Function: hv.PSCISystemOff})
	return asm.Group{
		amd64.MovImmediate(amd64.EBX, uint32(opts.DevicePage)),
		amd64.Load(amd64.EAX, amd64.EBX),
		amd64.MovImmediate(amd64.EAX, uint32(call.Function)),
		amd64.VMMCall(),
		asm.MarkLabel(hangLabel),
		amd64.Jump(hangLabel),
	}
}
