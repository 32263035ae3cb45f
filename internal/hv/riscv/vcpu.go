// Package riscv drives a guest in VS-mode using the RISC-V hypervisor
// extension.
package riscv

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/hv"
)

// GeneralRegisters is the x0-x31 block the entry trampoline swaps.
type GeneralRegisters struct {
	X [32]uint64
}

// Hart is the HS-mode view of the physical hart.
type Hart interface {
	ReadCSR(csr uint16) uint64
	WriteCSR(csr uint16, value uint64)

	// RunGuest is the entry trampoline: it swaps regs into the hart's
	// register file, executes sret into the guest, and on the next trap into
	// HS-mode swaps the guest registers back into regs and restores its own.
	RunGuest(regs *GeneralRegisters) error

	// FenceGVMA executes hfence.gvma. rs1 holds the guest-physical address
	// shifted right by two; zero flushes every guest translation.
	FenceGVMA(rs1 uint64)
}

// Exit is the trap state captured on return from the guest.
type Exit struct {
	Scause uint64
	Sepc   uint64
	Stval  uint64
	Htval  uint64
	Htinst uint64

	// A holds a0-a7 at the time of the trap.
	A [8]uint64
}

func (e Exit) Code() uint64 { return e.Scause }

func (e Exit) String() string {
	return fmt.Sprintf("scause=%#x (%s) sepc=%#x stval=%#x htval=%#x",
		e.Scause, CauseName(e.Scause), e.Sepc, e.Stval, e.Htval)
}

// VCPU is the RISC-V guest context. The trampoline owns the GPR block; the
// VCPU copies the sstatus/hstatus pair and sepc in and out around each entry.
type VCPU struct {
	hart  Hart
	space *hv.GuestAddressSpace
	log   *slog.Logger

	regs    GeneralRegisters
	sstatus uint64
	hstatus uint64
	sepc    uint64
}

// NewVCPU prepares a guest that starts at entry in VS-mode and points hgatp
// at space.
func NewVCPU(hart Hart, space *hv.GuestAddressSpace, entry hv.GuestPhysAddr, log *slog.Logger) *VCPU {
	if log == nil {
		log = slog.Default()
	}
	v := &VCPU{
		hart:  hart,
		space: space,
		log:   log,
		// sret with SPP=1 and SPV=1 lands in VS-mode.
		sstatus: SstatusSPP | SstatusSPIE,
		hstatus: HstatusSPV | HstatusSPVP | HstatusVSXL,
		sepc:    uint64(entry),
	}

	hart.WriteCSR(CSRHgatp, Hgatp(space.Root()))
	hart.WriteCSR(CSRVsatp, 0)
	hart.FenceGVMA(0)

	log.Debug("riscv vcpu ready", "entry", entry, "hgatp", fmt.Sprintf("%#x", Hgatp(space.Root())))
	return v
}

func (v *VCPU) Architecture() hv.CpuArchitecture { return hv.ArchitectureRISCV64 }

// Enter runs the guest until its next trap into HS-mode.
func (v *VCPU) Enter() (hv.RawExit, error) {
	hostSstatus := v.hart.ReadCSR(CSRSstatus)
	hostHstatus := v.hart.ReadCSR(CSRHstatus)
	defer func() {
		v.hart.WriteCSR(CSRSstatus, hostSstatus)
		v.hart.WriteCSR(CSRHstatus, hostHstatus)
	}()

	v.hart.WriteCSR(CSRSstatus, v.sstatus)
	v.hart.WriteCSR(CSRHstatus, v.hstatus)
	v.hart.WriteCSR(CSRSepc, v.sepc)

	if err := v.hart.RunGuest(&v.regs); err != nil {
		return nil, fmt.Errorf("riscv: run guest: %w", err)
	}

	v.sstatus = v.hart.ReadCSR(CSRSstatus)
	v.hstatus = v.hart.ReadCSR(CSRHstatus)
	v.sepc = v.hart.ReadCSR(CSRSepc)

	exit := Exit{
		Scause: v.hart.ReadCSR(CSRScause),
		Sepc:   v.sepc,
		Stval:  v.hart.ReadCSR(CSRStval),
		Htval:  v.hart.ReadCSR(CSRHtval),
		Htinst: v.hart.ReadCSR(CSRHtinst),
	}
	copy(exit.A[:], v.regs.X[10:18])
	return exit, nil
}

func (v *VCPU) Decode(raw hv.RawExit) hv.VmExit {
	e, ok := raw.(Exit)
	if !ok {
		return hv.Unhandled(raw.Code(), fmt.Sprintf("foreign exit %T", raw))
	}
	if e.Scause&CauseInterrupt != 0 {
		return hv.Unhandled(e.Scause, e.String())
	}

	switch e.Scause {
	case CauseInsnGuestPageFault, CauseLoadGuestPageFault, CauseStoreGuestPageFault:
		return hv.NestedPageFault(v.FaultAddress(e))
	case CauseEcallFromVS:
		return hv.ClassifyHypercall(e.Scause, hv.ShutdownRequest{
			Kind:      hv.ShutdownSBI,
			Extension: e.A[7],
			Function:  e.A[6],
			Args:      [2]uint64{e.A[0], e.A[1]},
		})
	default:
		return hv.Unhandled(e.Scause, e.String())
	}
}

// FaultAddress reassembles the guest-physical address: htval holds bits
// [63:2] and the low two bits come from stval.
func (v *VCPU) FaultAddress(raw hv.RawExit) hv.GuestPhysAddr {
	e, ok := raw.(Exit)
	if !ok {
		return 0
	}
	return hv.GuestPhysAddr(e.Htval<<2 | e.Stval&3)
}

func (v *VCPU) InvalidateGuestTLB(gpa hv.GuestPhysAddr) error {
	v.hart.FenceGVMA(uint64(gpa) >> 2)
	return nil
}

func (v *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("riscv: unsupported register value type %T", value)
		}

		switch {
		case reg == hv.RegisterRISCVX0:
			if val64 != 0 {
				return fmt.Errorf("riscv: x0 is hardwired to zero")
			}
		case reg > hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			v.regs.X[reg-hv.RegisterRISCVX0] = uint64(val64)
		case reg == hv.RegisterRISCVPc:
			v.sepc = uint64(val64)
		case reg == hv.RegisterRISCVSstatus:
			v.sstatus = uint64(val64)
		case reg == hv.RegisterRISCVHstatus:
			v.hstatus = uint64(val64)
		default:
			return fmt.Errorf("riscv: unsupported register %v", reg)
		}
	}
	return nil
}

func (v *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			regs[reg] = hv.Register64(v.regs.X[reg-hv.RegisterRISCVX0])
		case reg == hv.RegisterRISCVPc:
			regs[reg] = hv.Register64(v.sepc)
		case reg == hv.RegisterRISCVSstatus:
			regs[reg] = hv.Register64(v.sstatus)
		case reg == hv.RegisterRISCVHstatus:
			regs[reg] = hv.Register64(v.hstatus)
		default:
			return fmt.Errorf("riscv: unsupported register %v", reg)
		}
	}
	return nil
}

var (
	_ hv.VirtualCPU = &VCPU{}
	_ hv.RawExit    = Exit{}
)
