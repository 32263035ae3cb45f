// Package arm64 runs an EL0 guest under an EL1 host, using TTBR0_EL1 as the
// guest translation root.
//
// The guest is entered with ERET and every exception it takes lands back in
// the host's EL1 vectors. Data aborts taken from the guest stand in for
// stage-2 faults: the guest address space is installed as the stage-1 table,
// so FAR_EL1 holds the guest-physical address directly.
package arm64

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/tinyrange/guestaspace/internal/hv"
)

// TrapFrame is the register block the exception vectors save and ERET
// restores.
type TrapFrame struct {
	X    [31]uint64
	SP   uint64 // SP_EL0
	ELR  uint64
	SPSR uint64
}

// Hart is the EL1 view of the physical core.
type Hart interface {
	ReadSysReg(r SysReg) uint64
	WriteSysReg(r SysReg, value uint64)

	// Eret loads frame into the register file and ELR/SPSR/SP_EL0, returns
	// into the guest, and on the next exception saves the guest state back
	// into frame before restoring the host registers.
	Eret(frame *TrapFrame) error

	// TLBIVMALLE1 invalidates every stage-1 EL1&0 translation.
	TLBIVMALLE1()
	// TLBIVAE1 invalidates one page for one ASID. op is ASID<<48 | VA>>12.
	TLBIVAE1(op uint64)
}

// Exit is the syndrome captured when the guest traps.
type Exit struct {
	ESR  uint64
	FAR  uint64
	ELR  uint64
	SPSR uint64
	X0   uint64
}

func (e Exit) Code() uint64 { return e.ESR }

func (e Exit) String() string {
	return fmt.Sprintf("EC=%#x (%s), ESR=%#x, ELR=%#x, FAR=%#x",
		uint64(classOf(e.ESR)), classOf(e.ESR), e.ESR, e.ELR, e.FAR)
}

type VCPU struct {
	hart  Hart
	space *hv.GuestAddressSpace
	log   *slog.Logger

	frame TrapFrame
}

// NewVCPU prepares an EL0 guest with D, A, I and F masked that starts at
// entry. The entry point, PSTATE and stack are set here once; after that
// only the exception path updates the frame.
func NewVCPU(hart Hart, space *hv.GuestAddressSpace, entry hv.GuestPhysAddr, log *slog.Logger) *VCPU {
	if log == nil {
		log = slog.Default()
	}
	v := &VCPU{
		hart:  hart,
		space: space,
		log:   log,
		frame: TrapFrame{
			ELR:  uint64(entry),
			SPSR: SpsrEL0t,
		},
	}

	// Drop anything cached for the guest ASID by an earlier address space.
	hart.TLBIVMALLE1()

	log.Debug("arm64 vcpu ready", "entry", entry, "ttbr0", fmt.Sprintf("%#x", TTBR(space.Root(), GuestASID)))
	return v
}

func (v *VCPU) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

// Enter installs the guest root in TTBR0_EL1, returns into the guest and
// puts the host root back once the guest traps.
func (v *VCPU) Enter() (hv.RawExit, error) {
	hostTTBR := v.hart.ReadSysReg(SysRegTTBR0_EL1)
	v.hart.WriteSysReg(SysRegTTBR0_EL1, TTBR(v.space.Root(), GuestASID))
	defer v.hart.WriteSysReg(SysRegTTBR0_EL1, hostTTBR)

	if err := v.hart.Eret(&v.frame); err != nil {
		return nil, fmt.Errorf("arm64: eret: %w", err)
	}

	return Exit{
		ESR:  v.hart.ReadSysReg(SysRegESR_EL1),
		FAR:  v.hart.ReadSysReg(SysRegFAR_EL1),
		ELR:  v.frame.ELR,
		SPSR: v.frame.SPSR,
		X0:   v.frame.X[0],
	}, nil
}

func (v *VCPU) Decode(raw hv.RawExit) hv.VmExit {
	e, ok := raw.(Exit)
	if !ok {
		return hv.Unhandled(raw.Code(), fmt.Sprintf("foreign exit %T", raw))
	}

	switch classOf(e.ESR) {
	// The guest runs at EL0 so its aborts arrive as lower-EL. Same-EL
	// aborts are only taken from a guest that was entered at EL1.
	case exceptionClassDataAbortLowerEL:
		if isTranslationFault(e.ESR) {
			return hv.NestedPageFault(v.FaultAddress(e))
		}
	case exceptionClassDataAbortSameEL:
		if enteredAtEL1(e.SPSR) && isTranslationFault(e.ESR) {
			return hv.NestedPageFault(v.FaultAddress(e))
		}
	case exceptionClassSvc64:
		return hv.ClassifyHypercall(e.ESR, hv.ShutdownRequest{
			Kind:     hv.ShutdownPSCISVC,
			Function: e.X0,
		})
	}
	return hv.Unhandled(e.ESR, v.describe(e))
}

// describe renders an unhandled exit together with the instruction that
// raised it, when that instruction is readable.
func (v *VCPU) describe(e Exit) string {
	pc := e.ELR
	if classOf(e.ESR) == exceptionClassSvc64 {
		// ELR points past the SVC.
		pc -= 4
	}
	var buf [4]byte
	if v.space == nil || v.space.ReadGuest(hv.GuestPhysAddr(pc), buf[:]) != nil {
		return e.String()
	}
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return fmt.Sprintf("%s, insn=%#08x (undecodable)", e, binary.LittleEndian.Uint32(buf[:]))
	}
	return fmt.Sprintf("%s, insn=%q", e, inst.String())
}

func (v *VCPU) FaultAddress(raw hv.RawExit) hv.GuestPhysAddr {
	e, ok := raw.(Exit)
	if !ok {
		return 0
	}
	return hv.GuestPhysAddr(e.FAR)
}

func (v *VCPU) InvalidateGuestTLB(gpa hv.GuestPhysAddr) error {
	v.hart.TLBIVAE1(TLBIVAE1Operand(uint64(gpa), GuestASID))
	return nil
}

func (v *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("arm64: unsupported register value type %T", value)
		}

		switch {
		case reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30:
			v.frame.X[reg-hv.RegisterARM64X0] = uint64(val64)
		case reg == hv.RegisterARM64Sp:
			v.frame.SP = uint64(val64)
		case reg == hv.RegisterARM64Pc:
			v.frame.ELR = uint64(val64)
		case reg == hv.RegisterARM64Pstate:
			v.frame.SPSR = uint64(val64)
		default:
			return fmt.Errorf("arm64: unsupported register %v", reg)
		}
	}
	return nil
}

func (v *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30:
			regs[reg] = hv.Register64(v.frame.X[reg-hv.RegisterARM64X0])
		case reg == hv.RegisterARM64Sp:
			regs[reg] = hv.Register64(v.frame.SP)
		case reg == hv.RegisterARM64Pc:
			regs[reg] = hv.Register64(v.frame.ELR)
		case reg == hv.RegisterARM64Pstate:
			regs[reg] = hv.Register64(v.frame.SPSR)
		default:
			return fmt.Errorf("arm64: unsupported register %v", reg)
		}
	}
	return nil
}

var (
	_ hv.VirtualCPU = &VCPU{}
	_ hv.RawExit    = Exit{}
)
