// Package svm runs a 16-bit real-mode guest with AMD SVM and nested paging.
//
// VMRUN moves only RAX, RSP, RIP and RFLAGS through the VMCB. The other
// fourteen general-purpose registers are kept in a software register file
// that the VCPU swaps with the physical registers around every VMRUN.
package svm

import (
	"fmt"
	"log/slog"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/guestaspace/internal/hv"
)

var ErrSVMUnsupported = fmt.Errorf("%w: cpu does not support AMD SVM", hv.ErrHypervisorUnsupported)

// GPR is a general-purpose register in hardware encoding order.
type GPR int

const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var gprNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r GPR) String() string {
	if r >= 0 && int(r) < len(gprNames) {
		return gprNames[r]
	}
	return fmt.Sprintf("gpr(%d)", int(r))
}

// SwappedGPRs are the registers VMRUN does not save or load.
var SwappedGPRs = [...]GPR{RBX, RCX, RDX, RSI, RDI, RBP, R8, R9, R10, R11, R12, R13, R14, R15}

// MSRs and CPUID bits used to bring up SVM.
const (
	MSREFER         uint32 = 0xC0000080
	MSRVMHsavePA    uint32 = 0xC0010117
	CPUIDExtFeature uint32 = 0x80000001
	cpuidECXSVM     uint32 = 1 << 2
)

// Exit codes.
const (
	ExitCodeExcpBase uint64 = 0x40
	ExitCodeHLT      uint64 = 0x78
	ExitCodeVMRUN    uint64 = 0x80
	ExitCodeVMMCALL  uint64 = 0x81
	ExitCodeNPF      uint64 = 0x400
	ExitCodeInvalid  uint64 = ^uint64(0)
)

// NPF EXITINFO1 bits.
const (
	NPFPresent   uint64 = 1 << 0
	NPFWrite     uint64 = 1 << 1
	NPFUser      uint64 = 1 << 2
	NPFFetch     uint64 = 1 << 4
	NPFFinalWalk uint64 = 1 << 32
	NPFTableWalk uint64 = 1 << 33
)

func ExitCodeName(code uint64) string {
	switch {
	case code == ExitCodeHLT:
		return "HLT"
	case code == ExitCodeVMRUN:
		return "VMRUN"
	case code == ExitCodeVMMCALL:
		return "VMMCALL"
	case code == ExitCodeNPF:
		return "NPF"
	case code == ExitCodeInvalid:
		return "INVALID"
	case code >= ExitCodeExcpBase && code < ExitCodeExcpBase+32:
		return fmt.Sprintf("EXCP%d", code-ExitCodeExcpBase)
	default:
		return "unknown"
	}
}

// Hart is the host's view of the physical core.
type Hart interface {
	CPUID(leaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, value uint64)

	// HostPhys pins buf and returns its host-physical address.
	HostPhys(buf []byte) (uint64, error)

	ReadGPR(r GPR) uint64
	WriteGPR(r GPR, value uint64)

	// VMRun executes VMRUN and returns at the next #VMEXIT. Only RAX, RSP,
	// RIP and RFLAGS are exchanged through vmcb; the remaining GPRs hold
	// the guest's values on return.
	VMRun(vmcb *VMCB) error
}

// Exit is the VMCB state captured at #VMEXIT.
type Exit struct {
	ExitCode  uint64
	ExitInfo1 uint64
	ExitInfo2 uint64
	RIP       uint64
	CSBase    uint64
	RAX       uint64

	InsnLen   uint8
	InsnBytes [15]byte
}

func (e Exit) Code() uint64 { return e.ExitCode }

func (e Exit) String() string {
	return fmt.Sprintf("exit_code=%#x (%s), info1=%#x, info2=%#x, RIP=%#x",
		e.ExitCode, ExitCodeName(e.ExitCode), e.ExitInfo1, e.ExitInfo2, e.RIP)
}

type VCPU struct {
	hart  Hart
	space *hv.GuestAddressSpace
	log   *slog.Logger

	vmcb VMCB
	gprs [len(SwappedGPRs)]uint64

	hsave []byte
	iopm  []byte
	msrpm []byte
}

// NewVCPU enables SVM on the hart and prepares a real-mode guest whose code
// segment starts at entry.
func NewVCPU(hart Hart, space *hv.GuestAddressSpace, entry hv.GuestPhysAddr, log *slog.Logger) (*VCPU, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, _, ecx, _ := hart.CPUID(CPUIDExtFeature); ecx&cpuidECXSVM == 0 {
		return nil, ErrSVMUnsupported
	}
	hart.WriteMSR(MSREFER, hart.ReadMSR(MSREFER)|EferSVME)

	v := &VCPU{
		hart:  hart,
		space: space,
		log:   log,
		hsave: make([]byte, hv.PageSize),
		iopm:  make([]byte, 3*hv.PageSize),
		msrpm: make([]byte, 2*hv.PageSize),
	}

	hsavePA, err := hart.HostPhys(v.hsave)
	if err != nil {
		return nil, fmt.Errorf("svm: host save area: %w", err)
	}
	hart.WriteMSR(MSRVMHsavePA, hsavePA)

	iopmPA, err := hart.HostPhys(v.iopm)
	if err != nil {
		return nil, fmt.Errorf("svm: iopm: %w", err)
	}
	msrpmPA, err := hart.HostPhys(v.msrpm)
	if err != nil {
		return nil, fmt.Errorf("svm: msrpm: %w", err)
	}

	if err := v.vmcb.SetupRealMode(RealModeConfig{
		Entry: uint64(entry),
		ASID:  1,
		Root:  space.Root(),
		IOPM:  iopmPA,
		MSRPM: msrpmPA,
	}); err != nil {
		return nil, err
	}

	log.Debug("svm vcpu ready", "entry", entry, "ncr3", fmt.Sprintf("%#x", space.Root()))
	return v, nil
}

func (v *VCPU) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

// VMCB exposes the control block for inspection.
func (v *VCPU) VMCB() *VMCB { return &v.vmcb }

// Enter loads the software register file into the hart, runs VMRUN and
// saves the guest registers back before the host's own values return.
func (v *VCPU) Enter() (hv.RawExit, error) {
	var host [len(SwappedGPRs)]uint64
	for i, r := range SwappedGPRs {
		host[i] = v.hart.ReadGPR(r)
	}
	defer func() {
		for i, r := range SwappedGPRs {
			v.hart.WriteGPR(r, host[i])
		}
	}()

	for i, r := range SwappedGPRs {
		v.hart.WriteGPR(r, v.gprs[i])
	}
	if err := v.hart.VMRun(&v.vmcb); err != nil {
		return nil, fmt.Errorf("svm: vmrun: %w", err)
	}
	for i, r := range SwappedGPRs {
		v.gprs[i] = v.hart.ReadGPR(r)
	}
	v.vmcb.SetTLBControl(TLBControlDoNothing)

	exit := Exit{
		ExitCode:  v.vmcb.ExitCode(),
		ExitInfo1: v.vmcb.ExitInfo1(),
		ExitInfo2: v.vmcb.ExitInfo2(),
		RIP:       v.vmcb.RIP(),
		CSBase:    v.vmcb.Segment(SegCS).Base,
		RAX:       v.vmcb.RAX(),
	}
	insn := v.vmcb.GuestInsnBytes()
	exit.InsnLen = uint8(copy(exit.InsnBytes[:], insn))
	return exit, nil
}

func (v *VCPU) Decode(raw hv.RawExit) hv.VmExit {
	e, ok := raw.(Exit)
	if !ok {
		return hv.Unhandled(raw.Code(), fmt.Sprintf("foreign exit %T", raw))
	}

	switch e.ExitCode {
	case ExitCodeNPF:
		return hv.NestedPageFault(v.FaultAddress(e))
	case ExitCodeVMMCALL:
		return hv.ClassifyHypercall(e.ExitCode, hv.ShutdownRequest{
			Kind:     hv.ShutdownPSCIVMMCALL,
			Function: e.RAX,
		})
	default:
		return hv.Unhandled(e.ExitCode, v.describe(e))
	}
}

// describe renders an unhandled exit with the instruction at CS:IP.
func (v *VCPU) describe(e Exit) string {
	if v.space == nil {
		return e.String()
	}
	pc := e.CSBase + e.RIP&0xFFFF
	var buf []byte
	for i := range uint64(15) {
		var b [1]byte
		if v.space.ReadGuest(hv.GuestPhysAddr(pc+i), b[:]) != nil {
			break
		}
		buf = append(buf, b[0])
	}
	if len(buf) == 0 {
		return e.String()
	}
	inst, err := x86asm.Decode(buf, 16)
	if err != nil {
		return fmt.Sprintf("%s, insn=% x (undecodable)", e, buf[:min(len(buf), 4)])
	}
	return fmt.Sprintf("%s, insn=%q", e, x86asm.IntelSyntax(inst, e.RIP, nil))
}

// FaultAddress returns EXITINFO2, the guest-physical address of an NPF.
func (v *VCPU) FaultAddress(raw hv.RawExit) hv.GuestPhysAddr {
	e, ok := raw.(Exit)
	if !ok {
		return 0
	}
	return hv.GuestPhysAddr(e.ExitInfo2)
}

// InvalidateGuestTLB asks the next VMRUN to flush this guest's ASID.
func (v *VCPU) InvalidateGuestTLB(gpa hv.GuestPhysAddr) error {
	v.vmcb.SetTLBControl(TLBControlFlushGuestASID)
	return nil
}

var registerGPRs = map[hv.Register]GPR{
	hv.RegisterAMD64Rbx: RBX,
	hv.RegisterAMD64Rcx: RCX,
	hv.RegisterAMD64Rdx: RDX,
	hv.RegisterAMD64Rsi: RSI,
	hv.RegisterAMD64Rdi: RDI,
	hv.RegisterAMD64Rbp: RBP,
	hv.RegisterAMD64R8:  R8,
	hv.RegisterAMD64R9:  R9,
	hv.RegisterAMD64R10: R10,
	hv.RegisterAMD64R11: R11,
	hv.RegisterAMD64R12: R12,
	hv.RegisterAMD64R13: R13,
	hv.RegisterAMD64R14: R14,
	hv.RegisterAMD64R15: R15,
}

func swappedIndex(r GPR) int {
	for i, s := range SwappedGPRs {
		if s == r {
			return i
		}
	}
	return -1
}

func (v *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("svm: unsupported register value type %T", value)
		}

		switch reg {
		case hv.RegisterAMD64Rax:
			v.vmcb.SetRAX(uint64(val64))
		case hv.RegisterAMD64Rsp:
			v.vmcb.SetRSP(uint64(val64))
		case hv.RegisterAMD64Rip:
			v.vmcb.SetRIP(uint64(val64))
		case hv.RegisterAMD64Rflags:
			v.vmcb.SetRFLAGS(uint64(val64))
		default:
			gpr, ok := registerGPRs[reg]
			if !ok {
				return fmt.Errorf("svm: unsupported register %v", reg)
			}
			v.gprs[swappedIndex(gpr)] = uint64(val64)
		}
	}
	return nil
}

func (v *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch reg {
		case hv.RegisterAMD64Rax:
			regs[reg] = hv.Register64(v.vmcb.RAX())
		case hv.RegisterAMD64Rsp:
			regs[reg] = hv.Register64(v.vmcb.RSP())
		case hv.RegisterAMD64Rip:
			regs[reg] = hv.Register64(v.vmcb.RIP())
		case hv.RegisterAMD64Rflags:
			regs[reg] = hv.Register64(v.vmcb.RFLAGS())
		default:
			gpr, ok := registerGPRs[reg]
			if !ok {
				return fmt.Errorf("svm: unsupported register %v", reg)
			}
			regs[reg] = hv.Register64(v.gprs[swappedIndex(gpr)])
		}
	}
	return nil
}

var (
	_ hv.VirtualCPU = &VCPU{}
	_ hv.RawExit    = Exit{}
)
