package hv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrAlreadyMapped         = errors.New("guest page already mapped")
	ErrProtocolViolation     = errors.New("nested fault on a page that is already mapped")
	ErrNoFaultPolicy         = errors.New("nested fault outside the guest working set")
	ErrUnhandledExit         = errors.New("unhandled vm exit")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// ParseArchitecture accepts both the GOARCH spelling and the canonical name.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	case "riscv64":
		return ArchitectureRISCV64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("unsupported architecture %q", s)
	}
}

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// GuestPhysAddr is an address in the guest's physical address space.
type GuestPhysAddr uint64

func (a GuestPhysAddr) PageDown() GuestPhysAddr { return a &^ (PageSize - 1) }
func (a GuestPhysAddr) PageOffset() uint64      { return uint64(a) & (PageSize - 1) }
func (a GuestPhysAddr) PageNumber() uint64      { return uint64(a) >> PageShift }
func (a GuestPhysAddr) String() string          { return fmt.Sprintf("%#x", uint64(a)) }

// AddressRange is the half-open range [Start, End).
type AddressRange struct {
	Start GuestPhysAddr
	End   GuestPhysAddr
}

func (r AddressRange) Contains(a GuestPhysAddr) bool { return a >= r.Start && a < r.End }

func (r AddressRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// Perm is the access permission of a second-stage mapping.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) Allows(access Perm) bool { return p&access == access }

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate

	// RISC-V General-Purpose Registers
	RegisterRISCVX0
	RegisterRISCVX1
	RegisterRISCVX2
	RegisterRISCVX3
	RegisterRISCVX4
	RegisterRISCVX5
	RegisterRISCVX6
	RegisterRISCVX7
	RegisterRISCVX8
	RegisterRISCVX9
	RegisterRISCVX10
	RegisterRISCVX11
	RegisterRISCVX12
	RegisterRISCVX13
	RegisterRISCVX14
	RegisterRISCVX15
	RegisterRISCVX16
	RegisterRISCVX17
	RegisterRISCVX18
	RegisterRISCVX19
	RegisterRISCVX20
	RegisterRISCVX21
	RegisterRISCVX22
	RegisterRISCVX23
	RegisterRISCVX24
	RegisterRISCVX25
	RegisterRISCVX26
	RegisterRISCVX27
	RegisterRISCVX28
	RegisterRISCVX29
	RegisterRISCVX30
	RegisterRISCVX31
	RegisterRISCVPc
	RegisterRISCVSstatus
	RegisterRISCVHstatus
)

// RawExit is the backend-specific record of why the guest stopped running.
type RawExit interface {
	// Code is the primary hardware exit code (scause, ESR, or EXITCODE).
	Code() uint64
	String() string
}

// VirtualCPU is the capability set the run loop needs from one backend.
type VirtualCPU interface {
	Architecture() CpuArchitecture

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Enter runs the guest until the next exit. It blocks and cannot be
	// cancelled. A non-nil error means the entry itself failed.
	Enter() (RawExit, error)

	// Decode classifies a raw exit. It never fails.
	Decode(raw RawExit) VmExit

	// FaultAddress extracts the faulting guest-physical address from a raw
	// exit the backend has classified as a nested page fault.
	FaultAddress(raw RawExit) GuestPhysAddr

	// InvalidateGuestTLB discards stale second-stage translations after a
	// new mapping is installed.
	InvalidateGuestTLB(gpa GuestPhysAddr) error
}

var amd64RegisterNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
}

func (r Register) String() string {
	switch {
	case r >= RegisterAMD64Rax && r <= RegisterAMD64Rflags:
		return amd64RegisterNames[r-RegisterAMD64Rax]
	case r >= RegisterARM64X0 && r <= RegisterARM64X30:
		return fmt.Sprintf("arm64.x%d", uint64(r-RegisterARM64X0))
	case r == RegisterARM64Sp:
		return "arm64.sp"
	case r == RegisterARM64Pc:
		return "arm64.pc"
	case r == RegisterARM64Pstate:
		return "arm64.pstate"
	case r >= RegisterRISCVX0 && r <= RegisterRISCVX31:
		return fmt.Sprintf("riscv.x%d", uint64(r-RegisterRISCVX0))
	case r == RegisterRISCVPc:
		return "riscv.pc"
	case r == RegisterRISCVSstatus:
		return "riscv.sstatus"
	case r == RegisterRISCVHstatus:
		return "riscv.hstatus"
	default:
		return fmt.Sprintf("register(%d)", uint64(r))
	}
}
