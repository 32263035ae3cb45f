package hv

import "fmt"

// SBI system reset extension ("SRST").
const (
	SBIExtSRST           uint64 = 0x53525354
	SBISRSTSystemReset   uint64 = 0
	SBIResetTypeShutdown uint64 = 0

	// Legacy SBI v0.1 shutdown. Recognised only so diagnostics can name it.
	SBIExtLegacyShutdown uint64 = 0x08
)

// PSCI 0.2 SYSTEM_OFF, SMC32 calling convention.
const PSCISystemOff uint64 = 0x84000008

type ShutdownKind int

const (
	ShutdownNone ShutdownKind = iota
	// ShutdownSBI is an ecall from VS-mode: a7 extension, a6 function, a0/a1 arguments.
	ShutdownSBI
	// ShutdownPSCISVC is an AArch64 SVC with the function id in x0.
	ShutdownPSCISVC
	// ShutdownPSCIVMMCALL is an x86 VMMCALL with the function id in RAX.
	ShutdownPSCIVMMCALL
)

func (k ShutdownKind) String() string {
	switch k {
	case ShutdownSBI:
		return "sbi"
	case ShutdownPSCISVC:
		return "psci-svc"
	case ShutdownPSCIVMMCALL:
		return "psci-vmmcall"
	default:
		return "none"
	}
}

// ShutdownRequest is the decoded register tuple of a guest hypercall. For
// PSCI calls Function holds the function id and Extension is unused.
type ShutdownRequest struct {
	Kind      ShutdownKind
	Extension uint64
	Function  uint64
	Args      [2]uint64
}

func (r ShutdownRequest) String() string {
	switch r.Kind {
	case ShutdownSBI:
		return fmt.Sprintf("sbi ext=%#x fid=%#x a0=%#x a1=%#x", r.Extension, r.Function, r.Args[0], r.Args[1])
	default:
		return fmt.Sprintf("%s fid=%#x", r.Kind, r.Function)
	}
}

// IsShutdown reports whether the tuple is exactly the recognised shutdown
// signature for its call kind. Any single-field deviation is not a shutdown.
func (r ShutdownRequest) IsShutdown() bool {
	switch r.Kind {
	case ShutdownSBI:
		return r.Extension == SBIExtSRST &&
			r.Function == SBISRSTSystemReset &&
			r.Args[0] == SBIResetTypeShutdown
	case ShutdownPSCISVC, ShutdownPSCIVMMCALL:
		return r.Function == PSCISystemOff
	default:
		return false
	}
}

// ClassifyHypercall maps a decoded hypercall to Shutdown or Unhandled.
func ClassifyHypercall(code uint64, req ShutdownRequest) VmExit {
	if req.IsShutdown() {
		return Shutdown(req)
	}
	detail := "hypercall " + req.String()
	if req.Kind == ShutdownSBI && req.Extension == SBIExtLegacyShutdown {
		detail = "legacy sbi shutdown not supported: " + req.String()
	}
	return Unhandled(code, detail)
}
