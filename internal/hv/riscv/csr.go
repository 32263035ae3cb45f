package riscv

import "fmt"

// CSR addresses used by the hypervisor.
const (
	CSRSstatus uint16 = 0x100
	CSRStvec   uint16 = 0x105
	CSRSepc    uint16 = 0x141
	CSRScause  uint16 = 0x142
	CSRStval   uint16 = 0x143
	CSRHstatus uint16 = 0x600
	CSRHedeleg uint16 = 0x602
	CSRHtval   uint16 = 0x643
	CSRHtinst  uint16 = 0x64A
	CSRHgatp   uint16 = 0x680
	CSRVsatp   uint16 = 0x280
)

// sstatus bits
const (
	SstatusSIE  uint64 = 1 << 1
	SstatusSPIE uint64 = 1 << 5
	SstatusSPP  uint64 = 1 << 8
)

// hstatus bits
const (
	HstatusGVA  uint64 = 1 << 6
	HstatusSPV  uint64 = 1 << 7
	HstatusSPVP uint64 = 1 << 8
	HstatusVSXL uint64 = 2 << 32 // VS-mode XLEN = 64
)

// Exception causes seen by HS-mode.
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseStoreAddrMisaligned uint64 = 6
	CauseEcallFromVS         uint64 = 10
	CauseInsnGuestPageFault  uint64 = 20
	CauseLoadGuestPageFault  uint64 = 21
	CauseVirtualInstruction  uint64 = 22
	CauseStoreGuestPageFault uint64 = 23
	CauseInterrupt           uint64 = 1 << 63
)

var causeNames = map[uint64]string{
	CauseInsnAddrMisaligned:  "instruction address misaligned",
	CauseIllegalInsn:         "illegal instruction",
	CauseBreakpoint:          "breakpoint",
	CauseLoadAddrMisaligned:  "load address misaligned",
	CauseStoreAddrMisaligned: "store address misaligned",
	CauseEcallFromVS:         "ecall from VS-mode",
	CauseInsnGuestPageFault:  "instruction guest-page fault",
	CauseLoadGuestPageFault:  "load guest-page fault",
	CauseVirtualInstruction:  "virtual instruction",
	CauseStoreGuestPageFault: "store/AMO guest-page fault",
}

// CauseName describes an scause value.
func CauseName(scause uint64) string {
	if scause&CauseInterrupt != 0 {
		return fmt.Sprintf("interrupt %d", scause&^CauseInterrupt)
	}
	if name, ok := causeNames[scause]; ok {
		return name
	}
	return fmt.Sprintf("exception %d", scause)
}

// hgatp layout
const (
	HgatpModeBare   uint64 = 0
	HgatpModeSv39x4 uint64 = 8
	HgatpModeShift         = 60
	HgatpPPNMask    uint64 = 1<<44 - 1
)

// Hgatp builds an Sv39x4 hgatp value with VMID 0 for the given root.
func Hgatp(root uint64) uint64 {
	return HgatpModeSv39x4<<HgatpModeShift | (root>>12)&HgatpPPNMask
}
