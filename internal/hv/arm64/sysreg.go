package arm64

import "fmt"

// SysReg names an EL1 system register the host touches around guest entry.
type SysReg int

const (
	SysRegInvalid SysReg = iota
	SysRegESR_EL1
	SysRegFAR_EL1
	SysRegELR_EL1
	SysRegSPSR_EL1
	SysRegSP_EL0
	SysRegTTBR0_EL1
)

func (r SysReg) String() string {
	switch r {
	case SysRegESR_EL1:
		return "ESR_EL1"
	case SysRegFAR_EL1:
		return "FAR_EL1"
	case SysRegELR_EL1:
		return "ELR_EL1"
	case SysRegSPSR_EL1:
		return "SPSR_EL1"
	case SysRegSP_EL0:
		return "SP_EL0"
	case SysRegTTBR0_EL1:
		return "TTBR0_EL1"
	default:
		return fmt.Sprintf("sysreg(%d)", int(r))
	}
}

type exceptionClass uint64

const (
	exceptionClassUnknown           exceptionClass = 0x00
	exceptionClassSvc64             exceptionClass = 0x15
	exceptionClassHvc64             exceptionClass = 0x16
	exceptionClassSmc64             exceptionClass = 0x17
	exceptionClassInsnAbortLowerEL  exceptionClass = 0x20
	exceptionClassInsnAbortSameEL   exceptionClass = 0x21
	exceptionClassPCAlignment       exceptionClass = 0x22
	exceptionClassDataAbortLowerEL  exceptionClass = 0x24
	exceptionClassDataAbortSameEL   exceptionClass = 0x25
	exceptionClassSPAlignment       exceptionClass = 0x26
	exceptionClassBrk64             exceptionClass = 0x3C
)

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26
)

func (ec exceptionClass) String() string {
	switch ec {
	case exceptionClassUnknown:
		return "Unknown reason"
	case exceptionClassSvc64:
		return "SVC"
	case exceptionClassHvc64:
		return "HVC"
	case exceptionClassSmc64:
		return "SMC"
	case exceptionClassInsnAbortLowerEL:
		return "Instruction abort lower EL"
	case exceptionClassInsnAbortSameEL:
		return "Instruction abort same EL"
	case exceptionClassPCAlignment:
		return "PC alignment"
	case exceptionClassDataAbortLowerEL:
		return "Data abort lower EL"
	case exceptionClassDataAbortSameEL:
		return "Data abort same EL"
	case exceptionClassSPAlignment:
		return "SP alignment"
	case exceptionClassBrk64:
		return "BRK"
	default:
		return fmt.Sprintf("unknown exception class %#x", uint64(ec))
	}
}

// ESR_ELx fields.
const (
	esrIL         = 1 << 25
	esrISSMask    = 1<<25 - 1
	esrWnR        = 1 << 6
	esrFSCMask    = 0x3F
	esrImm16Mask  = 0xFFFF
	fscTransL0    = 0x04
	fscTransL3    = 0x07
	fscPermL3     = 0x0F
	fscAlignment  = 0x21
	ttbrASIDShift = 48
	ttbrBADDRMask = 1<<48 - 2
)

// SPSR_EL1 values.
const (
	// SpsrEL0t returns to EL0 with D, A, I and F masked.
	SpsrEL0t     uint64 = 0x3C0
	spsrModeMask        = 0xF
	spsrModeEL0t        = 0x0
	spsrModeEL1t        = 0x4
	spsrModeEL1h        = 0x5
)

// GuestASID tags guest translations in TTBR0_EL1.
const GuestASID = 1

func classOf(esr uint64) exceptionClass {
	return exceptionClass((esr >> exceptionClassShift) & exceptionClassMask)
}

// isTranslationFault reports whether an abort ESR carries a translation
// fault at any lookup level. Permission and alignment faults do not.
func isTranslationFault(esr uint64) bool {
	fsc := esr & esrFSCMask
	return fsc >= fscTransL0 && fsc <= fscTransL3
}

func enteredAtEL1(spsr uint64) bool {
	mode := spsr & spsrModeMask
	return mode == spsrModeEL1t || mode == spsrModeEL1h
}

func esrFor(class exceptionClass, iss uint64) uint64 {
	return uint64(class)<<exceptionClassShift | esrIL | iss&esrISSMask
}

// TTBR builds a TTBR0_EL1 value for a translation root and ASID.
func TTBR(root uint64, asid uint16) uint64 {
	return uint64(asid)<<ttbrASIDShift | root&ttbrBADDRMask
}

// TLBIVAE1Operand encodes the Xt operand of TLBI VAE1 for va in asid.
func TLBIVAE1Operand(va uint64, asid uint16) uint64 {
	return uint64(asid)<<ttbrASIDShift | (va>>12)&(1<<44-1)
}
