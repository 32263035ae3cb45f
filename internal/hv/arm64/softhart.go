package arm64

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/guestaspace/internal/hv"
)

var (
	ErrBadSPSR         = errors.New("SPSR_EL1 does not describe an EL0 or EL1 return")
	ErrBadTTBR         = errors.New("TTBR0_EL1 does not reference the guest address space")
	ErrBudgetExhausted = errors.New("guest instruction budget exhausted")
)

const DefaultBudget = 1 << 20

const insnNop = 0xD503201F

// exception is a synchronous exception taken to EL1.
type exception struct {
	class exceptionClass
	iss   uint64
	far   uint64
	elr   uint64
}

func (e exception) Error() string {
	return fmt.Sprintf("exception: %s iss=%#x far=%#x", e.class, e.iss, e.far)
}

type tlbKey struct {
	asid uint16
	page uint64
}

// SoftHart executes the handful of A64 instructions guest workloads use.
// Translation walks the GuestAddressSpace installed in TTBR0_EL1 and is
// cached per ASID until a TLBI drops it.
type SoftHart struct {
	space  *hv.GuestAddressSpace
	budget int

	x       [31]uint64
	sp      uint64
	pc      uint64
	el      int
	sysregs map[SysReg]uint64

	tlb           map[tlbKey]hv.Mapping
	invalidations int
	retired       uint64
}

func NewSoftHart(space *hv.GuestAddressSpace) *SoftHart {
	return &SoftHart{
		space:   space,
		budget:  DefaultBudget,
		sysregs: make(map[SysReg]uint64),
		tlb:     make(map[tlbKey]hv.Mapping),
	}
}

func (h *SoftHart) SetBudget(n int) {
	if n <= 0 {
		n = DefaultBudget
	}
	h.budget = n
}

func (h *SoftHart) ReadSysReg(r SysReg) uint64         { return h.sysregs[r] }
func (h *SoftHart) WriteSysReg(r SysReg, value uint64) { h.sysregs[r] = value }

func (h *SoftHart) TLBIVMALLE1() {
	h.invalidations++
	clear(h.tlb)
}

func (h *SoftHart) TLBIVAE1(op uint64) {
	h.invalidations++
	delete(h.tlb, tlbKey{asid: uint16(op >> ttbrASIDShift), page: op & (1<<44 - 1)})
}

// Invalidations reports how many TLBI instructions have executed.
func (h *SoftHart) Invalidations() int { return h.invalidations }

func (h *SoftHart) Retired() uint64 { return h.retired }

// HostRegisters exposes the hart's own x0-x30 while no guest runs.
func (h *SoftHart) HostRegisters() *[31]uint64 { return &h.x }

func (h *SoftHart) Eret(frame *TrapFrame) error {
	switch frame.SPSR & spsrModeMask {
	case spsrModeEL0t:
		h.el = 0
	case spsrModeEL1t, spsrModeEL1h:
		h.el = 1
	default:
		return fmt.Errorf("%w: %#x", ErrBadSPSR, frame.SPSR)
	}
	ttbr := h.sysregs[SysRegTTBR0_EL1]
	if ttbr&ttbrBADDRMask != h.space.Root() {
		return fmt.Errorf("%w: %#x", ErrBadTTBR, ttbr)
	}
	asid := uint16(ttbr >> ttbrASIDShift)

	h.sysregs[SysRegELR_EL1] = frame.ELR
	h.sysregs[SysRegSPSR_EL1] = frame.SPSR
	h.sysregs[SysRegSP_EL0] = frame.SP

	host, hostSP := h.x, h.sp
	h.x = frame.X
	h.sp = frame.SP
	h.pc = frame.ELR
	defer func() {
		frame.X = h.x
		frame.SP = h.sp
		frame.ELR = h.sysregs[SysRegELR_EL1]
		frame.SPSR = h.sysregs[SysRegSPSR_EL1]
		h.x, h.sp = host, hostSP
	}()

	for range h.budget {
		err := h.step(asid)
		if err == nil {
			h.retired++
			continue
		}
		var exc exception
		if !errors.As(err, &exc) {
			return err
		}
		h.takeException(exc)
		return nil
	}
	return ErrBudgetExhausted
}

func (h *SoftHart) takeException(exc exception) {
	h.sysregs[SysRegESR_EL1] = esrFor(exc.class, exc.iss)
	h.sysregs[SysRegFAR_EL1] = exc.far
	h.sysregs[SysRegELR_EL1] = exc.elr
	h.sysregs[SysRegSP_EL0] = h.sp
}

// abortClass picks the lower-EL or same-EL variant of an abort class.
func (h *SoftHart) abortClass(lower exceptionClass) exceptionClass {
	if h.el == 0 {
		return lower
	}
	return lower + 1
}

func (h *SoftHart) translate(asid uint16, va uint64, access hv.Perm) (hv.Mapping, error) {
	key := tlbKey{asid: asid, page: va >> hv.PageShift}
	m, ok := h.tlb[key]
	if !ok {
		m, ok = h.space.Translate(hv.GuestPhysAddr(va))
		if ok {
			h.tlb[key] = m
		}
	}
	if ok && m.Perm.Allows(access) {
		return m, nil
	}

	fsc := uint64(fscTransL3)
	if ok {
		fsc = fscPermL3
	}
	if access == hv.PermExec {
		return hv.Mapping{}, exception{class: h.abortClass(exceptionClassInsnAbortLowerEL), iss: fsc, far: va, elr: h.pc}
	}
	if access == hv.PermWrite {
		fsc |= esrWnR
	}
	return hv.Mapping{}, exception{class: h.abortClass(exceptionClassDataAbortLowerEL), iss: fsc, far: va, elr: h.pc}
}

func (h *SoftHart) reg(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return h.x[n]
}

func (h *SoftHart) setReg(n uint32, value uint64) {
	if n != 31 {
		h.x[n] = value
	}
}

// base reads a base register, where 31 is SP rather than XZR.
func (h *SoftHart) base(n uint32) uint64 {
	if n == 31 {
		return h.sp
	}
	return h.x[n]
}

func (h *SoftHart) step(asid uint16) error {
	if h.pc%4 != 0 {
		return exception{class: exceptionClassPCAlignment, far: h.pc, elr: h.pc}
	}
	m, err := h.translate(asid, h.pc, hv.PermExec)
	if err != nil {
		return err
	}
	insn := binary.LittleEndian.Uint32(m.Frame[h.pc&(hv.PageSize-1):])
	undefined := exception{class: exceptionClassUnknown, elr: h.pc}

	rd := insn & 0x1F
	rn := (insn >> 5) & 0x1F
	sf := insn>>31 != 0
	next := h.pc + 4

	switch {
	case insn == insnNop:
	case insn&0x7F800000 == 0x52800000, insn&0x7F800000 == 0x72800000: // MOVZ, MOVK
		hw := (insn >> 21) & 0x3
		if !sf && hw > 1 {
			return undefined
		}
		shift := hw * 16
		val := uint64((insn>>5)&0xFFFF) << shift
		if insn&0x7F800000 == 0x72800000 {
			val |= h.reg(rd) &^ (0xFFFF << shift)
		}
		if !sf {
			val &= 0xFFFFFFFF
		}
		h.setReg(rd, val)
	case insn&0xFC000000 == 0x14000000: // B
		off := int64(int32(insn<<6)>>6) * 4
		next = h.pc + uint64(off)
	case insn&0xFFE0001F == 0xD4000001: // SVC
		return exception{class: exceptionClassSvc64, iss: uint64(insn>>5) & esrImm16Mask, elr: next}
	case insn&0xBFC00000 == 0xB9400000, insn&0xBFC00000 == 0xB9000000: // LDR, STR (unsigned offset)
		size := uint64(4)
		if insn&(1<<30) != 0 {
			size = 8
		}
		addr := h.base(rn) + uint64((insn>>10)&0xFFF)*size
		write := insn&0xBFC00000 == 0xB9000000

		if addr%size != 0 {
			iss := uint64(fscAlignment)
			if write {
				iss |= esrWnR
			}
			return exception{class: h.abortClass(exceptionClassDataAbortLowerEL), iss: iss, far: addr, elr: h.pc}
		}
		access := hv.PermRead
		if write {
			access = hv.PermWrite
		}
		m, err := h.translate(asid, addr, access)
		if err != nil {
			return err
		}
		b := m.Frame[addr&(hv.PageSize-1):]
		switch {
		case write && size == 8:
			binary.LittleEndian.PutUint64(b, h.reg(rd))
		case write:
			binary.LittleEndian.PutUint32(b, uint32(h.reg(rd)))
		case size == 8:
			h.setReg(rd, binary.LittleEndian.Uint64(b))
		default:
			h.setReg(rd, uint64(binary.LittleEndian.Uint32(b)))
		}
	default:
		return undefined
	}

	h.pc = next
	return nil
}

var (
	_ Hart = &SoftHart{}
)
