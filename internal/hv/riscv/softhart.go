package riscv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/guestaspace/internal/hv"
)

var (
	ErrNotVirtualized  = errors.New("sret would not enter VS-mode")
	ErrBadHgatp        = errors.New("hgatp does not reference the guest address space")
	ErrBudgetExhausted = errors.New("guest instruction budget exhausted")
)

// DefaultBudget bounds how many guest instructions one RunGuest may retire.
const DefaultBudget = 1 << 20

// Opcode constants
const (
	opLoad   = 0b0000011
	opOpImm  = 0b0010011
	opStore  = 0b0100011
	opLui    = 0b0110111
	opJal    = 0b1101111
	opSystem = 0b1110011
)

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

func immI(insn uint32) int64 { return signExtend(uint64(insn>>20), 12) }

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immU(insn uint32) int64 { return signExtend(uint64(insn&0xfffff000), 32) }

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

// trap is a guest exception taken into HS-mode.
type trap struct {
	cause uint64
	tval  uint64
	gpa   uint64
	guest bool // guest-page fault; gpa is valid
}

func (t trap) Error() string {
	return fmt.Sprintf("trap: %s tval=%#x", CauseName(t.cause), t.tval)
}

// SoftHart executes the RV64I subset guest workloads use, with G-stage
// translation through a GuestAddressSpace. VS-stage translation is Bare, so
// guest virtual and guest physical addresses coincide.
type SoftHart struct {
	space  *hv.GuestAddressSpace
	budget int

	x   [32]uint64
	pc  uint64
	csr map[uint16]uint64

	// tlb caches G-stage translations until the next hfence.gvma.
	tlb     map[uint64]hv.Mapping
	fences  int
	retired uint64
}

func NewSoftHart(space *hv.GuestAddressSpace) *SoftHart {
	return &SoftHart{
		space:  space,
		budget: DefaultBudget,
		csr:    make(map[uint16]uint64),
		tlb:    make(map[uint64]hv.Mapping),
	}
}

// SetBudget limits instructions per entry. Zero or negative means the
// default.
func (h *SoftHart) SetBudget(n int) {
	if n <= 0 {
		n = DefaultBudget
	}
	h.budget = n
}

func (h *SoftHart) ReadCSR(csr uint16) uint64         { return h.csr[csr] }
func (h *SoftHart) WriteCSR(csr uint16, value uint64) { h.csr[csr] = value }

func (h *SoftHart) FenceGVMA(rs1 uint64) {
	h.fences++
	if rs1 == 0 {
		clear(h.tlb)
		return
	}
	delete(h.tlb, (rs1<<2)>>hv.PageShift)
}

// Fences reports how many hfence.gvma instructions have executed.
func (h *SoftHart) Fences() int { return h.fences }

// Retired reports the number of guest instructions executed.
func (h *SoftHart) Retired() uint64 { return h.retired }

// HostRegisters exposes the hart's own register file while no guest runs.
func (h *SoftHart) HostRegisters() *[32]uint64 { return &h.x }

func (h *SoftHart) RunGuest(regs *GeneralRegisters) error {
	if h.csr[CSRSstatus]&SstatusSPP == 0 || h.csr[CSRHstatus]&HstatusSPV == 0 {
		return ErrNotVirtualized
	}
	hgatp := h.csr[CSRHgatp]
	if hgatp>>HgatpModeShift != HgatpModeSv39x4 || hgatp&HgatpPPNMask != h.space.Root()>>12 {
		return fmt.Errorf("%w: %#x", ErrBadHgatp, hgatp)
	}

	host := h.x
	h.x = regs.X
	h.x[0] = 0
	h.pc = h.csr[CSRSepc]
	defer func() {
		regs.X = h.x
		h.x = host
	}()

	for range h.budget {
		err := h.step()
		if err == nil {
			h.retired++
			continue
		}
		var t trap
		if !errors.As(err, &t) {
			return err
		}
		h.takeTrap(t)
		return nil
	}
	return ErrBudgetExhausted
}

func (h *SoftHart) takeTrap(t trap) {
	h.csr[CSRScause] = t.cause
	h.csr[CSRSepc] = h.pc
	h.csr[CSRStval] = t.tval
	h.csr[CSRHtinst] = 0
	h.csr[CSRSstatus] |= SstatusSPP

	hstatus := h.csr[CSRHstatus] | HstatusSPV
	if t.guest {
		h.csr[CSRHtval] = t.gpa >> 2
		hstatus |= HstatusGVA
	} else {
		h.csr[CSRHtval] = 0
		hstatus &^= HstatusGVA
	}
	h.csr[CSRHstatus] = hstatus
}

func (h *SoftHart) translate(addr uint64, access hv.Perm) (hv.Mapping, error) {
	gpn := addr >> hv.PageShift
	m, ok := h.tlb[gpn]
	if !ok {
		m, ok = h.space.Translate(hv.GuestPhysAddr(addr))
		if ok {
			h.tlb[gpn] = m
		}
	}
	if ok && m.Perm.Allows(access) {
		return m, nil
	}

	cause := CauseLoadGuestPageFault
	switch access {
	case hv.PermExec:
		cause = CauseInsnGuestPageFault
	case hv.PermWrite:
		cause = CauseStoreGuestPageFault
	}
	return hv.Mapping{}, trap{cause: cause, tval: addr, gpa: addr, guest: true}
}

func (h *SoftHart) load(addr uint64, size int) (uint64, error) {
	if addr%uint64(size) != 0 {
		return 0, trap{cause: CauseLoadAddrMisaligned, tval: addr}
	}
	m, err := h.translate(addr, hv.PermRead)
	if err != nil {
		return 0, err
	}
	b := m.Frame[addr&(hv.PageSize-1):]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

func (h *SoftHart) store(addr uint64, size int, value uint64) error {
	if addr%uint64(size) != 0 {
		return trap{cause: CauseStoreAddrMisaligned, tval: addr}
	}
	m, err := h.translate(addr, hv.PermWrite)
	if err != nil {
		return err
	}
	b := m.Frame[addr&(hv.PageSize-1):]
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	default:
		binary.LittleEndian.PutUint64(b, value)
	}
	return nil
}

func (h *SoftHart) writeReg(reg uint32, value uint64) {
	if reg != 0 {
		h.x[reg] = value
	}
}

func (h *SoftHart) step() error {
	if h.pc%4 != 0 {
		return trap{cause: CauseInsnAddrMisaligned, tval: h.pc}
	}
	m, err := h.translate(h.pc, hv.PermExec)
	if err != nil {
		return err
	}
	insn := binary.LittleEndian.Uint32(m.Frame[h.pc&(hv.PageSize-1):])
	illegal := trap{cause: CauseIllegalInsn, tval: uint64(insn)}

	next := h.pc + 4
	switch opcode(insn) {
	case opLui:
		h.writeReg(rd(insn), uint64(immU(insn)))
	case opOpImm:
		src := h.x[rs1(insn)]
		imm := immI(insn)
		shamt := uint32(imm) & 0x3f
		switch funct3(insn) {
		case 0: // ADDI
			h.writeReg(rd(insn), src+uint64(imm))
		case 1: // SLLI
			h.writeReg(rd(insn), src<<shamt)
		case 4: // XORI
			h.writeReg(rd(insn), src^uint64(imm))
		case 5:
			if insn&(1<<30) != 0 { // SRAI
				h.writeReg(rd(insn), uint64(int64(src)>>shamt))
			} else { // SRLI
				h.writeReg(rd(insn), src>>shamt)
			}
		case 6: // ORI
			h.writeReg(rd(insn), src|uint64(imm))
		case 7: // ANDI
			h.writeReg(rd(insn), src&uint64(imm))
		default:
			return illegal
		}
	case opLoad:
		addr := h.x[rs1(insn)] + uint64(immI(insn))
		var (
			size   int
			signed bool
		)
		switch funct3(insn) {
		case 0:
			size, signed = 1, true
		case 1:
			size, signed = 2, true
		case 2:
			size, signed = 4, true
		case 3:
			size = 8
		case 4:
			size = 1
		case 5:
			size = 2
		case 6:
			size = 4
		default:
			return illegal
		}
		val, err := h.load(addr, size)
		if err != nil {
			return err
		}
		if signed {
			val = uint64(signExtend(val, size*8))
		}
		h.writeReg(rd(insn), val)
	case opStore:
		addr := h.x[rs1(insn)] + uint64(immS(insn))
		f3 := funct3(insn)
		if f3 > 3 {
			return illegal
		}
		if err := h.store(addr, 1<<f3, h.x[rs2(insn)]); err != nil {
			return err
		}
	case opJal:
		h.writeReg(rd(insn), next)
		next = h.pc + uint64(immJ(insn))
	case opSystem:
		switch insn {
		case 0x00000073:
			return trap{cause: CauseEcallFromVS}
		case 0x00100073:
			return trap{cause: CauseBreakpoint, tval: h.pc}
		default:
			return illegal
		}
	default:
		return illegal
	}

	h.pc = next
	return nil
}

var (
	_ Hart = &SoftHart{}
)
