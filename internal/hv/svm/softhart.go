package svm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/guestaspace/internal/hv"
)

var (
	ErrSVMDisabled     = errors.New("VMRUN with EFER.SVME clear")
	ErrNoHostSave      = errors.New("VM_HSAVE_PA is not set")
	ErrBadNCR3         = errors.New("nCR3 does not reference the guest address space")
	ErrGuestException  = errors.New("guest raised an exception that is not intercepted")
	ErrGuestHalted     = errors.New("guest halted without an HLT intercept")
	ErrBudgetExhausted = errors.New("guest instruction budget exhausted")
)

const DefaultBudget = 1 << 20

// hostPhysBase is where SoftHart starts handing out host-physical
// addresses for pinned buffers.
const hostPhysBase = 0x1_0000_0000

var insnVMMCALL = []byte{0x0F, 0x01, 0xD9}

// vmexit is a guest event the VMCB intercepts.
type vmexit struct {
	code    uint64
	info1   uint64
	info2   uint64
	nextRIP uint64
	insn    []byte
}

func (e *vmexit) Error() string {
	return fmt.Sprintf("#VMEXIT %s info1=%#x info2=%#x", ExitCodeName(e.code), e.info1, e.info2)
}

// SoftHart executes the 16-bit real-mode instructions guest workloads use,
// translating every access through the nested page table rooted at nCR3.
// Segment limits are not enforced, so 32-bit offsets reach past 64KiB the
// way unreal-mode guests expect.
type SoftHart struct {
	space  *hv.GuestAddressSpace
	budget int
	noSVM  bool

	gpr [16]uint64
	msr map[uint32]uint64

	pinned   map[*byte]uint64
	nextPhys uint64

	tlb     map[uint64]hv.Mapping
	flushes int
	retired uint64
}

func NewSoftHart(space *hv.GuestAddressSpace) *SoftHart {
	return &SoftHart{
		space:    space,
		budget:   DefaultBudget,
		msr:      make(map[uint32]uint64),
		pinned:   make(map[*byte]uint64),
		nextPhys: hostPhysBase,
		tlb:      make(map[uint64]hv.Mapping),
	}
}

func (h *SoftHart) SetBudget(n int) {
	if n <= 0 {
		n = DefaultBudget
	}
	h.budget = n
}

// DisableSVM makes CPUID report no SVM support.
func (h *SoftHart) DisableSVM() { h.noSVM = true }

// Flushes reports how many VMRUNs honoured a TLB_CONTROL flush request.
func (h *SoftHart) Flushes() int { return h.flushes }

func (h *SoftHart) Retired() uint64 { return h.retired }

func (h *SoftHart) CPUID(leaf uint32) (eax, ebx, ecx, edx uint32) {
	if leaf == CPUIDExtFeature && !h.noSVM {
		ecx |= cpuidECXSVM
	}
	return
}

func (h *SoftHart) ReadMSR(msr uint32) uint64         { return h.msr[msr] }
func (h *SoftHart) WriteMSR(msr uint32, value uint64) { h.msr[msr] = value }
func (h *SoftHart) ReadGPR(r GPR) uint64              { return h.gpr[r] }
func (h *SoftHart) WriteGPR(r GPR, value uint64)      { h.gpr[r] = value }

func (h *SoftHart) HostPhys(buf []byte) (uint64, error) {
	if len(buf) == 0 || len(buf)%hv.PageSize != 0 {
		return 0, fmt.Errorf("svm: host buffer of %d bytes is not whole pages", len(buf))
	}
	if pa, ok := h.pinned[&buf[0]]; ok {
		return pa, nil
	}
	pa := h.nextPhys
	h.nextPhys += uint64(len(buf))
	h.pinned[&buf[0]] = pa
	return pa, nil
}

func (h *SoftHart) VMRun(vmcb *VMCB) error {
	if h.msr[MSREFER]&EferSVME == 0 {
		return ErrSVMDisabled
	}
	if h.msr[MSRVMHsavePA] == 0 {
		return ErrNoHostSave
	}

	// Consistency checks fail the VMRUN itself with VMEXIT_INVALID.
	if vmcb.EFER()&EferSVME == 0 || vmcb.ASID() == 0 || vmcb.Intercepts2()&InterceptVMRUN == 0 {
		vmcb.SetExit(ExitCodeInvalid, 0, 0, 0)
		return nil
	}
	if !vmcb.NestedPaging() || vmcb.NCR3() != h.space.Root() {
		return fmt.Errorf("%w: %#x", ErrBadNCR3, vmcb.NCR3())
	}
	if vmcb.TLBControl() != TLBControlDoNothing {
		clear(h.tlb)
		h.flushes++
	}

	hostRAX, hostRSP := h.gpr[RAX], h.gpr[RSP]
	h.gpr[RAX] = vmcb.RAX()
	h.gpr[RSP] = vmcb.RSP()
	rip := vmcb.RIP()
	defer func() {
		vmcb.SetRAX(h.gpr[RAX])
		vmcb.SetRSP(h.gpr[RSP])
		vmcb.SetRIP(rip)
		h.gpr[RAX], h.gpr[RSP] = hostRAX, hostRSP
	}()

	for range h.budget {
		err := h.step(vmcb, &rip)
		if err == nil {
			h.retired++
			continue
		}
		var exit *vmexit
		if !errors.As(err, &exit) {
			return err
		}
		vmcb.SetExit(exit.code, exit.info1, exit.info2, exit.nextRIP)
		vmcb.SetGuestInsnBytes(exit.insn)
		return nil
	}
	return ErrBudgetExhausted
}

func (h *SoftHart) translate(gpa uint64, access hv.Perm) (hv.Mapping, error) {
	gpn := gpa >> hv.PageShift
	m, ok := h.tlb[gpn]
	if !ok {
		m, ok = h.space.Translate(hv.GuestPhysAddr(gpa))
		if ok {
			h.tlb[gpn] = m
		}
	}
	if ok && m.Perm.Allows(access) {
		return m, nil
	}

	info1 := NPFUser | NPFFinalWalk
	if ok {
		info1 |= NPFPresent
	}
	switch access {
	case hv.PermWrite:
		info1 |= NPFWrite
	case hv.PermExec:
		info1 |= NPFFetch
	}
	return hv.Mapping{}, &vmexit{code: ExitCodeNPF, info1: info1, info2: gpa}
}

func (h *SoftHart) exception(vmcb *VMCB, vector uint, rip uint64) error {
	if vmcb.ExceptionIntercepts()&(1<<vector) == 0 {
		return fmt.Errorf("%w: vector %d at %#x", ErrGuestException, vector, rip)
	}
	return &vmexit{code: ExitCodeExcpBase + uint64(vector), nextRIP: rip}
}

// gprOf maps a decoded register operand to its register file slot and width.
func gprOf(r x86asm.Reg) (GPR, int, bool) {
	switch {
	case r >= x86asm.AX && r <= x86asm.DI:
		return GPR(r - x86asm.AX), 2, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return GPR(r - x86asm.EAX), 4, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return GPR(r - x86asm.RAX), 8, true
	default:
		return 0, 0, false
	}
}

func (h *SoftHart) readReg(r x86asm.Reg) (uint64, bool) {
	g, size, ok := gprOf(r)
	if !ok {
		return 0, false
	}
	return h.gpr[g] & sizeMask(size), true
}

// writeReg stores value into the low size bytes of r. Outside 64-bit mode
// the upper bits are preserved.
func (h *SoftHart) writeReg(r x86asm.Reg, value uint64) bool {
	g, size, ok := gprOf(r)
	if !ok {
		return false
	}
	mask := sizeMask(size)
	h.gpr[g] = h.gpr[g]&^mask | value&mask
	return true
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}

var segmentOf = map[x86asm.Reg]SegmentReg{
	x86asm.ES: SegES,
	x86asm.CS: SegCS,
	x86asm.SS: SegSS,
	x86asm.DS: SegDS,
	x86asm.FS: SegFS,
	x86asm.GS: SegGS,
}

// linear computes the address of a memory operand.
func (h *SoftHart) linear(vmcb *VMCB, mem x86asm.Mem, addrSize int) (uint64, bool) {
	var off uint64
	if mem.Base != 0 {
		v, ok := h.readReg(mem.Base)
		if !ok {
			return 0, false
		}
		off += v
	}
	if mem.Index != 0 {
		v, ok := h.readReg(mem.Index)
		if !ok {
			return 0, false
		}
		off += v * uint64(mem.Scale)
	}
	off += uint64(mem.Disp)
	off &= sizeMask(addrSize / 8)

	seg := SegDS
	switch mem.Base {
	case x86asm.BP, x86asm.EBP, x86asm.SP, x86asm.ESP:
		seg = SegSS
	}
	if mem.Segment != 0 {
		s, ok := segmentOf[mem.Segment]
		if !ok {
			return 0, false
		}
		seg = s
	}
	return vmcb.Segment(seg).Base + off, true
}

// access reads or writes n bytes at addr. Every page is translated before
// any byte is written.
func (h *SoftHart) access(addr uint64, n int, write bool, value uint64) (uint64, error) {
	perm := hv.PermRead
	if write {
		perm = hv.PermWrite
	}
	frames := make([][]byte, n)
	for i := range n {
		m, err := h.translate(addr+uint64(i), perm)
		if err != nil {
			return 0, err
		}
		frames[i] = m.Frame
	}

	var buf [8]byte
	if write {
		binary.LittleEndian.PutUint64(buf[:], value)
	}
	for i := range n {
		b := &frames[i][(addr+uint64(i))&(hv.PageSize-1)]
		if write {
			*b = buf[i]
		} else {
			buf[i] = *b
		}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (h *SoftHart) step(vmcb *VMCB, rip *uint64) error {
	pc := vmcb.Segment(SegCS).Base + *rip&0xFFFF

	var (
		code       []byte
		fetchFault error
	)
	for i := range uint64(15) {
		m, err := h.translate(pc+i, hv.PermExec)
		if err != nil {
			if i == 0 {
				return err
			}
			fetchFault = err
			break
		}
		code = append(code, m.Frame[(pc+i)&(hv.PageSize-1)])
	}

	if bytes.HasPrefix(code, insnVMMCALL) {
		if vmcb.Intercepts2()&InterceptVMMCALL == 0 {
			return h.exception(vmcb, VectorUD, *rip)
		}
		return &vmexit{code: ExitCodeVMMCALL, nextRIP: *rip + uint64(len(insnVMMCALL))}
	}

	inst, err := x86asm.Decode(code, 16)
	if err != nil {
		if fetchFault != nil {
			return fetchFault
		}
		return h.exception(vmcb, VectorUD, *rip)
	}
	next := *rip + uint64(inst.Len)

	// dataFault attaches the fetched bytes for decode assist.
	dataFault := func(err error) error {
		var exit *vmexit
		if errors.As(err, &exit) {
			exit.insn = code[:inst.Len]
		}
		return err
	}

	switch inst.Op {
	case x86asm.NOP:
	case x86asm.HLT:
		if vmcb.Intercepts1()&InterceptHLT == 0 {
			return ErrGuestHalted
		}
		return &vmexit{code: ExitCodeHLT, nextRIP: next}
	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return h.exception(vmcb, VectorUD, *rip)
		}
		next = (next + uint64(int64(rel))) & sizeMask(inst.DataSize/8)
	case x86asm.MOV:
		switch dst := inst.Args[0].(type) {
		case x86asm.Reg:
			switch src := inst.Args[1].(type) {
			case x86asm.Imm:
				if !h.writeReg(dst, uint64(src)) {
					return h.exception(vmcb, VectorUD, *rip)
				}
			case x86asm.Reg:
				v, ok := h.readReg(src)
				if !ok || !h.writeReg(dst, v) {
					return h.exception(vmcb, VectorUD, *rip)
				}
			case x86asm.Mem:
				addr, ok := h.linear(vmcb, src, inst.AddrSize)
				if !ok {
					return h.exception(vmcb, VectorUD, *rip)
				}
				v, err := h.access(addr, inst.MemBytes, false, 0)
				if err != nil {
					return dataFault(err)
				}
				h.writeReg(dst, v)
			default:
				return h.exception(vmcb, VectorUD, *rip)
			}
		case x86asm.Mem:
			src, ok := inst.Args[1].(x86asm.Reg)
			if !ok {
				return h.exception(vmcb, VectorUD, *rip)
			}
			v, ok := h.readReg(src)
			if !ok {
				return h.exception(vmcb, VectorUD, *rip)
			}
			addr, ok := h.linear(vmcb, dst, inst.AddrSize)
			if !ok {
				return h.exception(vmcb, VectorUD, *rip)
			}
			if _, err := h.access(addr, inst.MemBytes, true, v); err != nil {
				return dataFault(err)
			}
		default:
			return h.exception(vmcb, VectorUD, *rip)
		}
	default:
		return h.exception(vmcb, VectorUD, *rip)
	}

	*rip = next
	return nil
}

var (
	_ Hart = &SoftHart{}
)
