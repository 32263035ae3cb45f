package svm

import (
	"encoding/binary"
	"fmt"
)

// VMCBSize is the size of a VMCB page.
const VMCBSize = 4096

// Control area offsets.
const (
	ctrlInterceptExcp   = 0x008
	ctrlInterceptMisc1  = 0x00C
	ctrlInterceptMisc2  = 0x010
	ctrlIOPMBase        = 0x040
	ctrlMSRPMBase       = 0x048
	ctrlGuestASID       = 0x058
	ctrlTLBControl      = 0x05C
	ctrlExitCode        = 0x070
	ctrlExitInfo1       = 0x078
	ctrlExitInfo2       = 0x080
	ctrlExitIntInfo     = 0x088
	ctrlNPEnable        = 0x090
	ctrlNCR3            = 0x0B0
	ctrlNextRIP         = 0x0C8
	ctrlInsnBytesLen    = 0x0D0
	ctrlInsnBytes       = 0x0D1
	ctrlInsnBytesMaxLen = 15
)

// State save area offsets, relative to the start of the VMCB.
const (
	saveArea   = 0x400
	saveES     = saveArea + 0x000
	saveCS     = saveArea + 0x010
	saveSS     = saveArea + 0x020
	saveDS     = saveArea + 0x030
	saveFS     = saveArea + 0x040
	saveGS     = saveArea + 0x050
	saveGDTR   = saveArea + 0x060
	saveLDTR   = saveArea + 0x070
	saveIDTR   = saveArea + 0x080
	saveTR     = saveArea + 0x090
	saveCPL    = saveArea + 0x0CB
	saveEFER   = saveArea + 0x0D0
	saveCR4    = saveArea + 0x148
	saveCR3    = saveArea + 0x150
	saveCR0    = saveArea + 0x158
	saveDR7    = saveArea + 0x160
	saveDR6    = saveArea + 0x168
	saveRFLAGS = saveArea + 0x170
	saveRIP    = saveArea + 0x178
	saveRSP    = saveArea + 0x1D8
	saveRAX    = saveArea + 0x1F8
)

// Intercept bits.
const (
	InterceptHLT     uint32 = 1 << 24 // misc1
	InterceptVMRUN   uint32 = 1 << 0  // misc2
	InterceptVMMCALL uint32 = 1 << 1  // misc2
)

// TLB_CONTROL values.
const (
	TLBControlDoNothing      uint8 = 0
	TLBControlFlushAll       uint8 = 1
	TLBControlFlushGuestASID uint8 = 3
)

const (
	EferSVME uint64 = 1 << 12
	Cr0ET    uint64 = 1 << 4
)

// VectorUD is the invalid-opcode exception vector.
const VectorUD = 6

// SegmentReg names a segment slot in the state save area.
type SegmentReg int

const (
	SegES SegmentReg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegGDTR
	SegLDTR
	SegIDTR
	SegTR
)

var segmentNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs", "gdtr", "ldtr", "idtr", "tr"}

func (s SegmentReg) String() string {
	if int(s) < len(segmentNames) {
		return segmentNames[s]
	}
	return fmt.Sprintf("segment(%d)", int(s))
}

func (s SegmentReg) offset() int { return saveES + int(s)*16 }

// Segment is one 16-byte VMCB segment descriptor.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// VMCB is a virtual machine control block. The layout is fixed by the
// architecture; callers go through the accessors.
type VMCB struct {
	data [VMCBSize]byte
}

func (v *VMCB) u8(off int) uint8         { return v.data[off] }
func (v *VMCB) u16(off int) uint16       { return binary.LittleEndian.Uint16(v.data[off:]) }
func (v *VMCB) u32(off int) uint32       { return binary.LittleEndian.Uint32(v.data[off:]) }
func (v *VMCB) u64(off int) uint64       { return binary.LittleEndian.Uint64(v.data[off:]) }
func (v *VMCB) setU8(off int, x uint8)   { v.data[off] = x }
func (v *VMCB) setU16(off int, x uint16) { binary.LittleEndian.PutUint16(v.data[off:], x) }
func (v *VMCB) setU32(off int, x uint32) { binary.LittleEndian.PutUint32(v.data[off:], x) }
func (v *VMCB) setU64(off int, x uint64) { binary.LittleEndian.PutUint64(v.data[off:], x) }

// Bytes returns the raw VMCB page.
func (v *VMCB) Bytes() []byte { return v.data[:] }

func (v *VMCB) Segment(s SegmentReg) Segment {
	off := s.offset()
	return Segment{
		Selector: v.u16(off),
		Attrib:   v.u16(off + 2),
		Limit:    v.u32(off + 4),
		Base:     v.u64(off + 8),
	}
}

func (v *VMCB) SetSegment(s SegmentReg, seg Segment) {
	off := s.offset()
	v.setU16(off, seg.Selector)
	v.setU16(off+2, seg.Attrib)
	v.setU32(off+4, seg.Limit)
	v.setU64(off+8, seg.Base)
}

func (v *VMCB) ExceptionIntercepts() uint32     { return v.u32(ctrlInterceptExcp) }
func (v *VMCB) SetExceptionIntercepts(x uint32) { v.setU32(ctrlInterceptExcp, x) }
func (v *VMCB) Intercepts1() uint32             { return v.u32(ctrlInterceptMisc1) }
func (v *VMCB) SetIntercepts1(x uint32)         { v.setU32(ctrlInterceptMisc1, x) }
func (v *VMCB) Intercepts2() uint32             { return v.u32(ctrlInterceptMisc2) }
func (v *VMCB) SetIntercepts2(x uint32)         { v.setU32(ctrlInterceptMisc2, x) }

func (v *VMCB) IOPMBase() uint64       { return v.u64(ctrlIOPMBase) }
func (v *VMCB) SetIOPMBase(pa uint64)  { v.setU64(ctrlIOPMBase, pa) }
func (v *VMCB) MSRPMBase() uint64      { return v.u64(ctrlMSRPMBase) }
func (v *VMCB) SetMSRPMBase(pa uint64) { v.setU64(ctrlMSRPMBase, pa) }
func (v *VMCB) ASID() uint32           { return v.u32(ctrlGuestASID) }
func (v *VMCB) SetASID(asid uint32)    { v.setU32(ctrlGuestASID, asid) }
func (v *VMCB) TLBControl() uint8      { return v.u8(ctrlTLBControl) }
func (v *VMCB) SetTLBControl(c uint8)  { v.setU8(ctrlTLBControl, c) }
func (v *VMCB) NestedPaging() bool     { return v.u64(ctrlNPEnable)&1 != 0 }
func (v *VMCB) NCR3() uint64           { return v.u64(ctrlNCR3) }
func (v *VMCB) ExitCode() uint64       { return v.u64(ctrlExitCode) }
func (v *VMCB) ExitInfo1() uint64      { return v.u64(ctrlExitInfo1) }
func (v *VMCB) ExitInfo2() uint64      { return v.u64(ctrlExitInfo2) }
func (v *VMCB) NextRIP() uint64        { return v.u64(ctrlNextRIP) }

// EnableNestedPaging turns on nested paging with root as nCR3.
func (v *VMCB) EnableNestedPaging(root uint64) {
	v.setU64(ctrlNPEnable, 1)
	v.setU64(ctrlNCR3, root)
}

// SetExit records a #VMEXIT. Only the processor side writes these fields.
func (v *VMCB) SetExit(code, info1, info2, nextRIP uint64) {
	v.setU64(ctrlExitCode, code)
	v.setU64(ctrlExitInfo1, info1)
	v.setU64(ctrlExitInfo2, info2)
	v.setU64(ctrlExitIntInfo, 0)
	v.setU64(ctrlNextRIP, nextRIP)
}

// GuestInsnBytes returns the instruction bytes captured by decode assist on
// a nested page fault.
func (v *VMCB) GuestInsnBytes() []byte {
	n := min(int(v.u8(ctrlInsnBytesLen)&0xF), ctrlInsnBytesMaxLen)
	return append([]byte(nil), v.data[ctrlInsnBytes:ctrlInsnBytes+n]...)
}

func (v *VMCB) SetGuestInsnBytes(b []byte) {
	n := min(len(b), ctrlInsnBytesMaxLen)
	clear(v.data[ctrlInsnBytes : ctrlInsnBytes+ctrlInsnBytesMaxLen])
	copy(v.data[ctrlInsnBytes:], b[:n])
	v.setU8(ctrlInsnBytesLen, uint8(n))
}

func (v *VMCB) CPL() uint8         { return v.u8(saveCPL) }
func (v *VMCB) EFER() uint64       { return v.u64(saveEFER) }
func (v *VMCB) SetEFER(x uint64)   { v.setU64(saveEFER, x) }
func (v *VMCB) CR0() uint64        { return v.u64(saveCR0) }
func (v *VMCB) SetCR0(x uint64)    { v.setU64(saveCR0, x) }
func (v *VMCB) CR3() uint64        { return v.u64(saveCR3) }
func (v *VMCB) CR4() uint64        { return v.u64(saveCR4) }
func (v *VMCB) DR6() uint64        { return v.u64(saveDR6) }
func (v *VMCB) SetDR6(x uint64)    { v.setU64(saveDR6, x) }
func (v *VMCB) DR7() uint64        { return v.u64(saveDR7) }
func (v *VMCB) SetDR7(x uint64)    { v.setU64(saveDR7, x) }
func (v *VMCB) RFLAGS() uint64     { return v.u64(saveRFLAGS) }
func (v *VMCB) SetRFLAGS(x uint64) { v.setU64(saveRFLAGS, x) }
func (v *VMCB) RIP() uint64        { return v.u64(saveRIP) }
func (v *VMCB) SetRIP(x uint64)    { v.setU64(saveRIP, x) }
func (v *VMCB) RSP() uint64        { return v.u64(saveRSP) }
func (v *VMCB) SetRSP(x uint64)    { v.setU64(saveRSP, x) }
func (v *VMCB) RAX() uint64        { return v.u64(saveRAX) }
func (v *VMCB) SetRAX(x uint64)    { v.setU64(saveRAX, x) }

// RealModeConfig describes the 16-bit guest the VMCB is prepared for.
type RealModeConfig struct {
	// Entry is the linear address of the first instruction. CS is chosen so
	// that CS.base == Entry and IP starts at zero.
	Entry uint64

	ASID uint32

	// Root is the nested page table root loaded into nCR3.
	Root uint64

	IOPM  uint64
	MSRPM uint64
}

// SetupRealMode fills the control and save areas for a real-mode guest
// that exits on VMRUN, VMMCALL, HLT and #UD, with nested paging enabled.
func (v *VMCB) SetupRealMode(cfg RealModeConfig) error {
	if cfg.Entry&0xF != 0 || cfg.Entry>>4 > 0xFFFF {
		return fmt.Errorf("svm: real-mode entry %#x is not a paragraph below 1MiB", cfg.Entry)
	}
	if cfg.ASID == 0 {
		return fmt.Errorf("svm: ASID 0 is reserved for the host")
	}

	*v = VMCB{}
	v.SetIntercepts1(InterceptHLT)
	v.SetIntercepts2(InterceptVMRUN | InterceptVMMCALL)
	v.SetExceptionIntercepts(1 << VectorUD)
	v.SetIOPMBase(cfg.IOPM)
	v.SetMSRPMBase(cfg.MSRPM)
	v.SetASID(cfg.ASID)
	v.EnableNestedPaging(cfg.Root)

	v.SetSegment(SegCS, Segment{Selector: uint16(cfg.Entry >> 4), Attrib: 0x9B, Limit: 0xFFFF, Base: cfg.Entry})
	for _, s := range []SegmentReg{SegDS, SegES, SegSS, SegFS, SegGS} {
		v.SetSegment(s, Segment{Attrib: 0x93, Limit: 0xFFFF})
	}
	v.SetSegment(SegGDTR, Segment{Limit: 0xFFFF})
	v.SetSegment(SegIDTR, Segment{Limit: 0x3FF})
	v.SetSegment(SegTR, Segment{Attrib: 0x8B, Limit: 0xFFFF})
	v.SetSegment(SegLDTR, Segment{Attrib: 0x82})

	v.SetEFER(EferSVME)
	v.SetCR0(Cr0ET)
	v.SetDR6(0xFFFF0FF0)
	v.SetDR7(0x400)
	v.SetRFLAGS(0x2)
	v.SetRIP(0)
	return nil
}
