package svm

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetupRealModeLayout(t *testing.T) {
	var vmcb VMCB
	if err := vmcb.SetupRealMode(RealModeConfig{
		Entry: 0x1_0000,
		ASID:  1,
		Root:  0x1234_5000,
		IOPM:  0xA000,
		MSRPM: 0xD000,
	}); err != nil {
		t.Fatalf("SetupRealMode: %v", err)
	}
	raw := vmcb.Bytes()
	u16 := func(off int) uint64 { return uint64(binary.LittleEndian.Uint16(raw[off:])) }
	u32 := func(off int) uint64 { return uint64(binary.LittleEndian.Uint32(raw[off:])) }
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(raw[off:]) }

	for _, tc := range []struct {
		name string
		got  uint64
		want uint64
	}{
		{"intercept misc2", u32(0x010), 0x3},
		{"intercept hlt", u32(0x00C), 1 << 24},
		{"intercept #UD", u32(0x008), 1 << 6},
		{"iopm", u64(0x040), 0xA000},
		{"msrpm", u64(0x048), 0xD000},
		{"asid", u32(0x058), 1},
		{"np enable", u64(0x090), 1},
		{"ncr3", u64(0x0B0), 0x1234_5000},
		{"cs selector", u16(0x410), 0x1000},
		{"cs attrib", u16(0x412), 0x9B},
		{"cs limit", u32(0x414), 0xFFFF},
		{"cs base", u64(0x418), 0x1_0000},
		{"ds attrib", u16(0x432), 0x93},
		{"idtr limit", u32(0x484), 0x3FF},
		{"tr attrib", u16(0x492), 0x8B},
		{"ldtr attrib", u16(0x472), 0x82},
		{"efer", u64(0x4D0), 1 << 12},
		{"cr0", u64(0x558), 0x10},
		{"dr7", u64(0x560), 0x400},
		{"dr6", u64(0x568), 0xFFFF0FF0},
		{"rflags", u64(0x570), 0x2},
		{"rip", u64(0x578), 0},
	} {
		if tc.got != tc.want {
			t.Errorf("%s = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

func TestSetupRealModeRejects(t *testing.T) {
	var vmcb VMCB
	if err := vmcb.SetupRealMode(RealModeConfig{Entry: 0x1_0008, ASID: 1}); err == nil {
		t.Errorf("expected error for an entry that is not a paragraph")
	}
	if err := vmcb.SetupRealMode(RealModeConfig{Entry: 0x20_0000, ASID: 1}); err == nil {
		t.Errorf("expected error for an entry above 1MiB")
	}
	if err := vmcb.SetupRealMode(RealModeConfig{Entry: 0x1_0000}); err == nil {
		t.Errorf("expected error for ASID 0")
	}
}

func TestExitFields(t *testing.T) {
	var vmcb VMCB
	vmcb.SetExit(ExitCodeNPF, NPFUser|NPFFinalWalk, 0x2_0000, 0)
	vmcb.SetGuestInsnBytes([]byte{0x66, 0x67, 0x8B, 0x03})

	raw := vmcb.Bytes()
	if binary.LittleEndian.Uint64(raw[0x070:]) != 0x400 {
		t.Fatalf("EXITCODE not at 0x070")
	}
	if binary.LittleEndian.Uint64(raw[0x080:]) != 0x2_0000 {
		t.Fatalf("EXITINFO2 not at 0x080")
	}
	if diff := cmp.Diff([]byte{0x66, 0x67, 0x8B, 0x03}, vmcb.GuestInsnBytes()); diff != "" {
		t.Fatalf("instruction bytes mismatch (-want +got):\n%s", diff)
	}

	seg := Segment{Selector: 0x10, Attrib: 0x93, Limit: 0xFFFF, Base: 0x1234}
	vmcb.SetSegment(SegGS, seg)
	if diff := cmp.Diff(seg, vmcb.Segment(SegGS)); diff != "" {
		t.Fatalf("segment round trip (-want +got):\n%s", diff)
	}
}
