package riscv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/guestaspace/internal/asm"
	rvasm "github.com/tinyrange/guestaspace/internal/asm/riscv"
	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/hv/hvtest"
	"github.com/tinyrange/guestaspace/internal/payload"
)

const (
	guestBase  hv.GuestPhysAddr = 0x8020_0000
	devicePage hv.GuestPhysAddr = 0x2200_0000
)

var policy = hv.FaultPolicy{
	DevicePage: devicePage,
	Magic:      hv.DefaultDeviceMagic,
	WorkingSet: hv.AddressRange{Start: 0, End: 0x7fff_ffff_f000},
}

func setup(t *testing.T, image []byte) (*VCPU, *SoftHart, *hv.GuestAddressSpace) {
	t.Helper()
	space, err := hv.BuildAddressSpace(image, guestBase)
	if err != nil {
		t.Fatalf("BuildAddressSpace: %v", err)
	}
	t.Cleanup(func() { space.Close() })

	hart := NewSoftHart(space)
	hart.SetBudget(1000)
	return NewVCPU(hart, space, guestBase, nil), hart, space
}

func emit(t *testing.T, frag asm.Fragment) []byte {
	t.Helper()
	prog, err := rvasm.EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	return prog.Bytes()
}

func TestEndToEndShutdown(t *testing.T) {
	image, err := payload.Build(hv.ArchitectureRISCV64, payload.Options{DevicePage: devicePage})
	if err != nil {
		t.Fatalf("payload.Build: %v", err)
	}
	vcpu, hart, space := setup(t, image)

	var console bytes.Buffer
	res, err := hv.NewRunLoop(vcpu, space, policy, hv.WithConsole(&console)).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if console.String() != hv.SuccessMessage+"\n" {
		t.Fatalf("console = %q", console.String())
	}
	if res.FaultsResolved != 1 || res.Exits != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Exit.Request.Extension != hv.SBIExtSRST {
		t.Fatalf("shutdown request = %v", res.Exit.Request)
	}

	magic := make([]byte, 4)
	if err := space.ReadGuest(devicePage, magic); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if string(magic) != "pfld" {
		t.Fatalf("device page magic = %q", magic)
	}

	// The guest loaded the magic into t1 once the fault was resolved.
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterRISCVX6: nil}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if want := hv.Register64(binary.LittleEndian.Uint32([]byte("pfld"))); regs[hv.RegisterRISCVX6] != want {
		t.Fatalf("t1 = %#x, want %#x", regs[hv.RegisterRISCVX6], want)
	}
	if hart.Fences() < 2 {
		t.Fatalf("expected an hfence.gvma after the new mapping, got %d fences", hart.Fences())
	}
}

func TestEndToEndLegacyShutdownIsFatal(t *testing.T) {
	image, err := payload.Build(hv.ArchitectureRISCV64, payload.Options{
		DevicePage: devicePage,
		Hypercall:  &payload.Hypercall{Extension: hv.SBIExtLegacyShutdown},
	})
	if err != nil {
		t.Fatalf("payload.Build: %v", err)
	}
	vcpu, _, space := setup(t, image)

	var console bytes.Buffer
	res, err := hv.NewRunLoop(vcpu, space, policy, hv.WithConsole(&console)).Run()
	if !errors.Is(err, hv.ErrUnhandledExit) {
		t.Fatalf("Run error = %v, want ErrUnhandledExit", err)
	}
	if res.Exit.RawCode != CauseEcallFromVS {
		t.Fatalf("raw code = %#x", res.Exit.RawCode)
	}
	if strings.Contains(console.String(), hv.SuccessMessage) {
		t.Fatalf("success printed for a non-SRST call")
	}
	if !strings.Contains(console.String(), "scause=0xa") {
		t.Fatalf("console does not show the raw trap: %q", console.String())
	}
}

func TestDecode(t *testing.T) {
	vcpu := &VCPU{}
	srst := [8]uint64{0, 0, 0, 0, 0, 0, 0, hv.SBIExtSRST}

	for _, tc := range []struct {
		name   string
		exit   Exit
		reason hv.ExitReason
		addr   hv.GuestPhysAddr
	}{
		{"load fault", Exit{Scause: 21, Htval: 0x2200_0000 >> 2, Stval: 0x2200_0003}, hv.ExitNestedPageFault, 0x2200_0003},
		{"store fault", Exit{Scause: 23, Htval: 0x8030_0000 >> 2, Stval: 0x8030_0000}, hv.ExitNestedPageFault, 0x8030_0000},
		{"fetch fault", Exit{Scause: 20, Htval: 0x8040_0000 >> 2}, hv.ExitNestedPageFault, 0x8040_0000},
		{"srst shutdown", Exit{Scause: 10, A: srst}, hv.ExitShutdown, 0},
		{"srst reboot", Exit{Scause: 10, A: [8]uint64{1, 0, 0, 0, 0, 0, 0, hv.SBIExtSRST}}, hv.ExitUnhandled, 0},
		{"srst wrong fid", Exit{Scause: 10, A: [8]uint64{0, 0, 0, 0, 0, 0, 1, hv.SBIExtSRST}}, hv.ExitUnhandled, 0},
		{"legacy shutdown", Exit{Scause: 10, A: [8]uint64{0, 0, 0, 0, 0, 0, 0, 8}}, hv.ExitUnhandled, 0},
		{"illegal instruction", Exit{Scause: 2}, hv.ExitUnhandled, 0},
		{"virtual instruction", Exit{Scause: 22}, hv.ExitUnhandled, 0},
		{"timer interrupt", Exit{Scause: CauseInterrupt | 5}, hv.ExitUnhandled, 0},
		{"interrupt with fault code", Exit{Scause: CauseInterrupt | 21}, hv.ExitUnhandled, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := vcpu.Decode(tc.exit)
			if got.Reason != tc.reason {
				t.Fatalf("reason = %v, want %v (%v)", got.Reason, tc.reason, got)
			}
			if tc.reason == hv.ExitNestedPageFault && got.FaultAddr != tc.addr {
				t.Fatalf("fault addr = %s, want %s", got.FaultAddr, tc.addr)
			}
			if tc.reason == hv.ExitUnhandled && got.RawCode != tc.exit.Scause {
				t.Fatalf("raw code = %#x, want %#x", got.RawCode, tc.exit.Scause)
			}
		})
	}
}

func TestHgatpProgrammed(t *testing.T) {
	_, hart, space := setup(t, emit(t, rvasm.Ecall()))
	hgatp := hart.ReadCSR(CSRHgatp)
	if hgatp>>60 != HgatpModeSv39x4 {
		t.Fatalf("hgatp mode = %d", hgatp>>60)
	}
	if hgatp&HgatpPPNMask != space.Root()>>12 {
		t.Fatalf("hgatp ppn = %#x, root = %#x", hgatp&HgatpPPNMask, space.Root())
	}
}

func TestReentryIsIdempotent(t *testing.T) {
	// A fault on an unmapped page with no handler in between re-raises the
	// same exit with the same guest state.
	vcpu, _, _ := setup(t, emit(t, asm.Group{
		rvasm.MovImmediate(rvasm.T0, int64(devicePage)),
		rvasm.LoadWord(rvasm.T1, rvasm.T0, 0),
	}))

	first, err := vcpu.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	second, err := vcpu.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if first != second {
		t.Fatalf("re-entry changed the exit: %v vs %v", first, second)
	}
	if vcpu.Decode(first).FaultAddr != devicePage {
		t.Fatalf("fault address = %s", vcpu.Decode(first).FaultAddr)
	}
}

type hartFault int

const (
	hartFaultNone hartFault = iota
	hartFaultSkipGuestSave
	hartFaultSkipHostRestore
)

// faultyHart wraps SoftHart and skips one half of the register swap.
type faultyHart struct {
	*SoftHart
	mode hartFault
}

func (h *faultyHart) RunGuest(regs *GeneralRegisters) error {
	scratch := *regs
	err := h.SoftHart.RunGuest(&scratch)
	switch h.mode {
	case hartFaultSkipGuestSave:
	case hartFaultSkipHostRestore:
		*regs = scratch
		*h.HostRegisters() = scratch.X
	default:
		*regs = scratch
	}
	return err
}

func registerContextTest(t *testing.T, mode hartFault) error {
	t.Helper()
	// The guest bumps x12 and traps, leaving every other register alone.
	image := emit(t, asm.Group{
		rvasm.AddRegImm(rvasm.X12, 1),
		rvasm.Ecall(),
	})
	space, err := hv.BuildAddressSpace(image, guestBase)
	if err != nil {
		t.Fatalf("BuildAddressSpace: %v", err)
	}
	defer space.Close()

	soft := NewSoftHart(space)
	soft.SetBudget(16)
	hart := &faultyHart{SoftHart: soft, mode: mode}
	vcpu := NewVCPU(hart, space, guestBase, nil)

	for i := range soft.HostRegisters() {
		soft.HostRegisters()[i] = 0xdead_0000 + uint64(i)
	}
	soft.HostRegisters()[0] = 0
	hostBefore := *soft.HostRegisters()
	hart.WriteCSR(CSRSstatus, 0x1111)
	hart.WriteCSR(CSRHstatus, 0x2222)

	want := hvtest.Pattern(0x5a, hvtest.Range(hv.RegisterRISCVX1, hv.RegisterRISCVX31)...)
	if err := vcpu.SetRegisters(want); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	raw, err := vcpu.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if raw.Code() != CauseEcallFromVS {
		t.Fatalf("exit = %v", raw)
	}

	want[hv.RegisterRISCVX12] = want[hv.RegisterRISCVX12].(hv.Register64) + 1
	want[hv.RegisterRISCVPc] = hv.Register64(guestBase + 4)

	var errs []error
	if err := hvtest.CheckRegisters(vcpu, want); err != nil {
		errs = append(errs, fmt.Errorf("guest: %w", err))
	}
	names := make([]string, 32)
	for i := range names {
		names[i] = fmt.Sprintf("host.x%d", i)
	}
	if err := hvtest.CheckFile(names, soft.HostRegisters()[:], hostBefore[:]); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}
	if hart.ReadCSR(CSRSstatus) != 0x1111 || hart.ReadCSR(CSRHstatus) != 0x2222 {
		errs = append(errs, fmt.Errorf("host sstatus/hstatus not restored"))
	}
	return errors.Join(errs...)
}

func TestRegisterContextRoundTrip(t *testing.T) {
	if err := registerContextTest(t, hartFaultNone); err != nil {
		t.Fatalf("register context: %v", err)
	}
}

func TestRegisterContextDetectsSkippedSave(t *testing.T) {
	err := registerContextTest(t, hartFaultSkipGuestSave)
	var mismatch hvtest.RegisterMismatchError
	if !errors.As(err, &mismatch) || !strings.Contains(err.Error(), "riscv.x12") {
		t.Fatalf("expected x12 mismatch, got %v", err)
	}
}

func TestRegisterContextDetectsSkippedRestore(t *testing.T) {
	err := registerContextTest(t, hartFaultSkipHostRestore)
	if err == nil || !strings.Contains(err.Error(), "host.x1 ") {
		t.Fatalf("expected host register mismatch, got %v", err)
	}
}

func TestSetRegistersRejectsX0(t *testing.T) {
	vcpu := &VCPU{}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterRISCVX0: hv.Register64(1)}); err == nil {
		t.Fatalf("expected error writing x0")
	}
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: hv.Register64(1)}); err == nil {
		t.Fatalf("expected error for foreign register")
	}
}

func TestRunGuestRequiresVirtualizedReturn(t *testing.T) {
	vcpu, _, _ := setup(t, emit(t, rvasm.Ecall()))
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterRISCVHstatus: hv.Register64(0)}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if _, err := vcpu.Enter(); !errors.Is(err, ErrNotVirtualized) {
		t.Fatalf("Enter error = %v, want ErrNotVirtualized", err)
	}
}

func TestBudgetExhausted(t *testing.T) {
	vcpu, _, _ := setup(t, emit(t, asm.Group{asm.MarkLabel("spin"), rvasm.Jump("spin")}))
	if _, err := vcpu.Enter(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Enter error = %v, want ErrBudgetExhausted", err)
	}
}
