package hv

import "testing"

func TestShutdownSignatureExactness(t *testing.T) {
	sbi := ShutdownRequest{Kind: ShutdownSBI, Extension: SBIExtSRST, Function: SBISRSTSystemReset, Args: [2]uint64{SBIResetTypeShutdown, 0}}
	svc := ShutdownRequest{Kind: ShutdownPSCISVC, Function: PSCISystemOff}
	vmmcall := ShutdownRequest{Kind: ShutdownPSCIVMMCALL, Function: PSCISystemOff}

	for _, tc := range []struct {
		name string
		req  ShutdownRequest
		want bool
	}{
		{"sbi", sbi, true},
		{"sbi reason ignored", func() ShutdownRequest { r := sbi; r.Args[1] = 7; return r }(), true},
		{"sbi wrong extension", func() ShutdownRequest { r := sbi; r.Extension = 0x53525355; return r }(), false},
		{"sbi legacy shutdown", func() ShutdownRequest { r := sbi; r.Extension = SBIExtLegacyShutdown; return r }(), false},
		{"sbi wrong function", func() ShutdownRequest { r := sbi; r.Function = 1; return r }(), false},
		{"sbi cold reboot", func() ShutdownRequest { r := sbi; r.Args[0] = 1; return r }(), false},
		{"svc", svc, true},
		{"svc system reset", func() ShutdownRequest { r := svc; r.Function = 0x84000009; return r }(), false},
		{"svc off by one bit", func() ShutdownRequest { r := svc; r.Function ^= 1 << 31; return r }(), false},
		{"vmmcall", vmmcall, true},
		{"vmmcall zero", func() ShutdownRequest { r := vmmcall; r.Function = 0; return r }(), false},
		{"no kind", ShutdownRequest{Function: PSCISystemOff}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.IsShutdown(); got != tc.want {
				t.Fatalf("IsShutdown(%s) = %v, want %v", tc.req, got, tc.want)
			}
			exit := ClassifyHypercall(10, tc.req)
			want := ExitUnhandled
			if tc.want {
				want = ExitShutdown
			}
			if exit.Reason != want {
				t.Fatalf("ClassifyHypercall reason = %v, want %v", exit.Reason, want)
			}
		})
	}
}

func TestLegacyShutdownDiagnostic(t *testing.T) {
	exit := ClassifyHypercall(10, ShutdownRequest{Kind: ShutdownSBI, Extension: SBIExtLegacyShutdown})
	if exit.Reason != ExitUnhandled || exit.RawCode != 10 {
		t.Fatalf("unexpected exit %v", exit)
	}
	if exit.Detail == "" {
		t.Fatalf("missing detail")
	}
}

func TestGuestPhysAddrHelpers(t *testing.T) {
	a := GuestPhysAddr(0x2200_0abc)
	if a.PageDown() != 0x2200_0000 || a.PageOffset() != 0xabc || a.PageNumber() != 0x22000 {
		t.Fatalf("unexpected page helpers for %s", a)
	}
	if (PermRead | PermExec).String() != "r-x" {
		t.Fatalf("perm string = %s", (PermRead | PermExec).String())
	}
}
